package rules

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

func TestTableEngine_AppendsEvent(t *testing.T) {
	engine := NewTableEngine()
	alice := auth.Principal{ID: "alice", Role: auth.RolePlayer}

	payload, outbound, err := engine.Apply(json.RawMessage(`{}`), alice, json.RawMessage(`{"say":"hi"}`))
	assert.NoError(t, err)
	assert.Len(t, outbound, 1)

	var state tableState
	assert.NoError(t, json.Unmarshal(payload, &state))
	assert.Equal(t, uint64(1), state.Seq)
	assert.Len(t, state.Events, 1)
	assert.Equal(t, "alice", state.Events[0].From)
	assert.JSONEq(t, `{"say":"hi"}`, string(state.Events[0].Body))

	var frame eventFrame
	assert.NoError(t, json.Unmarshal(outbound[0], &frame))
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, uint64(1), frame.Payload.Seq)
}

func TestTableEngine_SequenceAdvances(t *testing.T) {
	engine := NewTableEngine()
	alice := auth.Principal{ID: "alice", Role: auth.RolePlayer}

	payload := json.RawMessage(`{}`)
	var err error
	for i := 0; i < 3; i++ {
		payload, _, err = engine.Apply(payload, alice, json.RawMessage(`{"n":1}`))
		assert.NoError(t, err)
	}

	var state tableState
	assert.NoError(t, json.Unmarshal(payload, &state))
	assert.Equal(t, uint64(3), state.Seq)
	assert.Len(t, state.Events, 3)
}

func TestTableEngine_LogIsBounded(t *testing.T) {
	engine := TableEngine{now: func() time.Time { return time.Unix(0, 0) }}
	gm := auth.Principal{ID: auth.GMPrincipalID, Role: auth.RoleGM}

	payload := json.RawMessage(`{}`)
	var err error
	for i := 0; i < maxEvents+10; i++ {
		payload, _, err = engine.Apply(payload, gm, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		assert.NoError(t, err)
	}

	var state tableState
	assert.NoError(t, json.Unmarshal(payload, &state))
	assert.Len(t, state.Events, maxEvents)
	// Sequence keeps counting even though old events are trimmed
	assert.Equal(t, uint64(maxEvents+10), state.Seq)
	assert.Equal(t, uint64(11), state.Events[0].Seq)
}

func TestTableEngine_RejectsBadInput(t *testing.T) {
	engine := NewTableEngine()
	alice := auth.Principal{ID: "alice", Role: auth.RolePlayer}

	_, _, err := engine.Apply(json.RawMessage(`{}`), alice, nil)
	assert.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))

	_, _, err = engine.Apply(json.RawMessage(`{}`), alice, json.RawMessage(`{broken`))
	assert.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))
}
