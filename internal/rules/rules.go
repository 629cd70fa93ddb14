// Package rules is the rule-evaluation collaborator behind
// session.RuleEngine. The session core treats game payloads as opaque;
// this package owns what is inside them and what broadcast frames look
// like.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

// maxEvents bounds the in-payload event log so long-lived sessions
// don't grow without limit.
const maxEvents = 256

// Event is one applied table message. Body is the client frame verbatim.
type Event struct {
	Seq  uint64          `json:"seq"`
	From string          `json:"from"`
	Role auth.Role       `json:"role"`
	Body json.RawMessage `json:"body"`
	At   time.Time       `json:"at"`
}

type tableState struct {
	Seq    uint64  `json:"seq"`
	Events []Event `json:"events"`
}

// eventFrame is the broadcast wire shape for an applied event.
type eventFrame struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// TableEngine is the default rule engine: it stamps each inbound frame
// with sender and sequence number, records it in the payload's event
// log, and broadcasts it to the table. Game-specific engines replace it
// without the session core changing.
type TableEngine struct {
	now func() time.Time
}

func NewTableEngine() *TableEngine {
	return &TableEngine{now: time.Now}
}

func (e *TableEngine) Apply(payload json.RawMessage, from auth.Principal, input json.RawMessage) (json.RawMessage, []json.RawMessage, error) {
	if len(input) == 0 {
		return nil, nil, apperr.BadRequest("empty message body")
	}
	if !json.Valid(input) {
		return nil, nil, apperr.BadRequest("message body is not valid JSON")
	}

	var state tableState
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, nil, fmt.Errorf("decode session payload: %w", err)
		}
	}

	state.Seq++
	event := Event{
		Seq:  state.Seq,
		From: from.ID,
		Role: from.Role,
		Body: input,
		At:   e.now(),
	}

	state.Events = append(state.Events, event)
	if len(state.Events) > maxEvents {
		state.Events = state.Events[len(state.Events)-maxEvents:]
	}

	updated, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session payload: %w", err)
	}

	frame, err := json.Marshal(eventFrame{Type: "event", Payload: event})
	if err != nil {
		return nil, nil, fmt.Errorf("encode event frame: %w", err)
	}

	return updated, []json.RawMessage{frame}, nil
}
