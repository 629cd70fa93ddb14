package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

func gm() auth.Principal {
	return auth.Principal{ID: auth.GMPrincipalID, Role: auth.RoleGM}
}

func TestRegistry_CreateRequiresGM(t *testing.T) {
	r := NewRegistry(echoEngine{})

	_, err := r.Create(player("alice"))
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
	// Nothing stored on failure
	assert.Equal(t, 0, r.Count())

	s, err := r.Create(gm())
	assert.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, auth.GMPrincipalID, s.Owner)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_IDsAreUnique(t *testing.T) {
	r := NewRegistry(echoEngine{})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := r.Create(gm())
		assert.NoError(t, err)
		assert.False(t, seen[s.ID], "session id reused: %s", s.ID)
		seen[s.ID] = true
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	r := NewRegistry(echoEngine{})

	s, err := r.Create(gm())
	assert.NoError(t, err)

	got, err := r.Get(s.ID)
	assert.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = r.Get("missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	summaries := r.List()
	assert.Len(t, summaries, 1)
	assert.Equal(t, s.ID, summaries[0].ID)
	assert.Equal(t, StateCreated, summaries[0].State)
	assert.Equal(t, 0, summaries[0].Participants)
}

func TestRegistry_Delete(t *testing.T) {
	r := NewRegistry(echoEngine{})

	s, err := r.Create(gm())
	assert.NoError(t, err)

	assert.NoError(t, r.Delete(s.ID, gm()))
	assert.Equal(t, 0, r.Count())

	_, err = r.Get(s.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	// Second delete: already gone
	err = r.Delete(s.ID, gm())
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestRegistry_DeleteUnauthorized(t *testing.T) {
	r := NewRegistry(echoEngine{})

	s, err := r.Create(gm())
	assert.NoError(t, err)

	err = r.Delete(s.ID, player("alice"))
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DeleteOccupiedConflicts(t *testing.T) {
	r := NewRegistry(echoEngine{})

	s, err := r.Create(gm())
	assert.NoError(t, err)

	c, _ := newTestConn("alice")
	assert.NoError(t, s.Attach(c))

	err = r.Delete(s.ID, gm())
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, StateActive, s.State())

	// Empty the session; now delete succeeds
	s.Detach(c)
	assert.NoError(t, r.Delete(s.ID, gm()))
}

func TestRegistry_DeleteRacingAttach(t *testing.T) {
	// Race deletes against attaches. Whatever the interleaving, a
	// session must never be deleted while it has a participant: either
	// the delete wins (attach sees Closed) or the attach wins (delete
	// sees Conflict).
	for i := 0; i < 50; i++ {
		r := NewRegistry(echoEngine{})
		s, err := r.Create(gm())
		assert.NoError(t, err)

		c, _ := newTestConn("alice")

		var wg sync.WaitGroup
		var attachErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			attachErr = s.Attach(c)
		}()
		go func() {
			defer wg.Done()
			deleteErr = r.Delete(s.ID, gm())
		}()
		wg.Wait()

		if deleteErr == nil {
			// Delete won: the attach must have been refused
			assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(attachErr))
			assert.Equal(t, 0, r.Count())
		} else {
			// Attach won: the session survives with its participant
			assert.NoError(t, attachErr)
			assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(deleteErr))
			assert.Equal(t, 1, s.Connections().Count())
		}
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(echoEngine{})

	s, err := r.Create(gm())
	assert.NoError(t, err)
	c, transport := newTestConn("alice")
	assert.NoError(t, s.Attach(c))

	r.CloseAll("server shutting down")
	assert.True(t, transport.isClosed())
}
