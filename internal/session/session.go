// Package session implements the game session core: the registry of
// live sessions, each session's state machine, and the per-session
// connection manager that fans realtime messages in and out.
package session

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateClosed  State = "closed"
)

// RuleEngine is the external collaborator that interprets game
// payloads. The session core never looks inside the payload; it only
// sequences Apply calls one at a time, in arrival order.
type RuleEngine interface {
	// Apply evaluates one inbound frame against the current payload and
	// returns the updated payload plus the frames to broadcast.
	Apply(payload json.RawMessage, from auth.Principal, input json.RawMessage) (json.RawMessage, []json.RawMessage, error)
}

// Session is one game's authoritative in-memory state plus its attached
// connections. All state transitions and payload mutations happen under
// mu, the session's single serialization point.
type Session struct {
	ID        string
	Owner     string // principal id of the creating game-master
	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	payload json.RawMessage
	rules   RuleEngine
	updated time.Time

	conns *ConnectionManager
}

func newSession(id string, owner string, rules RuleEngine) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		Owner:     owner,
		CreatedAt: now,
		state:     StateCreated,
		payload:   json.RawMessage(`{}`),
		rules:     rules,
		updated:   now,
	}
	// Forced drops come from broadcast paths that may already hold
	// s.mu, so detach asynchronously.
	s.conns = NewConnectionManager(func(c *Conn, reason string) {
		go func() {
			s.Detach(c)
			log.Printf("Session %s: dropped connection %s (%s)", s.ID, c.ID, reason)
		}()
	})
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connections exposes the session's connection manager.
func (s *Session) Connections() *ConnectionManager { return s.conns }

// Attach binds a new connection to the session and moves it to Active.
// Fails with CONFLICT once the session is Closed, when the principal is
// already attached, or when a second game-master tries to attach.
func (s *Session) Attach(c *Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return apperr.Conflict("session is closed")
	}
	if c.Principal.IsGM() && s.gmAttachedLocked() {
		return apperr.Conflict("game-master already connected")
	}
	if err := s.conns.Register(c); err != nil {
		return err
	}

	s.state = StateActive
	s.updated = time.Now()
	return nil
}

func (s *Session) gmAttachedLocked() bool {
	for _, id := range s.conns.Participants() {
		if id == auth.GMPrincipalID {
			return true
		}
	}
	return false
}

// Detach removes a connection. When the last participant leaves the
// session reverts to Created; detachment alone never destroys it.
func (s *Session) Detach(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns.Unregister(c)
	if s.state == StateActive && s.conns.Count() == 0 {
		s.state = StateCreated
	}
	s.updated = time.Now()
}

// HandleMessage runs one inbound frame through the rule engine and
// broadcasts the results. Held under s.mu so concurrent frames are
// applied one at a time, in arrival order. Sender echo is suppressed
// unless the frame asked for it.
func (s *Session) HandleMessage(from auth.Principal, input json.RawMessage, echo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return apperr.Conflict("session is closed")
	}

	updated, outbound, err := s.rules.Apply(s.payload, from, input)
	if err != nil {
		return err
	}
	s.payload = updated
	s.updated = time.Now()

	exclude := from.ID
	if echo {
		exclude = ""
	}
	for _, frame := range outbound {
		s.conns.Broadcast(frame, exclude)
	}
	return nil
}

// close transitions to Closed. Only callable while no participant is
// attached; the registry invokes it under its own lock so a delete
// cannot race a concurrent attach.
func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns.Count() > 0 {
		return apperr.Conflict("session has connected participants")
	}
	s.state = StateClosed
	s.updated = time.Now()
	return nil
}

// Summary is the list-view projection of a session. A snapshot; holds
// no references into mutable session state.
type Summary struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Detail is the single-session projection, including the opaque game
// payload.
type Detail struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	State        State           `json:"state"`
	Participants []string        `json:"participants"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:           s.ID,
		State:        s.state,
		Participants: s.conns.Count(),
		CreatedAt:    s.CreatedAt,
	}
}

func (s *Session) Detail() Detail {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy the payload so callers never alias the live buffer
	payload := make(json.RawMessage, len(s.payload))
	copy(payload, s.payload)

	return Detail{
		ID:           s.ID,
		Owner:        s.Owner,
		State:        s.state,
		Participants: s.conns.Participants(),
		Payload:      payload,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.updated,
	}
}
