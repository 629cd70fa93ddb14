package session

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

// Registry is the authoritative map of live sessions. It is the sole
// arbiter of session existence: create and delete go through registry
// operations so lookups never observe a half-updated map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rules    RuleEngine
}

func NewRegistry(rules RuleEngine) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rules:    rules,
	}
}

// Create allocates a fresh session owned by the requesting
// game-master. Player principals get UNAUTHORIZED and nothing is
// stored.
func (r *Registry) Create(owner auth.Principal) (*Session, error) {
	if !owner.IsGM() {
		return nil, apperr.Unauthorized("only the game-master can create sessions")
	}

	s := newSession(uuid.New().String(), owner.ID, r.rules)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Printf("Session %s created by %s", s.ID, owner.ID)
	return s, nil
}

// List returns a snapshot summary of every live session.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	return summaries
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, apperr.NotFound("session not found")
	}
	return s, nil
}

// Delete removes a session. Only the owning game-master may delete, and
// only while no participant is connected. The participant count is
// re-checked under the registry lock so a delete that races a new
// attach fails with CONFLICT instead of tearing down a live session.
func (r *Registry) Delete(id string, requester auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return apperr.NotFound("session not found")
	}
	if !requester.IsGM() || requester.ID != s.Owner {
		return apperr.Unauthorized("only the owning game-master can delete a session")
	}
	if err := s.close(); err != nil {
		return err
	}

	delete(r.sessions, id)
	log.Printf("Session %s deleted by %s", id, requester.ID)
	return nil
}

// Sessions returns a snapshot of the live sessions, for maintenance
// tasks like the idle-connection sweep.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session's connections. Used during server
// shutdown; sessions themselves are in-memory and die with the process.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Sessions() {
		s.Connections().CloseAll(reason)
	}
}
