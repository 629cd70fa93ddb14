package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"tabletop-server/internal/auth"
	"tabletop-server/internal/config"
	"tabletop-server/internal/rules"
	"tabletop-server/internal/session"
	"tabletop-server/internal/store"
)

// Connections with no inbound traffic for this long get swept.
const idleTimeout = 5 * time.Minute

// UserStore is the account persistence the auth handlers need.
// Satisfied by store.Store; tests substitute an in-memory fake.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
}

type Server struct {
	cfg      config.Config
	users    UserStore
	tokens   *auth.TokenIssuer
	registry *session.Registry
	limiter  *RateLimiter
	done     chan struct{}
}

// NewServer wires the components and returns both the application
// server (for shutdown) and the configured HTTP server.
func NewServer(cfg config.Config, users UserStore) (*Server, *http.Server) {
	s := &Server{
		cfg:      cfg,
		users:    users,
		tokens:   auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL),
		registry: session.NewRegistry(rules.NewTableEngine()),
		limiter:  NewRateLimiter(20, time.Second),
		done:     make(chan struct{}),
	}

	go s.idleSweepTask()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer
}

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *session.Registry { return s.registry }

// Shutdown closes every realtime connection and stops background
// tasks. Called before the HTTP server drains.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	s.registry.CloseAll("server shutting down")
	log.Printf("Closed realtime connections for %d sessions", s.registry.Count())
	return nil
}

// idleSweepTask drops connections that stopped sending. The websocket
// read loop refreshes liveness on every inbound frame.
func (s *Server) idleSweepTask() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept := 0
			for _, sess := range s.registry.Sessions() {
				for _, c := range sess.Connections().IdleConnections(idleTimeout) {
					sess.Connections().Drop(c, "idle timeout")
					swept++
				}
			}
			if swept > 0 {
				log.Printf("Idle sweep: dropped %d connections", swept)
			}
		case <-s.done:
			return
		}
	}
}
