package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

// ============================================================================
// GAME LIFECYCLE
// ============================================================================

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListGamesResponse{Games: s.registry.List()})
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Detail())
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principalFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.registry.Create(principal)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateGameResponse{
		ID:    sess.ID,
		State: sess.State(),
	})
}

func (s *Server) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principalFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	if err := s.registry.Delete(id, principal); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DeleteGameResponse{ID: id, Deleted: true})
}

// ============================================================================
// AUTH FLOWS
// ============================================================================

func validateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return apperr.BadRequest("username cannot be empty")
	}
	if len(username) > 20 {
		return apperr.BadRequest("username too long (max 20 characters)")
	}
	if username == auth.GMPrincipalID {
		return apperr.BadRequest("username is reserved")
	}
	return nil
}

func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := validateUsername(req.Username); err != nil {
		writeError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := s.users.CreateUser(r.Context(), strings.TrimSpace(req.Username), hash)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("Registered user %s (%s)", user.Username, user.ID)
	writeJSON(w, http.StatusCreated, RegisterResponse{
		ID:       user.ID,
		Username: user.Username,
	})
}

func (s *Server) handleUserLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.users.UserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		// Unknown user and bad password must be indistinguishable
		if errors.Is(err, apperr.NotFound("")) {
			writeError(w, apperr.Unauthorized("invalid credentials"))
			return
		}
		writeError(w, err)
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, err)
		return
	}

	token, err := s.tokens.Issue(auth.Principal{ID: user.ID, Role: auth.RolePlayer})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func (s *Server) handleGMLogin(w http.ResponseWriter, r *http.Request) {
	var req GMLoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := auth.VerifyGMSecret(s.cfg.GMSecret, req.Secret); err != nil {
		writeError(w, err)
		return
	}

	token, err := s.tokens.Issue(auth.Principal{ID: auth.GMPrincipalID, Role: auth.RoleGM})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}
