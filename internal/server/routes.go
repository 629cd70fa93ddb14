package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/auth"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /games", s.handleListGames)
	mux.HandleFunc("GET /games/{id}", s.handleGetGame)
	mux.HandleFunc("POST /games", s.handleCreateGame)
	mux.HandleFunc("DELETE /games/{id}", s.handleDeleteGame)

	mux.HandleFunc("POST /user/register", s.handleUserRegister)
	mux.HandleFunc("POST /user/login", s.handleUserLogin)
	mux.HandleFunc("POST /gm/login", s.handleGMLogin)

	mux.HandleFunc("GET /ws", s.websocketHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

// principalFromRequest resolves the Authorization bearer token.
func (s *Server) principalFromRequest(r *http.Request) (auth.Principal, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return auth.Principal{}, apperr.Unauthorized("missing bearer token")
	}
	return s.tokens.Resolve(token)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// writeError maps a taxonomy error onto its HTTP status and a stable
// JSON body. Uncoded errors are logged and reported as INTERNAL.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	message := "internal error"

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	} else {
		log.Printf("Internal error: %v", err)
	}

	writeJSON(w, apperr.HTTPStatus(code), ErrorResponse{
		Code:    string(code),
		Message: message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return apperr.BadRequest("malformed JSON body")
	}
	return nil
}
