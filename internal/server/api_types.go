package server

import (
	"encoding/json"

	"tabletop-server/internal/session"
)

// ============================================================================
// ERROR RESPONSES
// ============================================================================
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// AUTH (POST /user/register, /user/login, /gm/login)
// ============================================================================
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type GMLoginRequest struct {
	Secret string `json:"secret"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ============================================================================
// GAMES (POST /games, GET /games, GET /games/{id}, DELETE /games/{id})
// ============================================================================
type CreateGameResponse struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
}

type ListGamesResponse struct {
	Games []session.Summary `json:"games"`
}

type DeleteGameResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ============================================================================
// REALTIME FRAMES (GET /ws)
// ============================================================================
type ClientFrame struct {
	Type string          `json:"type"`
	Echo bool            `json:"echo,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type WelcomePayload struct {
	SessionID    string `json:"sessionId"`
	PrincipalID  string `json:"principalId"`
	Role         string `json:"role"`
	Participants int    `json:"participants"`
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
