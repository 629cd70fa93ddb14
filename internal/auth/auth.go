// Package auth resolves inbound credentials into authenticated
// principals. A principal is either a registered player or the
// game-master; the role is fixed at token issue time and checked once
// during resolution, never re-derived from request data.
package auth

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tabletop-server/internal/apperr"
)

type Role string

const (
	RolePlayer Role = "player"
	RoleGM     Role = "gm"
)

// GMPrincipalID identifies the game-master. There is a single GM per
// deployment, authenticated by shared secret rather than an account.
const GMPrincipalID = "gm"

type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p Principal) IsGM() bool { return p.Role == RoleGM }

type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer signs and verifies the opaque auth tokens handed to
// clients. HS256 with a process-wide secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (ti *TokenIssuer) Issue(p Principal) (string, error) {
	now := ti.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
		Role: string(p.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", apperr.Internal("sign token")
	}
	return signed, nil
}

// Resolve verifies a presented token and returns its principal. All
// verification failures (bad signature, expired, malformed, unknown
// role) collapse to UNAUTHORIZED.
func (ti *TokenIssuer) Resolve(token string) (Principal, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return Principal{}, apperr.Unauthorized("invalid or expired token")
	}

	role := Role(claims.Role)
	if role != RolePlayer && role != RoleGM {
		return Principal{}, apperr.Unauthorized("unknown role")
	}
	if claims.Subject == "" {
		return Principal{}, apperr.Unauthorized("missing subject")
	}

	return Principal{ID: claims.Subject, Role: role}, nil
}

// VerifyGMSecret checks the shared secret presented on /gm/login.
func VerifyGMSecret(configured, presented string) error {
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return apperr.Unauthorized("invalid game-master secret")
	}
	return nil
}
