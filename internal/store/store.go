// Package store provides the Postgres-backed user account store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tabletop-server/internal/apperr"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            UUID PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and bootstraps the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser inserts a new account. A duplicate username surfaces as
// CONFLICT so the register handler can return 409.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
	}

	query := `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := s.pool.QueryRow(ctx, query, user.ID, user.Username, user.PasswordHash).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, apperr.Conflict("username already registered")
		}
		return User{}, fmt.Errorf("insert user %s: %w", username, err)
	}

	return user, nil
}

// UserByUsername looks up an account for login.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.NotFound("unknown user")
	}
	if err != nil {
		return User{}, fmt.Errorf("load user %s: %w", username, err)
	}

	return user, nil
}
