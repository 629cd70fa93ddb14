package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tabletop")
	t.Setenv("GM_SECRET", "gm-secret")
	t.Setenv("TOKEN_SECRET", "token-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("TOKEN_TTL", "")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
	assert.Equal(t, "postgres://localhost:5432/tabletop", cfg.DatabaseURL)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tabletop")
	t.Setenv("GM_SECRET", "gm-secret")
	t.Setenv("TOKEN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PortOutOfRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}
