package auth

import (
	"golang.org/x/crypto/bcrypt"

	"tabletop-server/internal/apperr"
)

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.BadRequest("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Internal("hash password")
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperr.Unauthorized("invalid credentials")
	}
	return nil
}
