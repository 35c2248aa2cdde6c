// Package authpw verifies member PIN credentials for the field client.
package authpw

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("bad credentials")

// HashPin hashes a member PIN for storage.
func HashPin(pin string) (string, error) {
	if len(pin) < 4 {
		return "", errors.New("pin must be at least 4 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPin checks a PIN against a stored hash. An empty hash means the
// member has no credential set and always fails.
func VerifyPin(hash, pin string) error {
	if hash == "" {
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
