// Package password hashes and verifies account passwords with bcrypt.
package password

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmpty is returned when hashing an empty password.
	ErrEmpty = errors.New("password: empty")

	// ErrMismatch is returned when the password does not match.
	ErrMismatch = errors.New("password: mismatch")
)

// Cost is the bcrypt cost used for new hashes. Tests lower it.
var Cost = bcrypt.DefaultCost

// Hash hashes plaintext password using bcrypt.
func Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmpty
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), Cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsHash reports whether stored looks like a bcrypt hash.
func IsHash(stored string) bool {
	if len(stored) != 60 {
		return false
	}
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// EnsureHashed returns stored unchanged when it is already a hash or empty,
// and a fresh hash of it otherwise.
func EnsureHashed(stored string) (string, error) {
	if stored == "" || IsHash(stored) {
		return stored, nil
	}
	return Hash(stored)
}

// Verify compares plain against stored. Stored values that are not bcrypt
// hashes come from legacy records and are compared in constant time; the
// legacy result reports true so callers can log it.
func Verify(stored, plain string) (legacy bool, err error) {
	if stored == "" || plain == "" {
		return false, ErrMismatch
	}
	if IsHash(stored) {
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(plain)); err != nil {
			return false, ErrMismatch
		}
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(plain)) != 1 {
		return true, ErrMismatch
	}
	return true, nil
}
