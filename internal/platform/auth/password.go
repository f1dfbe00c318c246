package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("invalid credentials")

const minPasswordLength = 10

// dummyHash is compared against when the account does not exist so the
// response time does not reveal which emails are registered.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("careguard-timing-pad"), bcrypt.DefaultCost)

func HashPassword(plain string) (string, error) {
	if len(plain) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword returns ErrBadCredentials on mismatch. An empty hash
// still costs one bcrypt comparison.
func CheckPassword(hash, plain string) error {
	h := []byte(hash)
	if len(h) == 0 {
		h = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(plain)); err != nil || len(hash) == 0 {
		return ErrBadCredentials
	}
	return nil
}
