package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

func HashCredential(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", apperr.Invalid("secret", "required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// OperatorCredentials checks the single configured operator login.
type OperatorCredentials struct {
	ID   string
	Hash string
}

// Verify compares both fields even when the id is wrong so a bad id and a bad
// secret take the same time.
func (c OperatorCredentials) Verify(id, secret string) (Actor, error) {
	if c.ID == "" || c.Hash == "" {
		return Actor{}, &apperr.AuthenticationError{Message: "operator login disabled"}
	}
	idOK := subtle.ConstantTimeCompare([]byte(id), []byte(c.ID)) == 1
	err := bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(secret))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return Actor{}, err
	}
	if !idOK || err != nil {
		return Actor{}, &apperr.AuthenticationError{Message: "invalid credentials"}
	}
	return Actor{ID: c.ID, Type: ActorOperator}, nil
}
