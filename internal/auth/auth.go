// Package auth provides the minimal token validation the roster
// service applies to mutating requests.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates a single shared token in constant time. It is
// meant for development meshes and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken strips the "Bearer " scheme from an Authorization header
// value, returning the bare token either way.
func BearerToken(header string) string {
	const scheme = "Bearer "
	if strings.HasPrefix(header, scheme) {
		return strings.TrimSpace(header[len(scheme):])
	}
	return strings.TrimSpace(header)
}
