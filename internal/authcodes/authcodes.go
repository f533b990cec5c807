// Package authcodes stores short-lived, single-use authorization codes.
//
// The token endpoint's contract is two-phase: GetValid is a read-only lookup
// used while earlier request validation can still fail, and Consume is the
// final atomic use of the code. Only Consume burns the code, so a malformed
// or misbound token request never costs the client its code. Consume itself
// is a conditional update: of any number of concurrent callers presenting
// the same code, exactly one wins.
package authcodes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// TTL is the lifetime of an authorization code.
const TTL = 10 * time.Minute

var (
	// ErrNotFound covers codes that never existed and codes that expired.
	// The two are deliberately indistinguishable to callers.
	ErrNotFound = errors.New("authcodes: code not found")

	// ErrAlreadyUsed indicates the code was valid but has been consumed.
	ErrAlreadyUsed = errors.New("authcodes: code already used")
)

// Code is an issued authorization code and the request context bound to it
// at authorization time. The token endpoint replays these bindings against
// the exchange request.
type Code struct {
	Value               string
	ClientID            string
	RedirectURI         string
	Scope               string
	Resource            string
	Subject             string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// Expired reports whether the code's lifetime has elapsed at t.
func (c *Code) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// Store persists authorization codes.
type Store interface {
	// Create persists a new code.
	Create(ctx context.Context, code *Code) error

	// GetValid returns the code if it exists, is unexpired, and is unused.
	// It never mutates the code: expired or missing codes return
	// ErrNotFound, consumed codes return ErrAlreadyUsed.
	GetValid(ctx context.Context, value string) (*Code, error)

	// Consume atomically marks the code used and returns it. It fails with
	// ErrNotFound for missing or expired codes and ErrAlreadyUsed when a
	// previous Consume won. At most one Consume per code ever succeeds,
	// regardless of concurrency.
	Consume(ctx context.Context, value string) (*Code, error)
}

// NewValue mints a 256-bit random code value.
func NewValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// New builds a Code with a fresh value and the standard TTL.
func New(clientID, redirectURI, scope, resource, subject, challenge, method string) (*Code, error) {
	value, err := NewValue()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Code{
		Value:               value,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		Resource:            resource,
		Subject:             subject,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(TTL),
	}, nil
}
