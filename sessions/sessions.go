// Package sessions implements the stateful session layer of the streaming
// transport: sessions bound to a bearer token's subject, per-call response
// streams, the at-most-one standalone notification stream, and the registry
// that sweeps expired sessions.
package sessions

import (
	"errors"
)

var (
	// ErrSessionClosed indicates an operation against a session that has
	// been terminated.
	ErrSessionClosed = errors.New("sessions: session closed")

	// ErrStandaloneConflict indicates a second standalone notification
	// stream was requested while one is already open.
	ErrStandaloneConflict = errors.New("sessions: standalone stream already open")
)

// AuthInfo is the identity a session was created under, extracted from the
// bearer token that passed the transport's admission check.
type AuthInfo struct {
	Subject string
	Scopes  []string
}

// Covers reports whether current carries every scope the session was bound
// to. A session must never keep operating under weaker authorization than it
// was created with.
func (a AuthInfo) Covers(bound []string) bool {
	if len(bound) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Scopes))
	for _, s := range a.Scopes {
		have[s] = true
	}
	for _, s := range bound {
		if !have[s] {
			return false
		}
	}
	return true
}
