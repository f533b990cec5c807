// Package pkce implements the Proof Key for Code Exchange verifier and
// challenge operations from RFC 7636. Only the S256 transform is supported;
// the deprecated "plain" method is rejected outright.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only code_challenge_method this server accepts.
const MethodS256 = "S256"

// RFC 7636 §4.1: code_verifier length bounds.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// generatedVerifierLength is the length of verifiers we mint ourselves.
// Comfortably above the RFC minimum, well within the maximum.
const generatedVerifierLength = 64

// unreserved is the RFC 3986 unreserved alphabet permitted in verifiers.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier returns a cryptographically random code verifier drawn
// from the unreserved alphabet.
func GenerateVerifier() (string, error) {
	buf := make([]byte, generatedVerifierLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = unreserved[int(b)%len(unreserved)]
	}
	return string(buf), nil
}

// DeriveChallenge computes the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether verifier proves possession of challenge under the
// given method. It fails closed: any method other than S256 is false, as is
// any verifier or challenge outside the RFC bounds. The comparison is exact
// and constant-time.
func Verify(verifier, challenge, method string) bool {
	if method != MethodS256 {
		return false
	}
	if !IsValidVerifier(verifier) || !IsValidChallenge(challenge) {
		return false
	}
	computed := DeriveChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// IsValidVerifier checks the RFC 7636 length and alphabet bounds.
func IsValidVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	return isUnreserved(verifier)
}

// IsValidChallenge checks that a challenge is plausibly a base64url-encoded
// SHA-256 digest. A raw-encoded 32-byte digest is always 43 characters.
func IsValidChallenge(challenge string) bool {
	if len(challenge) != 43 {
		return false
	}
	return isUnreserved(challenge)
}

func isUnreserved(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}
