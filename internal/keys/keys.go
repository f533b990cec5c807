// Package keys owns the server's asymmetric signing identity: one active
// RSA keypair with a stable kid, lazily generated, used to mint and verify
// bearer tokens and published (public half only) as a JWKS document.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Alg is the fixed signing algorithm for issued bearer tokens.
const Alg = "RS256"

// keyBits is the RSA modulus size. 2048 is the floor for RS256.
const keyBits = 2048

// ErrUnknownKeyID indicates a token was signed under a kid this manager does
// not currently hold. Tokens minted before a rotation fail with this error.
var ErrUnknownKeyID = errors.New("keys: unknown kid")

// ErrInvalidToken wraps all signature and claim validation failures.
var ErrInvalidToken = errors.New("keys: invalid token")

// Expect pins the issuer and audience a verified token must carry.
type Expect struct {
	Issuer   string
	Audience string
}

// Manager holds the active signing keypair. Safe for concurrent use. The
// zero value is not usable; construct with NewManager.
type Manager struct {
	mu  sync.Mutex
	key *rsa.PrivateKey
	kid string

	leeway time.Duration
}

func NewManager() *Manager {
	return &Manager{leeway: 60 * time.Second}
}

// SigningKey returns the active keypair and its kid, generating one on first
// use.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		return m.key, m.kid, nil
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	m.key = key
	m.kid = uuid.NewString()
	return m.key, m.kid, nil
}

// Clear drops the cached keypair. The next SigningKey call generates a fresh
// key under a new kid; tokens signed under the old kid stop verifying.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = nil
	m.kid = ""
}

// PublicJWKS returns the discovery document key set. Only public components
// are present; the private exponent never leaves this package.
func (m *Manager) PublicJWKS() (jose.JSONWebKeySet, error) {
	key, kid, err := m.SigningKey()
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: Alg,
			Use:       "sig",
		}},
	}, nil
}

// Sign mints a compact RS256 JWT carrying claims, with the active kid and an
// RFC 9068 "at+jwt" typ header.
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	key, kid, err := m.SigningKey()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tok.Header["typ"] = "at+jwt"
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key for a parsed token by its kid
// header. Verification never assumes the single active key: a token signed
// under any other kid is rejected with ErrUnknownKeyID.
func (m *Manager) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid header", ErrUnknownKeyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil || kid != m.kid {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
	return &m.key.PublicKey, nil
}

// Verify parses and validates a bearer token against the active key set and
// the expected issuer/audience. Returns the claim set on success.
func (m *Manager) Verify(token string, expect Expect) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{Alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	}
	if expect.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(expect.Issuer))
	}
	if expect.Audience != "" {
		opts = append(opts, jwt.WithAudience(expect.Audience))
	}
	parsed, err := jwt.NewParser(opts...).Parse(token, m.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrInvalidToken)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return claims, nil
}
