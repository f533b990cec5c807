package jwtauth

import (
	"context"
	"errors"

	"github.com/kentcdodds/mediarss-sub003/internal/keys"
)

type localAuthenticator struct {
	cfg *Config
	km  *keys.Manager
}

// NewLocal constructs an authenticator that verifies tokens directly against
// the in-process Key Manager. This is the normal configuration: the same
// process mints and checks tokens, and key rotation is observed immediately
// because verification resolves the public key by kid on every call.
func NewLocal(km *keys.Manager, cfg *Config) (*localAuthenticator, error) {
	if km == nil {
		return nil, errors.New("key manager is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()
	return &localAuthenticator{cfg: cfg, km: km}, nil
}

func (a *localAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return checkToken(a.cfg, a.km.Keyfunc, tok)
}

var _ Authenticator = (*localAuthenticator)(nil)
