package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type remoteAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewRemote constructs an authenticator that resolves verification keys from
// a JWKS document over HTTP, auto-refreshing in the background. Use this
// when the transport runs in a different process from the authorization
// server.
func NewRemote(ctx context.Context, jwksURI string, cfg *Config) (*remoteAuthenticator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &remoteAuthenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

func (a *remoteAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return checkToken(a.cfg, a.keyfunc, tok)
}

var _ Authenticator = (*remoteAuthenticator)(nil)
