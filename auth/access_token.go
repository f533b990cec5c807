package auth

import (
	"context"
	"errors"

	"github.com/kentcdodds/mediarss-sub003/internal/jwtauth"
)

// NewAccessTokenAuthenticator adapts a jwtauth verifier to this package's
// Authenticator contract, mapping its sentinel errors onto ErrUnauthorized
// and ErrInsufficientScope so the transport can build the right challenge.
func NewAccessTokenAuthenticator(verifier jwtauth.Authenticator) Authenticator {
	return &accessTokenAuthenticator{verifier: verifier}
}

type accessTokenAuthenticator struct {
	verifier jwtauth.Authenticator
}

func (a *accessTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := a.verifier.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, jwtauth.ErrInsufficientScope):
			return nil, ErrInsufficientScope
		case errors.Is(err, jwtauth.ErrUnauthorized):
			return nil, ErrUnauthorized
		default:
			return nil, err
		}
	}
	return ui, nil
}
