// Package auth defines the authentication contract used by the streaming
// HTTP transport: an Authenticator turns a bearer token string into a
// UserInfo principal, and Challenge values describe the WWW-Authenticate
// responses written when that fails.
//
// The transport extracts the token from the Authorization header and maps
// sentinel errors into challenges:
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 invalid_token */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 insufficient_scope */ }
//
// NewAccessTokenAuthenticator bridges the jwtauth verifiers (local key
// manager or remote JWKS) into this contract.
package auth
