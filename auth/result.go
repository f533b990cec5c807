package auth

import (
	"fmt"
	"net/http"
)

// Challenge describes an HTTP authentication challenge (status plus
// WWW-Authenticate header value).
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// RequiredChallenge indicates credentials are required. The resource
// metadata URL points clients at the discovery document describing how to
// obtain a token.
func RequiredChallenge(resourceMetadataURL string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer resource_metadata=%q`, resourceMetadataURL),
	}
}

// MalformedHeaderChallenge indicates the Authorization header could not be
// parsed as a Bearer credential.
func MalformedHeaderChallenge(realm string) *Challenge {
	return &Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q error="invalid_request", error_description="Invalid Authorization header"`, realm),
	}
}

// InvalidTokenChallenge indicates the presented token failed validation.
func InvalidTokenChallenge(realm, description string) *Challenge {
	return &Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q error="invalid_token", error_description=%q`, realm, description),
	}
}

// InsufficientScopeChallenge indicates the token lacks a required scope.
func InsufficientScopeChallenge(realm, scope string) *Challenge {
	return &Challenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q error="insufficient_scope", error_description="Insufficient scope: %s"`, realm, scope),
	}
}
