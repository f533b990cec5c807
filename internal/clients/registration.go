package clients

import (
	"net/url"
)

// Dynamic registration error codes from RFC 7591 §3.2.2.
const (
	ErrCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrCodeInvalidClientMetadata = "invalid_client_metadata"
)

// RegistrationRequest is the body of a dynamic client registration request.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationError is a structured RFC 7591 rejection.
type RegistrationError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Description
}

func registrationErr(code, description string) *RegistrationError {
	return &RegistrationError{Code: code, Description: description}
}

// ValidateRegistration checks a registration request against this server's
// policy: public clients only (PKCE stands in for a client secret), exactly
// the authorization_code grant, and well-formed absolute redirect URIs.
func ValidateRegistration(req *RegistrationRequest) *RegistrationError {
	if len(req.RedirectURIs) == 0 {
		return registrationErr(ErrCodeInvalidRedirectURI, "redirect_uris is required and must be non-empty")
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || (u.Host == "" && u.Opaque == "") {
			return registrationErr(ErrCodeInvalidRedirectURI, "redirect URI "+raw+" is not an absolute URI")
		}
	}

	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "none" {
		return registrationErr(ErrCodeInvalidClientMetadata,
			"token_endpoint_auth_method must be \"none\"; only public PKCE clients are supported")
	}

	if len(req.GrantTypes) > 0 {
		found := false
		for _, g := range req.GrantTypes {
			if g == GrantTypeAuthorizationCode {
				found = true
				continue
			}
			return registrationErr(ErrCodeInvalidClientMetadata, "unsupported grant type "+g)
		}
		if !found {
			return registrationErr(ErrCodeInvalidClientMetadata, "grant_types must include authorization_code")
		}
	}

	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return registrationErr(ErrCodeInvalidClientMetadata, "unsupported response type "+rt)
		}
	}

	return nil
}
