package authserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kentcdodds/mediarss-sub003/internal/authcodes"
	"github.com/kentcdodds/mediarss-sub003/internal/logctx"
	"github.com/kentcdodds/mediarss-sub003/internal/pkce"
)

// tokenResponse is the successful token endpoint body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSONError(w, &flowError{status: http.StatusMethodNotAllowed, code: errInvalidRequest, description: "token endpoint only accepts POST"})
		return
	}

	resp, ferr := s.exchange(r)
	if ferr != nil {
		s.log.InfoContext(r.Context(), "token.rejected",
			slog.String("error", ferr.code),
			slog.String("description", ferr.description))
		writeJSONError(w, ferr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// exchange runs the ordered, fail-fast validation pipeline for the
// authorization_code grant. Each step maps to a distinct OAuth error code.
// The code is only consumed after every binding check passes: consuming
// first would let an attacker burn a legitimate holder's code by replaying
// it with deliberately wrong parameters.
func (s *Server) exchange(r *http.Request) (*tokenResponse, *flowError) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/x-www-form-urlencoded" {
		return nil, failRequest(errInvalidRequest, "content type must be application/x-www-form-urlencoded")
	}
	if err := r.ParseForm(); err != nil {
		return nil, failRequest(errInvalidRequest, "malformed form body")
	}

	ctx := logctx.WithOAuthData(r.Context(), &logctx.OAuthData{
		ClientID:  r.PostForm.Get("client_id"),
		GrantType: r.PostForm.Get("grant_type"),
	})

	if grant := r.PostForm.Get("grant_type"); grant != "authorization_code" {
		return nil, failRequest(errUnsupportedGrantType, "only authorization_code is supported")
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		return nil, failRequest(errInvalidRequest, "client_id is required")
	}
	client, err := s.resolver.Resolve(ctx, clientID)
	if err != nil {
		s.log.ErrorContext(ctx, "token.resolve_failed", slog.String("err", err.Error()))
		return nil, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "client resolution failed"}
	}
	if client == nil {
		return nil, failClient("unknown client")
	}
	if !client.SupportsGrantType("authorization_code") {
		return nil, failRequest(errUnauthorizedClient, "client may not use this grant")
	}

	codeValue := r.PostForm.Get("code")
	if codeValue == "" {
		return nil, failRequest(errInvalidRequest, "code is required")
	}

	// Read-only lookup; nothing is burned until the whole request checks out.
	code, err := s.codes.GetValid(ctx, codeValue)
	if err != nil {
		if errors.Is(err, authcodes.ErrNotFound) || errors.Is(err, authcodes.ErrAlreadyUsed) {
			return nil, failRequest(errInvalidGrant, "authorization code is invalid")
		}
		s.log.ErrorContext(ctx, "token.code_lookup_failed", slog.String("err", err.Error()))
		return nil, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "code lookup failed"}
	}

	// Binding checks collapse to invalid_grant so callers cannot probe which
	// one failed.
	if code.ClientID != client.ID {
		return nil, failRequest(errInvalidGrant, "authorization code is invalid")
	}
	if code.RedirectURI != r.PostForm.Get("redirect_uri") {
		return nil, failRequest(errInvalidGrant, "authorization code is invalid")
	}

	verifier := r.PostForm.Get("code_verifier")
	if verifier == "" {
		return nil, failRequest(errInvalidRequest, "code_verifier is required")
	}
	if !pkce.Verify(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, failRequest(errInvalidGrant, "authorization code is invalid")
	}

	// All checks passed: consume. Losing the consume race is reported
	// exactly like an already-used code.
	consumed, err := s.codes.Consume(ctx, codeValue)
	if err != nil {
		if errors.Is(err, authcodes.ErrNotFound) || errors.Is(err, authcodes.ErrAlreadyUsed) {
			return nil, failRequest(errInvalidGrant, "authorization code is invalid")
		}
		s.log.ErrorContext(ctx, "token.code_consume_failed", slog.String("err", err.Error()))
		return nil, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "code consumption failed"}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.requestOrigin(r),
		"aud": s.resource,
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	if consumed.Scope != "" {
		claims["scope"] = consumed.Scope
	}
	token, err := s.keys.Sign(claims)
	if err != nil {
		s.log.ErrorContext(ctx, "token.sign_failed", slog.String("err", err.Error()))
		return nil, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "token issuance failed"}
	}

	s.log.InfoContext(ctx, "token.issued",
		slog.String("client_id", client.ID),
		slog.String("scope", consumed.Scope))
	return &tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokenTTL / time.Second),
		Scope:       consumed.Scope,
	}, nil
}
