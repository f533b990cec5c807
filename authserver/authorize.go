package authserver

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/kentcdodds/mediarss-sub003/internal/authcodes"
	"github.com/kentcdodds/mediarss-sub003/internal/clients"
	"github.com/kentcdodds/mediarss-sub003/internal/pkce"
)

// authorizeParams is the validated parameter set shared by the GET (consent
// view) and POST (approval) legs of the authorization endpoint.
type authorizeParams struct {
	client              *clients.Client
	redirectURI         string
	scope               string
	state               string
	codeChallenge       string
	codeChallengeMethod string
}

// validateAuthorize runs the shared parameter validation. Failures are never
// redirected to redirect_uri: the redirect_uri itself may be the thing that
// failed validation.
func (s *Server) validateAuthorize(r *http.Request) (*authorizeParams, *flowError) {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, failRequest(errInvalidRequest, "malformed form body")
		}
		q = r.Form
	}

	if rt := q.Get("response_type"); rt != "code" {
		return nil, failRequest(errUnsupportedResponseType, "response_type must be \"code\"")
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		return nil, failRequest(errInvalidRequest, "client_id is required")
	}
	client, err := s.resolver.Resolve(r.Context(), clientID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "authorize.resolve_failed", slog.String("err", err.Error()))
		return nil, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "client resolution failed"}
	}
	if client == nil {
		return nil, failRequest(errInvalidClient, "unknown client")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.ValidRedirectURI(redirectURI) {
		return nil, failRequest(errInvalidRequest, "redirect_uri is not registered for this client")
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		return nil, failRequest(errInvalidRequest, "code_challenge is required")
	}
	if !pkce.IsValidChallenge(challenge) {
		return nil, failRequest(errInvalidRequest, "code_challenge is malformed")
	}
	if method := q.Get("code_challenge_method"); method != pkce.MethodS256 {
		return nil, failRequest(errInvalidRequest, "code_challenge_method must be S256")
	}

	return &authorizeParams{
		client:              client,
		redirectURI:         redirectURI,
		scope:               q.Get("scope"),
		state:               q.Get("state"),
		codeChallenge:       challenge,
		codeChallengeMethod: pkce.MethodS256,
	}, nil
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthorizeGet(w, r)
	case http.MethodPost:
		s.handleAuthorizePost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	params, ferr := s.validateAuthorize(r)
	if ferr != nil {
		s.renderErrorPage(w, ferr)
		return
	}
	s.renderConsentPage(w, params)
}

func (s *Server) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	params, ferr := s.validateAuthorize(r)
	if ferr != nil {
		s.renderErrorPage(w, ferr)
		return
	}

	code, err := authcodes.New(
		params.client.ID,
		params.redirectURI,
		params.scope,
		s.resource,
		s.subject,
		params.codeChallenge,
		params.codeChallengeMethod,
	)
	if err != nil {
		s.log.ErrorContext(r.Context(), "authorize.code_mint_failed", slog.String("err", err.Error()))
		s.renderErrorPage(w, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "could not issue code"})
		return
	}
	if err := s.codes.Create(r.Context(), code); err != nil {
		s.log.ErrorContext(r.Context(), "authorize.code_store_failed", slog.String("err", err.Error()))
		s.renderErrorPage(w, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "could not issue code"})
		return
	}

	redirect, _ := url.Parse(params.redirectURI)
	q := redirect.Query()
	q.Set("code", code.Value)
	if params.state != "" {
		q.Set("state", params.state)
	}
	redirect.RawQuery = q.Encode()

	s.log.InfoContext(r.Context(), "authorize.code_issued",
		slog.String("client_id", params.client.ID),
		slog.String("scope", params.scope))
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

var consentTmpl = template.Must(template.New("consent").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
	<h1>Authorize access</h1>
	<p><strong>{{.ClientName}}</strong> is requesting access to your media server.</p>
	{{if .Scope}}<p>Requested scope: <code>{{.Scope}}</code></p>{{end}}
	<form method="post">
		<input type="hidden" name="response_type" value="code">
		<input type="hidden" name="client_id" value="{{.ClientID}}">
		<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
		<input type="hidden" name="scope" value="{{.Scope}}">
		<input type="hidden" name="state" value="{{.State}}">
		<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
		<input type="hidden" name="code_challenge_method" value="S256">
		<button type="submit">Approve</button>
	</form>
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Authorization error</title></head>
<body>
	<h1>Authorization error</h1>
	<p><code>{{.Code}}</code>: {{.Description}}</p>
</body>
</html>
`))

func (s *Server) renderConsentPage(w http.ResponseWriter, params *authorizeParams) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = consentTmpl.Execute(w, struct {
		ClientName    string
		ClientID      string
		RedirectURI   string
		Scope         string
		State         string
		CodeChallenge string
	}{
		ClientName:    params.client.Name,
		ClientID:      params.client.ID,
		RedirectURI:   params.redirectURI,
		Scope:         params.scope,
		State:         params.state,
		CodeChallenge: params.codeChallenge,
	})
}

func (s *Server) renderErrorPage(w http.ResponseWriter, ferr *flowError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(ferr.status)
	_ = errorTmpl.Execute(w, struct {
		Code        string
		Description string
	}{ferr.code, ferr.description})
}
