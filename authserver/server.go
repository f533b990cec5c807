// Package authserver implements the embedded OAuth 2.0 authorization
// server: the interactive authorization endpoint, the token endpoint,
// dynamic client registration, and the discovery documents. It issues the
// bearer tokens the streaming transport admits.
package authserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kentcdodds/mediarss-sub003/internal/authcodes"
	"github.com/kentcdodds/mediarss-sub003/internal/clients"
	"github.com/kentcdodds/mediarss-sub003/internal/keys"
)

// DefaultTokenTTL is the fixed lifetime of issued bearer tokens.
const DefaultTokenTTL = time.Hour

// DefaultSubject is the service subject stamped into every issued token.
// This server authorizes agents acting for the media server itself, not
// per-user accounts.
const DefaultSubject = "media-server"

// Server owns the authorization server's moving parts: the signing keys,
// client resolution, and the code store. Construct with New and mount its
// routes on an http.ServeMux.
type Server struct {
	log      *slog.Logger
	keys     *keys.Manager
	registry *clients.Registry
	resolver *clients.Resolver
	codes    authcodes.Store

	issuer              string
	resource            string
	subject             string
	scopesSupported     []string
	registrationEnabled bool
	tokenTTL            time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSubject overrides the fixed service subject claim.
func WithSubject(subject string) Option {
	return func(s *Server) { s.subject = subject }
}

// WithScopesSupported advertises the given scopes in discovery metadata.
func WithScopesSupported(scopes ...string) Option {
	return func(s *Server) { s.scopesSupported = scopes }
}

// WithoutRegistration disables the dynamic client registration endpoint,
// for deployments where clients are operator-provisioned only.
func WithoutRegistration() Option {
	return func(s *Server) { s.registrationEnabled = false }
}

// WithTokenTTL overrides the issued token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.tokenTTL = ttl }
}

// New builds a Server.
//
// issuer is the server's canonical HTTPS origin (no path); resource is the
// audience written into issued tokens, normally the transport endpoint URL.
func New(issuer, resource string, km *keys.Manager, registry *clients.Registry, resolver *clients.Resolver, codes authcodes.Store, opts ...Option) *Server {
	s := &Server{
		log:                 slog.Default(),
		keys:                km,
		registry:            registry,
		resolver:            resolver,
		codes:               codes,
		issuer:              strings.TrimSuffix(issuer, "/"),
		resource:            resource,
		subject:             DefaultSubject,
		registrationEnabled: true,
		tokenTTL:            DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the canonical issuer origin.
func (s *Server) Issuer() string { return s.issuer }

// RegisterRoutes mounts the OAuth endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	if s.registrationEnabled {
		mux.HandleFunc("/register", s.handleRegister)
	}
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleASMetadata)
	mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
}

// requestOrigin reconstructs the origin the caller addressed. Tokens carry
// this as their issuer so clients that reached the server through its
// canonical origin get exactly that string back; anything else falls back to
// the configured issuer rather than minting tokens for an unvalidated
// origin.
func (s *Server) requestOrigin(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "http"
		}
	}
	origin := scheme + "://" + r.Host

	if s.issuer == "" {
		return origin
	}
	if origin == s.issuer {
		return origin
	}
	// Host aliases (port-forwarding, localhost testing) still get coherent
	// tokens under the canonical issuer.
	return s.issuer
}

func absoluteURL(base, path string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + path
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
