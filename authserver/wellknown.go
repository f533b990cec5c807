package authserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kentcdodds/mediarss-sub003/internal/wellknown"
)

func (s *Server) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta := wellknown.AuthorizationServerMetadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             absoluteURL(s.issuer, "/authorize"),
		TokenEndpoint:                     absoluteURL(s.issuer, "/token"),
		JwksURI:                           absoluteURL(s.issuer, "/.well-known/jwks.json"),
		ScopesSupported:                   s.scopesSupported,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ClientIDMetadataDocumentSupported: true,
	}
	if s.registrationEnabled {
		meta.RegistrationEndpoint = absoluteURL(s.issuer, "/register")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set, err := s.keys.PublicJWKS()
	if err != nil {
		s.log.ErrorContext(r.Context(), "jwks.load_failed", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}
