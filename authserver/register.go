package authserver

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/kentcdodds/mediarss-sub003/internal/clients"
)

// registrationResponse is the RFC 7591 body returned for a created client.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSONError(w, &flowError{status: http.StatusMethodNotAllowed, code: errInvalidRequest, description: "registration only accepts POST"})
		return
	}
	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || ct != "application/json" {
		writeJSONError(w, failRequest(errInvalidRequest, "content type must be application/json"))
		return
	}

	var req clients.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, failRequest(errInvalidRequest, "malformed JSON body"))
		return
	}

	if regErr := clients.ValidateRegistration(&req); regErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(regErr)
		return
	}

	client, err := s.registry.CreateClient(r.Context(), req.ClientName, req.RedirectURIs)
	if err != nil {
		s.log.ErrorContext(r.Context(), "register.create_failed", slog.String("err", err.Error()))
		writeJSONError(w, &flowError{status: http.StatusInternalServerError, code: errServerError, description: "could not create client"})
		return
	}

	s.log.InfoContext(r.Context(), "register.client_created",
		slog.String("client_id", client.ID),
		slog.String("client_name", client.Name))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                client.ID,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}
