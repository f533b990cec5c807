// Package clients manages OAuth client identities for the media server's
// authorization core. A client is either static (persisted in a Store) or
// metadata-resolved (its id is an HTTPS URL naming a client-id metadata
// document, fetched and cached but never persisted). The static registry is
// always authoritative: a registered id is never treated as a URL.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GrantTypeAuthorizationCode is the single grant every client supports.
const GrantTypeAuthorizationCode = "authorization_code"

// ErrReadOnly is returned by stores that do not accept writes.
var ErrReadOnly = errors.New("clients: store is read-only")

// Client is a resolved OAuth client identity.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	CreatedAt    time.Time

	// IsMetadataClient marks transient clients synthesized from a client-id
	// metadata document. They are cached, never persisted.
	IsMetadataClient bool
}

// ValidRedirectURI reports whether uri is registered for the client. The
// match is exact string membership; prefix or parent matches are a security
// hole, not a convenience.
func (c *Client) ValidRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// SupportsGrantType reports whether the client may use the given grant. All
// clients, static or metadata-resolved, support exactly authorization_code.
func (c *Client) SupportsGrantType(grant string) bool {
	return grant == GrantTypeAuthorizationCode
}

// Store persists static clients.
type Store interface {
	Create(ctx context.Context, client *Client) error
	// Get returns (nil, nil) when no client has the given id.
	Get(ctx context.Context, id string) (*Client, error)
	List(ctx context.Context) ([]*Client, error)
	// Delete reports whether a client was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

// Registry wraps a Store with creation-time validation.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// CreateClient validates and persists a new static client with an opaque id.
func (r *Registry) CreateClient(ctx context.Context, name string, redirectURIs []string) (*Client, error) {
	if err := ValidateRedirectURIs(redirectURIs); err != nil {
		return nil, err
	}
	client := &Client{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    time.Now(),
	}
	if err := r.store.Create(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}
	return client, nil
}

func (r *Registry) GetClient(ctx context.Context, id string) (*Client, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) ListClients(ctx context.Context) ([]*Client, error) {
	return r.store.List(ctx)
}

func (r *Registry) DeleteClient(ctx context.Context, id string) (bool, error) {
	return r.store.Delete(ctx, id)
}

// ValidateRedirectURIs enforces the registry invariant: a non-empty list of
// syntactically valid absolute URIs.
func ValidateRedirectURIs(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return errors.New("at least one redirect URI is required")
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if !u.IsAbs() || u.Host == "" && u.Opaque == "" {
			return fmt.Errorf("redirect URI %q is not absolute", raw)
		}
	}
	return nil
}

// IsURLClientID reports whether id is a syntactically valid absolute HTTPS
// URL. Metadata documents are only ever fetched over a trusted channel;
// plain HTTP ids are not URL client ids.
func IsURLClientID(id string) bool {
	if id == "" {
		return false
	}
	u, err := url.Parse(id)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// MemoryStore is an in-memory Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]*Client)}
}

func (s *MemoryStore) Create(ctx context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[client.ID]; exists {
		return fmt.Errorf("client %s already exists", client.ID)
	}
	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, nil
	}
	cp := *client
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return false, nil
	}
	delete(s.clients, id)
	return true, nil
}
