package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// maxMetadataBytes bounds the response body read for a metadata document.
	maxMetadataBytes = 1 << 20

	// defaultMetadataTTL applies when the origin sends no usable Cache-Control.
	defaultMetadataTTL = 5 * time.Minute

	// maxMetadataTTL caps origin-supplied max-age so a misconfigured origin
	// cannot pin a stale document for days.
	maxMetadataTTL = time.Hour

	metadataCacheSize = 256
)

// MetadataDocument is the JSON shape of a client-id metadata document.
type MetadataDocument struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

type metadataEntry struct {
	client    *Client
	expiresAt time.Time
}

// MetadataCache holds successfully fetched metadata clients with per-entry
// TTLs. Entries are only replaced by a newer successful fetch; fetch failures
// never evict a fresh entry.
type MetadataCache struct {
	entries *lru.Cache[string, *metadataEntry]
	nowFn   func() time.Time
}

func NewMetadataCache() *MetadataCache {
	entries, err := lru.New[string, *metadataEntry](metadataCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &MetadataCache{entries: entries, nowFn: time.Now}
}

// Get returns a cached client if present and unexpired.
func (c *MetadataCache) Get(clientID string) (*Client, bool) {
	entry, ok := c.entries.Get(clientID)
	if !ok {
		return nil, false
	}
	if c.nowFn().After(entry.expiresAt) {
		c.entries.Remove(clientID)
		return nil, false
	}
	cp := *entry.client
	return &cp, true
}

func (c *MetadataCache) Set(clientID string, client *Client, ttl time.Duration) {
	cp := *client
	c.entries.Add(clientID, &metadataEntry{
		client:    &cp,
		expiresAt: c.nowFn().Add(ttl),
	})
}

// Resolver resolves client ids against the static registry first and falls
// back to fetching client-id metadata documents for HTTPS URL ids.
type Resolver struct {
	registry *Registry
	cache    *MetadataCache
	client   *http.Client
	log      *slog.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithHTTPClient replaces the HTTP client used for metadata fetches.
func WithHTTPClient(hc *http.Client) ResolverOption {
	return func(r *Resolver) { r.client = hc }
}

// WithLogger replaces the resolver's logger.
func WithLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(registry *Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		cache:    NewMetadataCache(),
		log:      slog.Default(),
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the client for an id, or (nil, nil) when the id names no
// client. Static registrations always win: an id present in the registry is
// never treated as a metadata URL, even when it parses as one. Metadata fetch
// or validation failures resolve to (nil, nil); callers surface their own
// OAuth error.
func (r *Resolver) Resolve(ctx context.Context, clientID string) (*Client, error) {
	client, err := r.registry.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	if client != nil {
		return client, nil
	}

	if !IsURLClientID(clientID) {
		return nil, nil
	}

	if cached, ok := r.cache.Get(clientID); ok {
		return cached, nil
	}

	fetched, ttl, err := r.fetchMetadata(ctx, clientID)
	if err != nil {
		r.log.InfoContext(ctx, "client.metadata.fetch_failed",
			slog.String("client_id", clientID),
			slog.String("err", err.Error()))
		return nil, nil
	}

	r.cache.Set(clientID, fetched, ttl)
	r.log.DebugContext(ctx, "client.metadata.fetched",
		slog.String("client_id", clientID),
		slog.Duration("ttl", ttl))
	return fetched, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, clientID string) (*Client, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("metadata fetch failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("metadata fetch returned status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, 0, fmt.Errorf("metadata document has content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxMetadataBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read metadata document: %w", err)
	}
	if len(body) > maxMetadataBytes {
		return nil, 0, errors.New("metadata document exceeds size limit")
	}

	var doc MetadataDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("failed to parse metadata document: %w", err)
	}

	// The document's client_id, when present, must match the URL it was
	// fetched from. Anything else lets one origin impersonate another.
	if doc.ClientID != "" && doc.ClientID != clientID {
		return nil, 0, fmt.Errorf("metadata client_id %q does not match document URL", doc.ClientID)
	}
	if err := ValidateRedirectURIs(doc.RedirectURIs); err != nil {
		return nil, 0, fmt.Errorf("metadata document invalid: %w", err)
	}

	name := doc.ClientName
	if name == "" {
		name = clientID
	}
	client := &Client{
		ID:               clientID,
		Name:             name,
		RedirectURIs:     append([]string(nil), doc.RedirectURIs...),
		CreatedAt:        time.Now(),
		IsMetadataClient: true,
	}
	return client, metadataTTL(res.Header), nil
}

// metadataTTL derives a cache TTL from the response's Cache-Control header,
// clamped to [0, maxMetadataTTL], defaulting when absent or unparseable.
func metadataTTL(h http.Header) time.Duration {
	cc := h.Get("Cache-Control")
	if cc == "" {
		return defaultMetadataTTL
	}
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if directive == "no-store" || directive == "no-cache" {
			// Honor the origin's intent with a minimal TTL rather than
			// refetching on every authorization leg.
			return time.Minute
		}
		if rest, ok := strings.CutPrefix(directive, "max-age="); ok {
			secs, err := strconv.Atoi(rest)
			if err != nil || secs < 0 {
				return defaultMetadataTTL
			}
			ttl := time.Duration(secs) * time.Second
			if ttl > maxMetadataTTL {
				return maxMetadataTTL
			}
			if ttl == 0 {
				return time.Minute
			}
			return ttl
		}
	}
	return defaultMetadataTTL
}
