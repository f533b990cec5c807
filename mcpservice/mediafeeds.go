package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
	"github.com/kentcdodds/mediarss-sub003/mcp"
	"github.com/kentcdodds/mediarss-sub003/sessions"
)

// Feed is one media feed exposed to agents.
type Feed struct {
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Episode is one item within a feed.
type Episode struct {
	ID          string        `json:"id"`
	FeedSlug    string        `json:"feedSlug"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationSec int           `json:"durationSeconds"`
	PublishedAt time.Time     `json:"publishedAt"`
}

// MediaFeeds exposes the server's feed catalog as agent tools and
// resources. The catalog itself is maintained elsewhere (the scanner); this
// type is only the protocol surface over it.
type MediaFeeds struct {
	info mcp.ImplementationInfo

	mu       sync.RWMutex
	feeds    map[string]*Feed
	episodes map[string][]*Episode

	handler *MethodMap
}

func NewMediaFeeds(info mcp.ImplementationInfo) *MediaFeeds {
	s := &MediaFeeds{
		info:     info,
		feeds:    make(map[string]*Feed),
		episodes: make(map[string][]*Episode),
	}
	s.handler = NewMethodMap().
		Request(mcp.MethodPing, s.ping).
		Request(mcp.MethodToolsList, s.listTools).
		Request(mcp.MethodToolsCall, s.callTool).
		Request(mcp.MethodResourcesList, s.listResources).
		Request(mcp.MethodResourcesRead, s.readResource).
		Notification(mcp.NotificationInitialized, s.initialized)
	return s
}

var _ Handler = (*MediaFeeds)(nil)
var _ ServerInfo = (*MediaFeeds)(nil)

func (s *MediaFeeds) Info() mcp.ImplementationInfo { return s.info }

func (s *MediaFeeds) Capabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools:     &mcp.ToolsServerCapability{},
		Resources: &mcp.ResourcesServerCapability{},
	}
}

func (s *MediaFeeds) Instructions() string {
	return "Browse the server's media feeds with the feeds_list and episodes_list tools, or read feed documents as resources."
}

// SetFeed inserts or replaces a feed and its episodes.
func (s *MediaFeeds) SetFeed(feed *Feed, episodes []*Episode) {
	for _, ep := range episodes {
		ep.FeedSlug = feed.Slug
		ep.DurationSec = int(ep.Duration / time.Second)
	}
	s.mu.Lock()
	s.feeds[feed.Slug] = feed
	s.episodes[feed.Slug] = episodes
	s.mu.Unlock()
}

func (s *MediaFeeds) HandleRequest(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return s.handler.HandleRequest(ctx, session, req)
}

func (s *MediaFeeds) HandleNotification(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) error {
	return s.handler.HandleNotification(ctx, session, req)
}

func (s *MediaFeeds) ping(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return Result(req.ID, struct{}{})
}

func (s *MediaFeeds) initialized(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) error {
	return nil
}

var feedsListSchema = json.RawMessage(`{"type":"object","properties":{}}`)

var episodesListSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"feedSlug": {"type": "string", "description": "Slug of the feed to list episodes for"}
	},
	"required": ["feedSlug"]
}`)

func (s *MediaFeeds) listTools(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return Result(req.ID, mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "feeds_list",
				Description: "List the media feeds available on this server.",
				InputSchema: feedsListSchema,
			},
			{
				Name:        "episodes_list",
				Description: "List the episodes of a feed, newest first.",
				InputSchema: episodesListSchema,
			},
		},
	})
}

func (s *MediaFeeds) callTool(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var call mcp.CallToolRequest
	if err := DecodeParams(req, &call); err != nil {
		return InvalidParams(req.ID, err.Error()), nil
	}

	switch call.Name {
	case "feeds_list":
		return s.toolFeedsList(req.ID)
	case "episodes_list":
		return s.toolEpisodesList(req.ID, call.Arguments)
	default:
		return InvalidParams(req.ID, fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
}

func (s *MediaFeeds) sortedFeeds() []*Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Slug < feeds[j].Slug })
	return feeds
}

func (s *MediaFeeds) toolFeedsList(id *jsonrpc.RequestID) (*jsonrpc.Response, error) {
	payload, err := json.Marshal(s.sortedFeeds())
	if err != nil {
		return nil, fmt.Errorf("failed to encode feeds: %w", err)
	}
	return Result(id, mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: string(payload)}},
	})
}

func (s *MediaFeeds) toolEpisodesList(id *jsonrpc.RequestID, args json.RawMessage) (*jsonrpc.Response, error) {
	var in struct {
		FeedSlug string `json:"feedSlug"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return InvalidParams(id, "invalid arguments"), nil
		}
	}
	if in.FeedSlug == "" {
		return InvalidParams(id, "feedSlug is required"), nil
	}

	s.mu.RLock()
	episodes, ok := s.episodes[in.FeedSlug]
	s.mu.RUnlock()
	if !ok {
		return Result(id, mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("no feed with slug %q", in.FeedSlug)}},
			IsError: true,
		})
	}

	sorted := append([]*Episode(nil), episodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PublishedAt.After(sorted[j].PublishedAt) })
	payload, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode episodes: %w", err)
	}
	return Result(id, mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: string(payload)}},
	})
}

func feedURI(slug string) string { return "feed://" + slug }

func (s *MediaFeeds) listResources(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	feeds := s.sortedFeeds()
	resources := make([]mcp.Resource, 0, len(feeds))
	for _, f := range feeds {
		resources = append(resources, mcp.Resource{
			URI:         feedURI(f.Slug),
			Name:        f.Title,
			Description: f.Description,
			MimeType:    "application/json",
		})
	}
	return Result(req.ID, mcp.ListResourcesResult{Resources: resources})
}

func (s *MediaFeeds) readResource(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var in mcp.ReadResourceRequest
	if err := DecodeParams(req, &in); err != nil {
		return InvalidParams(req.ID, err.Error()), nil
	}

	s.mu.RLock()
	var found *Feed
	for _, f := range s.feeds {
		if feedURI(f.Slug) == in.URI {
			found = f
			break
		}
	}
	var episodes []*Episode
	if found != nil {
		episodes = append(episodes, s.episodes[found.Slug]...)
	}
	s.mu.RUnlock()

	if found == nil {
		return InvalidParams(req.ID, fmt.Sprintf("unknown resource %q", in.URI)), nil
	}

	doc, err := json.Marshal(struct {
		Feed     *Feed      `json:"feed"`
		Episodes []*Episode `json:"episodes"`
	}{found, episodes})
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed document: %w", err)
	}
	return Result(req.ID, mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{
			URI:      in.URI,
			MimeType: "application/json",
			Text:     string(doc),
		}},
	})
}
