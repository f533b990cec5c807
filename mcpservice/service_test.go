package mcpservice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
	"github.com/kentcdodds/mediarss-sub003/mcp"
)

func newTestService() *MediaFeeds {
	s := NewMediaFeeds(mcp.ImplementationInfo{Name: "mediarss", Version: "test"})
	s.SetFeed(
		&Feed{Slug: "roadtrip", Title: "Road Trip Mix", UpdatedAt: time.Now()},
		[]*Episode{
			{ID: "ep-1", Title: "Leg One", Duration: 40 * time.Minute, PublishedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
			{ID: "ep-2", Title: "Leg Two", Duration: 35 * time.Minute, PublishedAt: time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)},
		},
	)
	return s
}

func request(t *testing.T, method string, params any) *jsonrpc.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = b
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID(1),
	}
}

func TestMethodMapUnknownMethod(t *testing.T) {
	s := newTestService()
	resp, err := s.HandleRequest(context.Background(), nil, request(t, "no/such/method", nil))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
}

func TestToolsListAndCall(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	resp, err := s.HandleRequest(ctx, nil, request(t, mcp.MethodToolsList, nil))
	if err != nil {
		t.Fatal(err)
	}
	var tools mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &tools); err != nil {
		t.Fatal(err)
	}
	if len(tools.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools.Tools))
	}

	resp, err = s.HandleRequest(ctx, nil, request(t, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name:      "episodes_list",
		Arguments: json.RawMessage(`{"feedSlug":"roadtrip"}`),
	}))
	if err != nil {
		t.Fatal(err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError || len(result.Content) != 1 {
		t.Fatalf("unexpected tool result: %+v", result)
	}

	var episodes []*Episode
	if err := json.Unmarshal([]byte(result.Content[0].Text), &episodes); err != nil {
		t.Fatal(err)
	}
	if len(episodes) != 2 || episodes[0].ID != "ep-2" {
		t.Fatalf("episodes not newest-first: %+v", episodes)
	}
}

func TestCallToolValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	resp, err := s.HandleRequest(ctx, nil, request(t, mcp.MethodToolsCall, mcp.CallToolRequest{Name: "bogus"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("unknown tool should be invalid params, got %+v", resp)
	}

	resp, err = s.HandleRequest(ctx, nil, request(t, mcp.MethodToolsCall, mcp.CallToolRequest{Name: "episodes_list"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("missing feedSlug should be invalid params, got %+v", resp)
	}

	// An unknown feed is a tool-level error, not a protocol error.
	resp, err = s.HandleRequest(ctx, nil, request(t, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name:      "episodes_list",
		Arguments: json.RawMessage(`{"feedSlug":"nope"}`),
	}))
	if err != nil {
		t.Fatal(err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatalf("expected isError result for unknown feed")
	}
}

func TestResourcesRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	resp, err := s.HandleRequest(ctx, nil, request(t, mcp.MethodResourcesList, nil))
	if err != nil {
		t.Fatal(err)
	}
	var list mcp.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Resources) != 1 || list.Resources[0].URI != "feed://roadtrip" {
		t.Fatalf("unexpected resources: %+v", list.Resources)
	}

	resp, err = s.HandleRequest(ctx, nil, request(t, mcp.MethodResourcesRead, mcp.ReadResourceRequest{URI: "feed://roadtrip"}))
	if err != nil {
		t.Fatal(err)
	}
	var read mcp.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &read); err != nil {
		t.Fatal(err)
	}
	if len(read.Contents) != 1 || read.Contents[0].MimeType != "application/json" {
		t.Fatalf("unexpected contents: %+v", read.Contents)
	}

	var doc struct {
		Feed     *Feed      `json:"feed"`
		Episodes []*Episode `json:"episodes"`
	}
	if err := json.Unmarshal([]byte(read.Contents[0].Text), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Feed.Slug != "roadtrip" || len(doc.Episodes) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestProtocolVersionNegotiation(t *testing.T) {
	if got := mcp.NegotiateProtocolVersion("2025-03-26"); got != "2025-03-26" {
		t.Fatalf("supported version not honored: %s", got)
	}
	if got := mcp.NegotiateProtocolVersion("1999-01-01"); got != mcp.LatestProtocolVersion {
		t.Fatalf("unsupported version should negotiate latest, got %s", got)
	}
	if mcp.IsSupportedProtocolVersion("") {
		t.Fatalf("empty version reported supported")
	}
}
