package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kentcdodds/mediarss-sub003/auth"
	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
	"github.com/kentcdodds/mediarss-sub003/mcp"
	"github.com/kentcdodds/mediarss-sub003/mcpservice"
	"github.com/kentcdodds/mediarss-sub003/sessions"
)

type testUser struct {
	subject string
	scopes  []string
}

func (u *testUser) UserID() string       { return u.subject }
func (u *testUser) Scopes() []string     { return u.scopes }
func (u *testUser) Claims(ref any) error { return nil }

// tokenAuthenticator maps literal bearer tokens to principals.
type tokenAuthenticator struct {
	users map[string]*testUser
}

func (a *tokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if u, ok := a.users[tok]; ok {
		return u, nil
	}
	return nil, auth.ErrUnauthorized
}

type transportFixture struct {
	t        *testing.T
	server   *httptest.Server
	registry *sessions.Registry
	service  *mcpservice.MediaFeeds
}

func newTransportFixture(t *testing.T) *transportFixture {
	t.Helper()

	registry := sessions.NewRegistry()
	t.Cleanup(registry.Close)

	service := mcpservice.NewMediaFeeds(mcp.ImplementationInfo{Name: "media-server", Version: "test"})
	service.SetFeed(
		&mcpservice.Feed{Slug: "talks", Title: "Recorded Talks", UpdatedAt: time.Now()},
		[]*mcpservice.Episode{
			{ID: "ep-1", Title: "Opening Keynote", Duration: 45 * time.Minute, PublishedAt: time.Now()},
		},
	)

	authn := &tokenAuthenticator{users: map[string]*testUser{
		"good-token":  {subject: "media-server", scopes: []string{"mcp"}},
		"other-token": {subject: "someone-else", scopes: []string{"mcp"}},
	}}

	h, err := New("https://media.example/mcp", "https://media.example", registry, service, authn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &transportFixture{t: t, server: server, registry: registry, service: service}
}

func (f *transportFixture) post(token, sessionID, body string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		f.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		f.t.Fatalf("Do: %v", err)
	}
	return resp
}

// initialize performs the handshake and returns the minted session id.
func (f *transportFixture) initialize(token string) string {
	f.t.Helper()
	resp := f.post(token, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test-client","version":"0"}}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sid := resp.Header.Get(SessionIDHeader)
	if sid == "" {
		f.t.Fatal("initialize response missing session id header")
	}
	return sid
}

// readSSEData collects the data payloads of every event in an SSE body.
func readSSEData(t *testing.T, body io.Reader) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, json.RawMessage(data))
		}
	}
	return out
}

func decodeRPCError(t *testing.T, body io.Reader) *jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error envelope")
	}
	return &resp
}

func TestInitializeHandshake(t *testing.T) {
	f := newTransportFixture(t)

	resp := f.post("good-token", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test-client","version":"0"}}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	sid := resp.Header.Get(SessionIDHeader)
	if sid == "" {
		t.Fatal("missing Mcp-Session-Id header")
	}
	if f.registry.Get(sid) == nil {
		t.Error("registry does not know the minted session")
	}

	var rpcResp struct {
		Result mcp.InitializeResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp.Result.ProtocolVersion != "2025-06-18" {
		t.Errorf("protocolVersion = %q, want requested version honored", rpcResp.Result.ProtocolVersion)
	}
	if rpcResp.Result.ServerInfo.Name != "media-server" {
		t.Errorf("serverInfo.name = %q", rpcResp.Result.ServerInfo.Name)
	}
}

func TestInitializeNegotiatesUnknownVersionToLatest(t *testing.T) {
	f := newTransportFixture(t)

	resp := f.post("good-token", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	defer resp.Body.Close()

	var rpcResp struct {
		Result mcp.InitializeResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp.Result.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", rpcResp.Result.ProtocolVersion, mcp.LatestProtocolVersion)
	}
}

func TestRequestStreamDeliversResponseAndCloses(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	resp := f.post("good-token", sid, `{"jsonrpc":"2.0","id":"call-1","method":"tools/list"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// The stream must end on its own once the lone request resolves.
	events := readSSEData(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var rpcResp struct {
		ID     string              `json:"id"`
		Result mcp.ListToolsResult `json:"result"`
	}
	if err := json.Unmarshal(events[0], &rpcResp); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if rpcResp.ID != "call-1" {
		t.Errorf("response id = %q", rpcResp.ID)
	}
	if len(rpcResp.Result.Tools) == 0 {
		t.Error("expected tools in result")
	}
}

func TestBatchRequestsShareOneStream(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	resp := f.post("good-token", sid, `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","id":2,"method":"resources/list"}
	]`)
	defer resp.Body.Close()

	events := readSSEData(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	seen := map[string]bool{}
	for _, ev := range events {
		var r struct {
			ID    json.Number   `json:"id"`
			Error *jsonrpc.Error `json:"error"`
		}
		dec := json.NewDecoder(bytes.NewReader(ev))
		dec.UseNumber()
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if r.Error != nil {
			t.Errorf("request %s failed: %v", r.ID, r.Error)
		}
		seen[r.ID.String()] = true
	}
	if !seen["1"] || !seen["2"] {
		t.Errorf("missing responses, saw %v", seen)
	}
}

func TestNotificationOnlyPostReturns202(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	resp := f.post("good-token", sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}
}

func TestRequestWithoutSessionRejected(t *testing.T) {
	f := newTransportFixture(t)

	resp := f.post("good-token", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	envelope := decodeRPCError(t, resp.Body)
	if envelope.Error.Code != jsonrpc.ErrorCodeSessionRequired {
		t.Errorf("error code = %d, want %d", envelope.Error.Code, jsonrpc.ErrorCodeSessionRequired)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	f := newTransportFixture(t)

	resp := f.post("good-token", "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	envelope := decodeRPCError(t, resp.Body)
	if envelope.Error.Code != jsonrpc.ErrorCodeSessionNotFound {
		t.Errorf("error code = %d, want %d", envelope.Error.Code, jsonrpc.ErrorCodeSessionNotFound)
	}
}

func TestUnsupportedProtocolVersionRejected(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set(SessionIDHeader, sid)
	req.Header.Set(ProtocolVersionHeader, "1999-01-01")

	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	envelope := decodeRPCError(t, resp.Body)
	if envelope.Error.Code != jsonrpc.ErrorCodeUnsupportedProtocolVersion {
		t.Errorf("error code = %d, want %d", envelope.Error.Code, jsonrpc.ErrorCodeUnsupportedProtocolVersion)
	}
}

func TestSecondInitializeConflicts(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	resp := f.post("good-token", sid, `{"jsonrpc":"2.0","id":9,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStandaloneStreamConflictAndReopen(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	openStandalone := func() (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/mcp", nil)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer good-token")
		req.Header.Set(SessionIDHeader, sid)
		return f.server.Client().Do(req)
	}

	first, err := openStandalone()
	if err != nil {
		t.Fatalf("open standalone: %v", err)
	}
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first standalone status = %d, want 200", first.StatusCode)
	}

	second, err := openStandalone()
	if err != nil {
		t.Fatalf("second standalone: %v", err)
	}
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second standalone status = %d, want 409", second.StatusCode)
	}
	envelope := decodeRPCError(t, second.Body)
	second.Body.Close()
	if envelope.Error.Code != jsonrpc.ErrorCodeDuplicateStream {
		t.Errorf("error code = %d, want %d", envelope.Error.Code, jsonrpc.ErrorCodeDuplicateStream)
	}

	// Dropping the first connection frees the slot for a reopen.
	first.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		third, err := openStandalone()
		if err != nil {
			t.Fatalf("reopen standalone: %v", err)
		}
		status := third.StatusCode
		third.Body.Close()
		if status == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("standalone slot never freed, last status = %d", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStandaloneStreamCarriesNotifications(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set(SessionIDHeader, sid)
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("open standalone: %v", err)
	}
	defer resp.Body.Close()

	// Deliver a server-initiated notification once the stream is up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		delivered := f.registry.Get(sid).Notify(&jsonrpc.AnyMessage{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         mcp.NotificationResourcesListChanged,
		})
		if delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("standalone stream never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				t.Fatalf("unmarshal notification: %v", err)
			}
			if msg.Method != mcp.NotificationResourcesListChanged {
				t.Errorf("method = %q", msg.Method)
			}
			return
		}
	}
	t.Fatal("no event received on standalone stream")
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	del := func() *http.Response {
		req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/mcp", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		req.Header.Set(SessionIDHeader, sid)
		resp, err := f.server.Client().Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		return resp
	}

	resp := del()
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	post := f.post("good-token", sid, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	post.Body.Close()
	if post.StatusCode != http.StatusNotFound {
		t.Errorf("post after delete status = %d, want 404", post.StatusCode)
	}

	again := del()
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", again.StatusCode)
	}
}

func TestSubjectMismatchEvictsSession(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	resp := f.post("other-token", sid, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("mismatched subject status = %d, want 404", resp.StatusCode)
	}

	// The mismatch invalidated the session for everyone, including the
	// original holder.
	resp = f.post("good-token", sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("original token after eviction status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthenticationChallenges(t *testing.T) {
	f := newTransportFixture(t)

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
		wantSubstr string
	}{
		{"missing credentials", "", http.StatusUnauthorized, "resource_metadata="},
		{"malformed header", "NotBearer zzz", http.StatusBadRequest, `error="invalid_request"`},
		{"invalid token", "Bearer bogus", http.StatusUnauthorized, `error="invalid_token"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			resp, err := f.server.Client().Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			challenge := resp.Header.Get("WWW-Authenticate")
			if !strings.Contains(challenge, tc.wantSubstr) {
				t.Errorf("WWW-Authenticate = %q, want substring %q", challenge, tc.wantSubstr)
			}
		})
	}
}

func TestContentTypeAndMethodRejections(t *testing.T) {
	f := newTransportFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader("id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("form post status = %d, want 415", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, f.server.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err = f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT status = %d, want 405", resp.StatusCode)
	}
}

func TestProtectedResourceMetadataDocument(t *testing.T) {
	f := newTransportFixture(t)

	resp, err := f.server.Client().Get(f.server.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Resource != "https://media.example/mcp" {
		t.Errorf("resource = %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://media.example" {
		t.Errorf("authorization_servers = %v", doc.AuthorizationServers)
	}
}

func TestUnknownToolErrorStaysOnStream(t *testing.T) {
	f := newTransportFixture(t)
	sid := f.initialize("good-token")

	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":%q}}`, "no_such_tool")
	resp := f.post("good-token", sid, body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := readSSEData(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(events[0], &rpcResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rpcResp.Error == nil {
		t.Fatal("expected a JSON-RPC error response for the unknown tool")
	}
}
