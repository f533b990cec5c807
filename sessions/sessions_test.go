package sessions

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
)

func testAuth() AuthInfo {
	return AuthInfo{Subject: "media-server", Scopes: []string{"feeds:read"}}
}

func mustResult(t *testing.T, id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	t.Helper()
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStreamClosesAfterLastResponse(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	id1 := jsonrpc.NewRequestID(1)
	id2 := jsonrpc.NewRequestID("two")
	stream, err := sess.OpenRequestStream([]*jsonrpc.RequestID{id1, id2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !sess.Respond(mustResult(t, id2, map[string]string{"ok": "2"})) {
		t.Fatalf("first response not delivered")
	}
	select {
	case <-stream.Done():
		t.Fatalf("stream closed with a response still pending")
	default:
	}

	if !sess.Respond(mustResult(t, id1, map[string]string{"ok": "1"})) {
		t.Fatalf("second response not delivered")
	}
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatalf("stream never closed after last response")
	}

	var got []*jsonrpc.AnyMessage
	for msg := range stream.Messages() {
		got = append(got, msg)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID.String() != "two" || got[1].ID.String() != "1" {
		t.Fatalf("responses misrouted: %v then %v", got[0].ID, got[1].ID)
	}
}

func TestResponsesRouteToOwningStream(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	idA := jsonrpc.NewRequestID("a")
	idB := jsonrpc.NewRequestID("b")
	streamA, err := sess.OpenRequestStream([]*jsonrpc.RequestID{idA})
	if err != nil {
		t.Fatal(err)
	}
	streamB, err := sess.OpenRequestStream([]*jsonrpc.RequestID{idB})
	if err != nil {
		t.Fatal(err)
	}

	sess.Respond(mustResult(t, idB, "for-b"))
	sess.Respond(mustResult(t, idA, "for-a"))

	msgA := <-streamA.Messages()
	if msgA.ID.String() != "a" {
		t.Fatalf("stream A received response %q", msgA.ID.String())
	}
	msgB := <-streamB.Messages()
	if msgB.ID.String() != "b" {
		t.Fatalf("stream B received response %q", msgB.ID.String())
	}
	var v string
	if err := json.Unmarshal(msgB.Result, &v); err != nil || v != "for-b" {
		t.Fatalf("unexpected result on stream B: %s", msgB.Result)
	}
}

func TestDisconnectedStreamDropsResponses(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	id := jsonrpc.NewRequestID(7)
	stream, err := sess.OpenRequestStream([]*jsonrpc.RequestID{id})
	if err != nil {
		t.Fatal(err)
	}

	// Client went away before the response was ready.
	sess.CloseStream(stream.ID())

	if sess.Respond(mustResult(t, id, "late")) {
		t.Fatalf("response delivered to a closed stream")
	}
	// Closing again is a no-op.
	sess.CloseStream(stream.ID())
}

func TestStandaloneStreamSingleton(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	stream, err := sess.OpenStandaloneStream()
	if err != nil {
		t.Fatalf("open standalone: %v", err)
	}

	if _, err := sess.OpenStandaloneStream(); !errors.Is(err, ErrStandaloneConflict) {
		t.Fatalf("second standalone open: want ErrStandaloneConflict, got %v", err)
	}

	// Closing the first frees the slot.
	sess.CloseStream(stream.ID())
	replacement, err := sess.OpenStandaloneStream()
	if err != nil {
		t.Fatalf("reopen standalone: %v", err)
	}

	note := &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "notifications/feeds/updated",
	}
	if !sess.Notify(note) {
		t.Fatalf("notify failed with standalone stream open")
	}
	got := <-replacement.Messages()
	if got.Method != "notifications/feeds/updated" {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestNotifyWithoutStandaloneStream(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	if sess.Notify(&jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "noop"}) {
		t.Fatalf("notify succeeded with no standalone stream")
	}
}

func TestSessionCloseIsIdempotentAndClosesStreams(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	id := jsonrpc.NewRequestID(1)
	stream, err := sess.OpenRequestStream([]*jsonrpc.RequestID{id})
	if err != nil {
		t.Fatal(err)
	}
	standalone, err := sess.OpenStandaloneStream()
	if err != nil {
		t.Fatal(err)
	}

	if !r.Terminate(sess.ID()) {
		t.Fatalf("terminate reported unknown session")
	}
	if r.Terminate(sess.ID()) {
		t.Fatalf("second terminate reported success")
	}

	<-stream.Done()
	<-standalone.Done()

	if _, err := sess.OpenRequestStream([]*jsonrpc.RequestID{jsonrpc.NewRequestID(2)}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open on closed session: want ErrSessionClosed, got %v", err)
	}
	if r.Get(sess.ID()) != nil {
		t.Fatalf("terminated session still in registry")
	}
}

func TestSweepEvictsByCreationTime(t *testing.T) {
	now := time.Now()
	r := NewRegistry(WithSweepInterval(time.Hour), WithMaxAge(time.Hour))
	defer r.Close()
	r.nowFn = func() time.Time { return now }

	old := r.Create(testAuth(), "2025-03-26")
	now = now.Add(30 * time.Minute)
	young := r.Create(testAuth(), "2025-03-26")

	// 61 minutes after the first session was created.
	now = now.Add(31 * time.Minute)
	r.Sweep()

	if r.Get(old.ID()) != nil {
		t.Fatalf("expired session survived sweep")
	}
	if !old.Closed() {
		t.Fatalf("evicted session not closed")
	}
	if r.Get(young.ID()) == nil {
		t.Fatalf("young session evicted")
	}
}

func TestAuthorizeEvictsOnSubjectMismatch(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	if !r.Authorize(sess, AuthInfo{Subject: "media-server", Scopes: []string{"feeds:read", "extra"}}) {
		t.Fatalf("matching identity rejected")
	}

	if r.Authorize(sess, AuthInfo{Subject: "someone-else", Scopes: []string{"feeds:read"}}) {
		t.Fatalf("subject mismatch accepted")
	}
	if r.Get(sess.ID()) != nil {
		t.Fatalf("mismatched session not evicted")
	}
	if !sess.Closed() {
		t.Fatalf("mismatched session not closed")
	}
}

func TestAuthorizeEvictsOnNarrowedScopes(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(AuthInfo{Subject: "media-server", Scopes: []string{"feeds:read", "feeds:write"}}, "2025-03-26")

	if r.Authorize(sess, AuthInfo{Subject: "media-server", Scopes: []string{"feeds:read"}}) {
		t.Fatalf("narrowed token accepted")
	}
	if r.Get(sess.ID()) != nil {
		t.Fatalf("session with narrowed authorization not evicted")
	}
}

func TestCoversEmptyBound(t *testing.T) {
	if !(AuthInfo{}).Covers(nil) {
		t.Fatalf("empty bound scopes should always be covered")
	}
}

func TestConcurrentResponsesAllDeliveredBeforeClose(t *testing.T) {
	r := NewRegistry(WithSweepInterval(time.Hour))
	defer r.Close()
	sess := r.Create(testAuth(), "2025-03-26")

	// Two requests in one call resolving at the same instant: the response
	// that triggers close-on-last must not beat its sibling into the stream.
	for i := 0; i < 500; i++ {
		id1 := jsonrpc.NewRequestID(i * 2)
		id2 := jsonrpc.NewRequestID(i*2 + 1)
		stream, err := sess.OpenRequestStream([]*jsonrpc.RequestID{id1, id2})
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		responses := []*jsonrpc.Response{
			mustResult(t, id1, "done"),
			mustResult(t, id2, "done"),
		}
		var wg sync.WaitGroup
		for _, resp := range responses {
			wg.Add(1)
			go func(resp *jsonrpc.Response) {
				defer wg.Done()
				if !sess.Respond(resp) {
					t.Errorf("iteration %d: response %s not delivered", i, resp.ID)
				}
			}(resp)
		}
		wg.Wait()

		var got int
		for range stream.Messages() {
			got++
		}
		if got != 2 {
			t.Fatalf("iteration %d: read %d of 2 responses before stream closed", i, got)
		}
	}
}
