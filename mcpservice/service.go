// Package mcpservice defines the application-facing side of the streaming
// transport: the Handler interface the transport dispatches decoded JSON-RPC
// traffic into, and a method-map implementation for building services out of
// plain functions.
//
// The transport owns the initialize handshake, session admission, and stream
// routing; a Handler only ever sees post-handshake requests and
// notifications for an established session.
package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
	"github.com/kentcdodds/mediarss-sub003/mcp"
	"github.com/kentcdodds/mediarss-sub003/sessions"
)

// Handler receives dispatched session traffic. Implementations must be safe
// for concurrent use: requests within one call are processed concurrently
// and multiple sessions share one Handler.
type Handler interface {
	// HandleRequest produces the response for a request. Returning an error
	// maps to a JSON-RPC internal error on the wire; protocol-level failures
	// (unknown method, bad params) should instead be returned as an error
	// Response so they keep their specific codes.
	HandleRequest(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// HandleNotification processes a notification. Errors are logged and
	// otherwise dropped; notifications have no reply channel.
	HandleNotification(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) error
}

// ServerInfo describes this server in initialize results.
type ServerInfo interface {
	Info() mcp.ImplementationInfo
	Capabilities() mcp.ServerCapabilities
	Instructions() string
}

// RequestFunc handles a single method's requests.
type RequestFunc func(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)

// NotificationFunc handles a single method's notifications.
type NotificationFunc func(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) error

// MethodMap is a Handler assembled from per-method functions. Unknown
// request methods answer with a method-not-found error response; unknown
// notifications are ignored.
type MethodMap struct {
	requests      map[string]RequestFunc
	notifications map[string]NotificationFunc
}

func NewMethodMap() *MethodMap {
	return &MethodMap{
		requests:      make(map[string]RequestFunc),
		notifications: make(map[string]NotificationFunc),
	}
}

// Request registers a request handler for method, replacing any previous
// registration.
func (m *MethodMap) Request(method string, fn RequestFunc) *MethodMap {
	m.requests[method] = fn
	return m
}

// Notification registers a notification handler for method.
func (m *MethodMap) Notification(method string, fn NotificationFunc) *MethodMap {
	m.notifications[method] = fn
	return m
}

func (m *MethodMap) HandleRequest(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	fn, ok := m.requests[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil), nil
	}
	return fn(ctx, session, req)
}

func (m *MethodMap) HandleNotification(ctx context.Context, session *sessions.Session, req *jsonrpc.Request) error {
	fn, ok := m.notifications[req.Method]
	if !ok {
		return nil
	}
	return fn(ctx, session, req)
}

// Result marshals a successful response, collapsing the marshal error into
// an internal error response so handlers can return it directly.
func Result(id *jsonrpc.RequestID, v any) (*jsonrpc.Response, error) {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil), nil
	}
	return resp, nil
}

// InvalidParams builds the standard bad-params error response.
func InvalidParams(id *jsonrpc.RequestID, msg string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, msg, nil)
}

// DecodeParams unmarshals a request's params into v.
func DecodeParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
