package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/kentcdodds/mediarss-sub003/auth"
	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
	"github.com/kentcdodds/mediarss-sub003/internal/logctx"
	"github.com/kentcdodds/mediarss-sub003/internal/wellknown"
	"github.com/kentcdodds/mediarss-sub003/mcp"
	"github.com/kentcdodds/mediarss-sub003/mcpservice"
	"github.com/kentcdodds/mediarss-sub003/sessions"
)

const (
	// SessionIDHeader carries the session id on every post-handshake request.
	SessionIDHeader = "Mcp-Session-Id"
	// ProtocolVersionHeader carries the negotiated protocol version.
	ProtocolVersionHeader = "Mcp-Protocol-Version"

	// maxBodyBytes bounds a single POST body.
	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	postAcceptMediaTypes  = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Service is the application the transport dispatches into: the message
// handler plus the descriptive surface reported in initialize results.
type Service interface {
	mcpservice.Handler
	mcpservice.ServerInfo
}

// StreamingHTTPHandler serves the streamable HTTP session transport on a
// single endpoint path: POST carries client messages in, GET opens the
// standalone notification stream, DELETE terminates the session. It also
// serves the protected resource metadata document the bearer challenges
// point at.
type StreamingHTTPHandler struct {
	log      *slog.Logger
	mux      *http.ServeMux
	endpoint *url.URL
	realm    string

	registry *sessions.Registry
	service  Service
	authn    auth.Authenticator

	prmDocument wellknown.ProtectedResourceMetadata
	prmURL      string
}

// Option customizes a StreamingHTTPHandler.
type Option func(*StreamingHTTPHandler)

// WithLogger overrides the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *StreamingHTTPHandler) { h.log = log }
}

// WithRealm overrides the realm reported in WWW-Authenticate challenges.
// Defaults to the endpoint URL.
func WithRealm(realm string) Option {
	return func(h *StreamingHTTPHandler) { h.realm = realm }
}

// New builds the transport handler. publicEndpoint is the externally visible
// URL of the session endpoint; authServerURL is the issuer advertised in the
// protected resource metadata.
func New(publicEndpoint string, authServerURL string, registry *sessions.Registry, service Service, authn auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint url must be absolute: %q", publicEndpoint)
	}
	if registry == nil || service == nil || authn == nil {
		return nil, errors.New("registry, service, and authenticator are required")
	}

	origin := &url.URL{Scheme: u.Scheme, Host: u.Host}
	h := &StreamingHTTPHandler{
		log:      slog.Default(),
		endpoint: u,
		realm:    u.String(),
		registry: registry,
		service:  service,
		authn:    authn,
		prmURL:   origin.JoinPath("/.well-known/oauth-protected-resource").String(),
		prmDocument: wellknown.ProtectedResourceMetadata{
			Resource:               u.String(),
			AuthorizationServers:   []string{authServerURL},
			BearerMethodsSupported: []string{"header"},
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, h.handlePost)
	mux.HandleFunc("GET "+path, h.handleGet)
	mux.HandleFunc("DELETE "+path, h.handleDelete)
	mux.HandleFunc(path, h.handleUnsupportedMethod)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handlePRM)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.handlePRMPreflight)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// checkAuthentication validates the bearer credential, writing the
// appropriate challenge and returning false when it fails.
func (h *StreamingHTTPHandler) checkAuthentication(w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		h.writeChallenge(w, auth.RequiredChallenge(h.prmURL))
		return nil, false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		h.writeChallenge(w, auth.MalformedHeaderChallenge(h.realm))
		return nil, false
	}

	ui, err := h.authn.CheckAuthentication(r.Context(), token)
	switch {
	case err == nil:
		return ui, true
	case errors.Is(err, auth.ErrInsufficientScope):
		h.writeChallenge(w, auth.InsufficientScopeChallenge(h.realm, err.Error()))
		return nil, false
	case errors.Is(err, auth.ErrUnauthorized):
		h.writeChallenge(w, auth.InvalidTokenChallenge(h.realm, "The access token is invalid"))
		return nil, false
	default:
		h.log.ErrorContext(r.Context(), "auth.check_failed", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
}

func (h *StreamingHTTPHandler) writeChallenge(w http.ResponseWriter, ch *auth.Challenge) {
	w.Header().Set("WWW-Authenticate", ch.WWWAuthenticate)
	w.WriteHeader(ch.Status)
}

// writeRPCError writes a JSON-RPC error envelope with the given HTTP status.
func (h *StreamingHTTPHandler) writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, message, nil))
}

// resolveSession looks up the session named by the request headers and
// re-checks its authorization binding against the presented token. A
// mismatch evicts the session; callers see it as not found.
func (h *StreamingHTTPHandler) resolveSession(w http.ResponseWriter, r *http.Request, ui auth.UserInfo) (*sessions.Session, bool) {
	sid := r.Header.Get(SessionIDHeader)
	if sid == "" {
		h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeSessionRequired, "Mcp-Session-Id header is required")
		return nil, false
	}
	sess := h.registry.Get(sid)
	if sess == nil {
		h.writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return nil, false
	}
	if !h.registry.Authorize(sess, sessions.AuthInfo{Subject: ui.UserID(), Scopes: ui.Scopes()}) {
		h.writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return nil, false
	}

	version := r.Header.Get(ProtocolVersionHeader)
	if version == "" {
		version = mcp.DefaultProtocolVersion
	}
	if !mcp.IsSupportedProtocolVersion(version) {
		h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeUnsupportedProtocolVersion,
			fmt.Sprintf("unsupported protocol version %q", version))
		return nil, false
	}
	return sess, true
}

func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ui, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeInvalidRequest, "Content-Type must be application/json")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, postAcceptMediaTypes); err != nil {
		h.writeRPCError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeInvalidRequest, "Accept must allow application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "could not read request body")
		return
	}
	msgs, _, err := jsonrpc.DecodeMessages(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrEmptyBatch) {
			h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "empty batch")
			return
		}
		h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, err.Error())
		return
	}

	if r.Header.Get(SessionIDHeader) == "" {
		h.handleInitialize(w, r, ui, msgs)
		return
	}

	sess, ok := h.resolveSession(w, r, ui)
	if !ok {
		return
	}
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{
		SessionID:       sess.ID(),
		Subject:         sess.Auth().Subject,
		ProtocolVersion: sess.ProtocolVersion(),
	})

	var requests []*jsonrpc.Request
	var notifications []*jsonrpc.Request
	for _, msg := range msgs {
		switch msg.Type() {
		case "request":
			if msg.Method == mcp.MethodInitialize {
				h.writeRPCError(w, http.StatusConflict, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
				return
			}
			requests = append(requests, msg.AsRequest())
		case "notification":
			notifications = append(notifications, msg.AsRequest())
		default:
			// Responses to server-initiated requests; nothing outstanding, drop.
		}
	}

	for _, note := range notifications {
		if err := h.service.HandleNotification(ctx, sess, note); err != nil {
			h.log.WarnContext(ctx, "rpc.notification_failed",
				slog.String("rpc_method", note.Method),
				slog.String("err", err.Error()))
		}
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ids := make([]*jsonrpc.RequestID, 0, len(requests))
	for _, req := range requests {
		ids = append(ids, req.ID)
	}
	stream, err := sess.OpenRequestStream(ids)
	if err != nil {
		h.writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}

	// Processing outlives the HTTP request: a disconnect drops undelivered
	// responses rather than cancelling the work.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, req := range requests {
		go h.dispatchRequest(dispatchCtx, sess, req)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()
	h.drainStream(r.Context(), w, flusher, sess, stream)
}

// handleInitialize serves the handshake: a sessionless POST whose sole
// message is an initialize request.
func (h *StreamingHTTPHandler) handleInitialize(w http.ResponseWriter, r *http.Request, ui auth.UserInfo, msgs []*jsonrpc.AnyMessage) {
	if len(msgs) != 1 || msgs[0].Type() != "request" || msgs[0].Method != mcp.MethodInitialize {
		h.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeSessionRequired,
			"Mcp-Session-Id header is required for requests other than initialize")
		return
	}
	req := msgs[0].AsRequest()

	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			h.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
			return
		}
	}

	version := mcp.NegotiateProtocolVersion(initReq.ProtocolVersion)
	sess := h.registry.Create(sessions.AuthInfo{Subject: ui.UserID(), Scopes: ui.Scopes()}, version)

	h.log.InfoContext(r.Context(), "session.initialized",
		slog.String("session_id", sess.ID()),
		slog.String("protocol_version", version),
		slog.String("client_name", initReq.ClientInfo.Name))

	resp, err := jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    h.service.Capabilities(),
		ServerInfo:      h.service.Info(),
		Instructions:    h.service.Instructions(),
	})
	if err != nil {
		h.writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize result")
		return
	}

	w.Header().Set(SessionIDHeader, sess.ID())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// dispatchRequest runs one request through the service, converting panics
// and handler errors into internal error responses so every request id
// resolves and its stream can close.
func (h *StreamingHTTPHandler) dispatchRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	})

	var resp *jsonrpc.Response
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.ErrorContext(ctx, "rpc.panic",
					slog.String("rpc_method", req.Method),
					slog.Any("panic", rec))
				resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
			}
		}()
		var err error
		resp, err = h.service.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.request_failed",
				slog.String("rpc_method", req.Method),
				slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	if resp == nil {
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "handler returned no response", nil)
	}
	sess.Respond(resp)
}

// drainStream copies stream messages to the response as SSE events until
// the stream closes or the client disconnects.
func (h *StreamingHTTPHandler) drainStream(ctx context.Context, w io.Writer, flusher http.Flusher, sess *sessions.Session, stream *sessions.Stream) {
	var eventID int
	write := func(msg *jsonrpc.AnyMessage) bool {
		eventID++
		return writeSSEEvent(w, flusher, strconv.Itoa(eventID), msg) == nil
	}
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			if !write(msg) {
				sess.CloseStream(stream.ID())
				return
			}
		case <-stream.Done():
			// Flush anything buffered before the stream closed.
			for {
				select {
				case msg, ok := <-stream.Messages():
					if !ok {
						return
					}
					if !write(msg) {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			sess.CloseStream(stream.ID())
			return
		}
	}
}

func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.endpoint.Path {
		http.NotFound(w, r)
		return
	}
	ui, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.writeRPCError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeInvalidRequest, "Accept must allow text/event-stream")
		return
	}

	sess, ok := h.resolveSession(w, r, ui)
	if !ok {
		return
	}

	stream, err := sess.OpenStandaloneStream()
	if err != nil {
		if errors.Is(err, sessions.ErrStandaloneConflict) {
			h.writeRPCError(w, http.StatusConflict, nil, jsonrpc.ErrorCodeDuplicateStream, "a notification stream is already open for this session")
			return
		}
		h.writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sess.CloseStream(stream.ID())
		h.writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}
	writeSSEHeaders(w)
	flusher.Flush()
	h.drainStream(r.Context(), w, flusher, sess, stream)
}

func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ui, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	sess, ok := h.resolveSession(w, r, ui)
	if !ok {
		return
	}
	h.registry.Terminate(sess.ID())
	h.log.InfoContext(r.Context(), "session.deleted", slog.String("session_id", sess.ID()))
	w.WriteHeader(http.StatusOK)
}

func (h *StreamingHTTPHandler) handleUnsupportedMethod(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST, DELETE")
	h.writeRPCError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeInvalidRequest,
		fmt.Sprintf("method %s not allowed", r.Method))
}

func (h *StreamingHTTPHandler) handlePRM(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(h.prmDocument)
}

func (h *StreamingHTTPHandler) handlePRMPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeSSEEvent frames one JSON-RPC message as a Server-Sent Event.
func writeSSEEvent(w io.Writer, flusher http.Flusher, id string, msg *jsonrpc.AnyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
