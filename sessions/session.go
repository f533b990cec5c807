package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
)

// Session is one initialized transport session. It owns an arena of open
// streams plus the routing table mapping in-flight request ids to the stream
// that will carry their responses.
type Session struct {
	id              string
	auth            AuthInfo
	protocolVersion string
	createdAt       time.Time

	mu           sync.Mutex
	closed       bool
	streams      map[string]*Stream
	requestOwner map[string]string
	pending      map[string]map[string]bool
	standaloneID string
}

func newSession(auth AuthInfo, protocolVersion string, now time.Time) *Session {
	return &Session{
		id:              uuid.NewString(),
		auth:            auth,
		protocolVersion: protocolVersion,
		createdAt:       now,
		streams:         make(map[string]*Stream),
		requestOwner:    make(map[string]string),
		pending:         make(map[string]map[string]bool),
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Auth() AuthInfo          { return s.auth }
func (s *Session) ProtocolVersion() string { return s.protocolVersion }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }

// Closed reports whether the session has been terminated.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OpenRequestStream opens a fresh output stream owning the responses for the
// given request ids. The stream closes automatically once every id has been
// answered.
func (s *Session) OpenRequestStream(requestIDs []*jsonrpc.RequestID) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	stream := &Stream{
		id:   uuid.NewString(),
		ch:   make(chan *jsonrpc.AnyMessage, len(requestIDs)),
		done: make(chan struct{}),
	}
	s.streams[stream.id] = stream

	ids := make(map[string]bool, len(requestIDs))
	for _, rid := range requestIDs {
		key := rid.String()
		ids[key] = true
		s.requestOwner[key] = stream.id
	}
	s.pending[stream.id] = ids
	return stream, nil
}

// OpenStandaloneStream opens the session's single server-initiated
// notification stream. A second concurrent open fails with
// ErrStandaloneConflict.
func (s *Session) OpenStandaloneStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.standaloneID != "" {
		return nil, ErrStandaloneConflict
	}

	stream := &Stream{
		id:         uuid.NewString(),
		standalone: true,
		ch:         make(chan *jsonrpc.AnyMessage, 32),
		done:       make(chan struct{}),
	}
	s.streams[stream.id] = stream
	s.standaloneID = stream.id
	return stream, nil
}

// Respond routes a response to the stream owning its request id and closes
// that stream when it was the last pending response. Responses whose
// originating stream is gone (client disconnected) are dropped; the return
// value reports delivery.
func (s *Session) Respond(resp *jsonrpc.Response) bool {
	key := resp.ID.String()

	s.mu.Lock()
	streamID, ok := s.requestOwner[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.requestOwner, key)

	stream := s.streams[streamID]
	ids := s.pending[streamID]
	delete(ids, key)
	last := len(ids) == 0

	if stream == nil {
		s.mu.Unlock()
		return false
	}

	// Deliver while still holding the session lock: a sibling response that
	// observes last == true must not close the stream before this one is in
	// the channel. Request-stream sends never block, the channel is sized to
	// the call's pending ids.
	delivered := stream.send(&jsonrpc.AnyMessage{
		JSONRPCVersion: resp.JSONRPCVersion,
		Result:         resp.Result,
		Error:          resp.Error,
		ID:             resp.ID,
	})

	var toClose *Stream
	if last {
		delete(s.streams, streamID)
		delete(s.pending, streamID)
		toClose = stream
	}
	s.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}
	return delivered
}

// Notify delivers a server-initiated notification to the standalone stream,
// reporting false when none is open.
func (s *Session) Notify(msg *jsonrpc.AnyMessage) bool {
	s.mu.Lock()
	stream := s.streams[s.standaloneID]
	s.mu.Unlock()
	if stream == nil {
		return false
	}
	return stream.send(msg)
}

// CloseStream removes a stream from the session and releases its reader,
// dropping any still-pending request routes. Called both on natural stream
// completion and on client disconnect. Idempotent.
func (s *Session) CloseStream(streamID string) {
	s.mu.Lock()
	stream, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
		for key := range s.pending[streamID] {
			delete(s.requestOwner, key)
		}
		delete(s.pending, streamID)
		if s.standaloneID == streamID {
			s.standaloneID = ""
		}
	}
	s.mu.Unlock()

	if stream != nil {
		stream.close()
	}
}

// Close terminates the session, closing every open stream. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		streams = append(streams, stream)
	}
	s.streams = make(map[string]*Stream)
	s.requestOwner = make(map[string]string)
	s.pending = make(map[string]map[string]bool)
	s.standaloneID = ""
	s.mu.Unlock()

	for _, stream := range streams {
		stream.close()
	}
}
