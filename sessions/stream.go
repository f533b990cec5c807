package sessions

import (
	"sync"

	"github.com/kentcdodds/mediarss-sub003/internal/jsonrpc"
)

// Stream is one server-to-client output channel. Request streams are opened
// per inbound call and deliver exactly the responses for that call's request
// ids, closing when the last one resolves. The standalone stream is
// long-lived and carries server-initiated notifications.
type Stream struct {
	id         string
	standalone bool

	mu     sync.Mutex
	closed bool
	ch     chan *jsonrpc.AnyMessage
	done   chan struct{}
}

// ID returns the internal stream id.
func (s *Stream) ID() string { return s.id }

// Standalone reports whether this is the session's notification stream.
func (s *Stream) Standalone() bool { return s.standalone }

// Messages is the channel the transport drains into the HTTP response. It is
// closed when the stream closes.
func (s *Stream) Messages() <-chan *jsonrpc.AnyMessage { return s.ch }

// Done is closed when the stream closes, whichever side initiated it.
func (s *Stream) Done() <-chan struct{} { return s.done }

// send enqueues a message, reporting false if the stream is already closed.
// Request streams are sized to their pending response count so a send never
// blocks; the standalone stream blocks until the reader drains or the stream
// closes.
func (s *Stream) send(msg *jsonrpc.AnyMessage) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if !s.standalone {
		// Capacity covers every pending response for this call.
		s.ch <- msg
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	select {
	case s.ch <- msg:
		return true
	case <-s.done:
		return false
	}
}

// close marks the stream closed and releases its reader. Idempotent.
func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	if !s.standalone {
		// Request stream sends are serialized under mu, so closing the
		// channel here cannot race a send. The standalone channel is left
		// open because a sender may be blocked in a select on it; readers
		// watch Done instead.
		close(s.ch)
	}
}
