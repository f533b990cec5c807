package sessions

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxAge is how long a session lives, measured from creation.
	// The sweep keys off creation time rather than last activity, so even a
	// busy session re-authenticates on this cadence.
	DefaultMaxAge = time.Hour

	// DefaultSweepInterval is how often the registry scans for expired
	// sessions.
	DefaultSweepInterval = 5 * time.Minute
)

// Registry owns the in-memory map of live sessions. Sessions are in-process
// only and do not survive a restart.
type Registry struct {
	log           *slog.Logger
	maxAge        time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithMaxAge overrides the session lifetime.
func WithMaxAge(d time.Duration) RegistryOption {
	return func(r *Registry) { r.maxAge = d }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger overrides the registry's logger.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry builds a registry and starts its background sweeper. Close
// stops the sweeper and terminates every live session.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:           slog.Default(),
		maxAge:        DefaultMaxAge,
		sweepInterval: DefaultSweepInterval,
		nowFn:         time.Now,
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweepLoop()
	return r
}

// Create establishes a new initialized session bound to the given identity
// and negotiated protocol version.
func (r *Registry) Create(auth AuthInfo, protocolVersion string) *Session {
	sess := newSession(auth, protocolVersion, r.nowFn())
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug("session.created",
		slog.String("session_id", sess.ID()),
		slog.String("subject", auth.Subject),
		slog.String("protocol_version", protocolVersion),
		slog.Int("live_sessions", n))
	return sess
}

// Get returns the live session with the given id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Terminate closes and evicts a session, reporting whether it existed.
// Idempotent: terminating an unknown or already-closed id returns false.
func (r *Registry) Terminate(sessionID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	r.log.Debug("session.terminated", slog.String("session_id", sessionID))
	return true
}

// Authorize checks a request's bearer identity against the session's bound
// identity. A subject mismatch, or bound scopes the current token no longer
// covers, invalidates the session (closed and evicted) and returns false.
func (r *Registry) Authorize(sess *Session, current AuthInfo) bool {
	bound := sess.Auth()
	if bound.Subject == current.Subject && current.Covers(bound.Scopes) {
		return true
	}
	r.log.Info("session.auth_mismatch",
		slog.String("session_id", sess.ID()),
		slog.String("bound_subject", bound.Subject),
		slog.String("token_subject", current.Subject))
	r.Terminate(sess.ID())
	return false
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep closes and evicts every session older than the registry's max age.
// Exported so tests and shutdown paths can force a pass.
func (r *Registry) Sweep() {
	cutoff := r.nowFn().Add(-r.maxAge)

	r.mu.Lock()
	var expired []*Session
	for id, sess := range r.sessions {
		if sess.CreatedAt().Before(cutoff) {
			expired = append(expired, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
	}
	if len(expired) > 0 {
		r.log.Info("session.sweep", slog.Int("evicted", len(expired)))
	}
}

// Close stops the sweeper and terminates all sessions. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
