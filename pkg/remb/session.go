package remb

import (
	"sync"

	"go.uber.org/zap"
)

// Session is the per-transport-session state shared by a LocalEstimator
// and a RemoteRelay: the link to the transport session, the logger and
// metrics derived from it, and the cache of the last bitrate announced per
// SSRC. Whoever creates the Session owns it and passes it explicitly to the
// estimator and relay of that transport session.
type Session struct {
	id      string
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	stats  map[uint32]uint64
	closed bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger of the session and of every component built
// on it. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches prometheus collectors to the session.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession creates the shared state for the transport session id.
func NewSession(id string, opts ...SessionOption) *Session {
	s := &Session{
		id:     id,
		logger: zap.NewNop(),
		stats:  make(map[uint32]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session", id))
	return s
}

// ID returns the transport session identifier.
func (s *Session) ID() string {
	return s.id
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Metrics returns the session's collectors, possibly nil.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// UpdateStat records bitrate as the last value announced for ssrc,
// inserting or overwriting the entry. It is a no-op after Close.
func (s *Session) UpdateStat(ssrc uint32, bitrate uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stats[ssrc] = bitrate
}

// ReadStat returns the last bitrate announced for ssrc.
func (s *Session) ReadStat(ssrc uint32) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bitrate, ok := s.stats[ssrc]
	return bitrate, ok
}

// Stats returns a copy of the whole cache.
func (s *Session) Stats() map[uint32]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint32]uint64, len(s.stats))
	for ssrc, bitrate := range s.stats {
		out[ssrc] = bitrate
	}
	return out
}

// Close frees the cache and drops the session's metric series. Callers
// must make sure no estimator or relay callback is still running.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	s.stats = nil
	s.mu.Unlock()

	s.metrics.forget(s.id)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
