package core

import (
	"log/slog"
	"sync"
	"time"

	"wardrelay/internal/protocol"
)

// DefaultSendTimeout bounds how long an enqueue to one session may block.
const DefaultSendTimeout = 50 * time.Millisecond

// Session is the live association between an authenticated identity and one
// open transport. Outbound events are queued on a buffered channel drained by
// the transport's writer goroutine, which keeps per-session FIFO order.
type Session struct {
	Identity protocol.Identity

	mu      sync.RWMutex
	closed  bool
	send    chan protocol.Envelope
	timeout time.Duration
}

// NewSession returns an open session with a send buffer of sendBuf events.
func NewSession(identity protocol.Identity, sendBuf int, timeout time.Duration) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Session{
		Identity: identity,
		send:     make(chan protocol.Envelope, sendBuf),
		timeout:  timeout,
	}
}

// ID returns the identity id of the session owner.
func (s *Session) ID() string {
	return s.Identity.ID
}

// Outbound is drained by the transport writer. It is closed by Close.
func (s *Session) Outbound() <-chan protocol.Envelope {
	return s.send
}

// Open reports whether the session still accepts events.
func (s *Session) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Send enqueues env, waiting at most the session timeout for buffer space.
// It returns false when the session is closed or the buffer stayed full.
func (s *Session) Send(env protocol.Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.send <- env:
		return true
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.send <- env:
		return true
	case <-timer.C:
		slog.Debug("session send timeout", "user_id", s.Identity.ID, "type", env.Type)
		return false
	}
}

// Close marks the session closed and closes its outbound channel. Safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
