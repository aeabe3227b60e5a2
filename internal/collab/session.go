package collab

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const sessionOutboxSize = 64

// Session is one client attached to one document.
type Session struct {
	id        string
	mu        sync.RWMutex
	actor     string
	awareness map[string]any
	onClose   []func()
	modified  atomic.Bool
	outbox    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns a session with a fresh id.
func NewSession() *Session {
	return &Session{
		id:     uuid.NewString(),
		outbox: make(chan Frame, sessionOutboxSize),
		done:   make(chan struct{}),
	}
}

// ID returns the session id. Updates a session sends carry it as their origin.
func (s *Session) ID() string {
	return s.id
}

// Actor returns the authenticated user id, if any.
func (s *Session) Actor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actor
}

// SetActor records the authenticated user id.
func (s *Session) SetActor(actor string) {
	s.mu.Lock()
	s.actor = actor
	s.mu.Unlock()
}

// Awareness returns the latest presence state the client announced.
func (s *Session) Awareness() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.awareness == nil {
		return nil
	}
	copied := make(map[string]any, len(s.awareness))
	for key, value := range s.awareness {
		copied[key] = value
	}
	return copied
}

// SetAwareness replaces the presence state.
func (s *Session) SetAwareness(state map[string]any) {
	s.mu.Lock()
	s.awareness = state
	s.mu.Unlock()
}

// MarkModified records that the session changed the document.
func (s *Session) MarkModified() {
	s.modified.Store(true)
}

// Modified reports whether the session changed the document.
func (s *Session) Modified() bool {
	return s.modified.Load()
}

// OnClose registers fn to run when the session terminates. If the session
// already terminated fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminate ends the session. Repeated calls are no-ops.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		callbacks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, callback := range callbacks {
			callback()
		}
	})
}

// Outbox delivers frames addressed to this session.
func (s *Session) Outbox() <-chan Frame {
	return s.outbox
}

// deliver queues a frame without blocking. A session that cannot keep up is
// terminated.
func (s *Session) deliver(frame Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.outbox <- frame:
	default:
		s.Terminate()
	}
}
