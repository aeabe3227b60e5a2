package collab

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
)

const defaultMailboxSize = 32

// Frame types exchanged with clients.
const (
	FrameSync      = "sync"
	FrameUpdate    = "update"
	FrameAwareness = "awareness"
)

// Frame is one websocket message.
type Frame struct {
	Type    string         `json:"type"`
	Update  []byte         `json:"update,omitempty"`
	State   map[string]any `json:"state,omitempty"`
	Session string         `json:"session,omitempty"`
}

type task struct {
	fn   func(*crdt.Doc)
	done chan struct{}
}

// Document is the live structure of one document name.
type Document struct {
	name    string
	doc     *crdt.Doc
	mailbox chan task
	stop    chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	sessions map[string]*Session

	loaded  chan struct{}
	loadErr error
	refs    int

	unobserve func()
}

func newDocument(name string, actor string, mailboxSize int) *Document {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	document := &Document{
		name:     name,
		doc:      crdt.New(actor),
		mailbox:  make(chan task, mailboxSize),
		stop:     make(chan struct{}),
		sessions: make(map[string]*Session),
		loaded:   make(chan struct{}),
	}
	document.unobserve = document.doc.Observe(func(update []byte, origin string) {
		document.broadcast(Frame{Type: FrameUpdate, Update: update}, origin)
	})
	go document.run()
	return document
}

// Name returns the document name.
func (d *Document) Name() string {
	return d.name
}

// Doc returns the shared structure. Mutations must go through Do.
func (d *Document) Doc() *crdt.Doc {
	return d.doc
}

// Do runs fn on the document worker and waits for it to finish.
func (d *Document) Do(ctx context.Context, fn func(*crdt.Doc)) error {
	work := task{fn: fn, done: make(chan struct{})}
	select {
	case d.mailbox <- work:
	case <-d.stop:
		return ErrDocumentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-work.done:
		return nil
	case <-d.stop:
		return ErrDocumentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Awareness returns the presence states of attached sessions ordered by session id.
func (d *Document) Awareness() []map[string]any {
	d.mu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	states := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if state := d.sessions[id].Awareness(); state != nil {
			states = append(states, state)
		}
	}
	d.mu.RUnlock()
	return states
}

// Sessions returns the number of attached sessions.
func (d *Document) Sessions() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Document) run() {
	for {
		select {
		case work := <-d.mailbox:
			work.fn(d.doc)
			close(work.done)
		case <-d.stop:
			return
		}
	}
}

func (d *Document) close() {
	d.once.Do(func() {
		close(d.stop)
		if d.unobserve != nil {
			d.unobserve()
		}
	})
}

func (d *Document) addSession(session *Session) {
	d.mu.Lock()
	d.sessions[session.ID()] = session
	d.mu.Unlock()
}

func (d *Document) removeSession(session *Session) {
	d.mu.Lock()
	delete(d.sessions, session.ID())
	d.mu.Unlock()
	d.broadcast(Frame{Type: FrameAwareness, Session: session.ID()}, session.ID())
}

// broadcast queues frame for every session except the one named by origin.
func (d *Document) broadcast(frame Frame, origin string) {
	d.mu.RLock()
	targets := make([]*Session, 0, len(d.sessions))
	for id, session := range d.sessions {
		if id == origin {
			continue
		}
		targets = append(targets, session)
	}
	d.mu.RUnlock()
	for _, session := range targets {
		session.deliver(frame)
	}
}
