package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	originLoad = "host:load"

	opAttach     = "collab.attach"
	opDetach     = "collab.detach"
	opCheckpoint = "collab.checkpoint"
)

var errMissingExtension = errors.New("collab: extension required")

// Config describes a Host.
type Config struct {
	Extension Extension
	Logger    *zap.Logger
	// CheckpointInterval enables periodic Store calls while a document is live.
	CheckpointInterval time.Duration
	MailboxSize        int
}

// Host keeps at most one live Document per name.
type Host struct {
	extension  Extension
	logger     *zap.Logger
	checkpoint time.Duration
	mailbox    int

	mu        sync.Mutex
	documents map[string]*Document
	active    sync.WaitGroup
}

// NewHost constructs a Host.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Extension == nil {
		return nil, errMissingExtension
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		extension:  cfg.Extension,
		logger:     logger,
		checkpoint: cfg.CheckpointInterval,
		mailbox:    cfg.MailboxSize,
		documents:  make(map[string]*Document),
	}, nil
}

// Attach joins session to the live document name, loading it on first use.
// Concurrent callers for the same name share one load.
func (h *Host) Attach(ctx context.Context, name string, session *Session) (*Document, error) {
	h.mu.Lock()
	document, exists := h.documents[name]
	if !exists {
		document = newDocument(name, "host-"+uuid.NewString(), h.mailbox)
		h.documents[name] = document
	}
	document.refs++
	h.mu.Unlock()

	if !exists {
		h.load(ctx, document)
	} else {
		select {
		case <-document.loaded:
		case <-ctx.Done():
			h.release(context.WithoutCancel(ctx), document)
			return nil, ctx.Err()
		}
	}
	if document.loadErr != nil {
		return nil, document.loadErr
	}

	h.active.Add(1)
	document.addSession(session)
	return document, nil
}

// Detach removes session from document, flushes through OnDisconnect, and
// destroys the live structure once the last session left.
func (h *Host) Detach(ctx context.Context, document *Document, session *Session) {
	defer h.active.Done()
	document.removeSession(session)
	if err := h.extension.OnDisconnect(ctx, document.Name(), document, session); err != nil {
		h.logError(opDetach, "disconnect_hook_failed", err, zap.String("document", document.Name()), zap.String("session", session.ID()))
	}
	h.release(ctx, document)
}

// Document returns the live document for name, if one exists.
func (h *Host) Document(name string) (*Document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	document, ok := h.documents[name]
	return document, ok
}

// Close terminates every session and waits for them to detach.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	documents := make([]*Document, 0, len(h.documents))
	for _, document := range h.documents {
		documents = append(documents, document)
	}
	h.mu.Unlock()

	for _, document := range documents {
		document.mu.RLock()
		sessions := make([]*Session, 0, len(document.sessions))
		for _, session := range document.sessions {
			sessions = append(sessions, session)
		}
		document.mu.RUnlock()
		for _, session := range sessions {
			session.Terminate()
		}
	}

	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) load(ctx context.Context, document *Document) {
	defer close(document.loaded)

	state, err := h.extension.Fetch(ctx, document.Name())
	if err == nil && len(state) > 0 {
		var applyErr error
		err = document.Do(ctx, func(doc *crdt.Doc) {
			_, applyErr = doc.ApplyUpdate(state, originLoad)
		})
		if err == nil {
			err = applyErr
		}
	}
	if err != nil {
		h.logError(opAttach, "fetch_failed", err, zap.String("document", document.Name()))
		document.loadErr = err
		h.mu.Lock()
		if h.documents[document.Name()] == document {
			delete(h.documents, document.Name())
		}
		h.mu.Unlock()
		document.close()
		return
	}

	if err := h.extension.AfterLoadDocument(ctx, document.Name(), document); err != nil {
		h.logError(opAttach, "after_load_hook_failed", err, zap.String("document", document.Name()))
	}
	if h.checkpoint > 0 {
		go h.runCheckpoints(document)
	}
}

func (h *Host) release(ctx context.Context, document *Document) {
	h.mu.Lock()
	document.refs--
	last := document.refs <= 0
	if last && h.documents[document.Name()] == document {
		delete(h.documents, document.Name())
	}
	h.mu.Unlock()
	if !last {
		return
	}

	document.close()
	if err := h.extension.AfterUnloadDocument(ctx, document.Name(), document); err != nil {
		h.logError(opDetach, "after_unload_hook_failed", err, zap.String("document", document.Name()))
	}
}

func (h *Host) runCheckpoints(document *Document) {
	ticker := time.NewTicker(h.checkpoint)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.extension.Store(context.Background(), document.Name(), document); err != nil {
				h.logError(opCheckpoint, "store_failed", err, zap.String("document", document.Name()))
			}
		case <-document.stop:
			return
		}
	}
}

func (h *Host) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("collab host error", attrs...)
}
