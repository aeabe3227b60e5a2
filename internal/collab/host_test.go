package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
)

type recordingExtension struct {
	mu          sync.Mutex
	state       []byte
	fetchErr    error
	connectErr  error
	fetches     atomic.Int32
	loads       atomic.Int32
	stores      atomic.Int32
	unloads     atomic.Int32
	disconnects []string
	release     chan struct{}
}

func (e *recordingExtension) OnUpgrade(*http.Request, string) error { return nil }

func (e *recordingExtension) OnConnect(_ context.Context, _ ConnectRequest, session *Session) error {
	if e.connectErr != nil {
		return e.connectErr
	}
	session.SetActor("user-1")
	return nil
}

func (e *recordingExtension) Fetch(context.Context, string) ([]byte, error) {
	e.fetches.Add(1)
	if e.release != nil {
		<-e.release
	}
	return e.state, e.fetchErr
}

func (e *recordingExtension) AfterLoadDocument(context.Context, string, *Document) error {
	e.loads.Add(1)
	return nil
}

func (e *recordingExtension) Store(context.Context, string, *Document) error {
	e.stores.Add(1)
	return nil
}

func (e *recordingExtension) OnDisconnect(_ context.Context, _ string, _ *Document, session *Session) error {
	e.mu.Lock()
	e.disconnects = append(e.disconnects, session.ID())
	e.mu.Unlock()
	return nil
}

func (e *recordingExtension) AfterUnloadDocument(context.Context, string, *Document) error {
	e.unloads.Add(1)
	return nil
}

func mustNewHost(t *testing.T, extension Extension, interval time.Duration) *Host {
	t.Helper()
	host, err := NewHost(Config{Extension: extension, CheckpointInterval: interval})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return host
}

func encodedState(t *testing.T, field string, value any) []byte {
	t.Helper()
	source := crdt.New("seed")
	if err := source.Set(field, value); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	state, err := source.EncodeState()
	if err != nil {
		t.Fatalf("seed encode: %v", err)
	}
	return state
}

func TestNewHostRequiresExtension(t *testing.T) {
	if _, err := NewHost(Config{}); err == nil {
		t.Fatalf("expected error without extension")
	}
}

func TestAttachLoadsFetchedStateOnce(t *testing.T) {
	extension := &recordingExtension{state: encodedState(t, "name", "Draft"), release: make(chan struct{})}
	host := mustNewHost(t, extension, 0)

	const sessions = 5
	documents := make(chan *Document, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			document, err := host.Attach(context.Background(), "acme.Article.a1", NewSession())
			if err != nil {
				t.Errorf("attach: %v", err)
				return
			}
			documents <- document
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(extension.release)
	wg.Wait()
	close(documents)

	var first *Document
	for document := range documents {
		if first == nil {
			first = document
		}
		if document != first {
			t.Fatalf("expected a single live document")
		}
	}
	if extension.fetches.Load() != 1 || extension.loads.Load() != 1 {
		t.Fatalf("expected one fetch and one load, got %d and %d", extension.fetches.Load(), extension.loads.Load())
	}
	name, ok := first.Doc().Get("name")
	if !ok || name != "Draft" {
		t.Fatalf("expected fetched state to be applied, got %#v", name)
	}
	if first.Sessions() != sessions {
		t.Fatalf("expected %d sessions, got %d", sessions, first.Sessions())
	}
}

func TestAttachFailureDropsDocument(t *testing.T) {
	extension := &recordingExtension{fetchErr: Deny(http.StatusNotFound, errors.New("missing"))}
	host := mustNewHost(t, extension, 0)

	_, err := host.Attach(context.Background(), "acme.Article.gone", NewSession())
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("expected not found denial, got %v", err)
	}
	if _, ok := host.Document("acme.Article.gone"); ok {
		t.Fatalf("expected failed document to be dropped")
	}
	if extension.loads.Load() != 0 {
		t.Fatalf("after-load hook must not run for failed loads")
	}
}

func TestDetachUnloadsAfterLastSession(t *testing.T) {
	extension := &recordingExtension{}
	host := mustNewHost(t, extension, 0)
	first, second := NewSession(), NewSession()

	document, err := host.Attach(context.Background(), "acme.Article.a1", first)
	if err != nil {
		t.Fatalf("attach first: %v", err)
	}
	if _, err := host.Attach(context.Background(), "acme.Article.a1", second); err != nil {
		t.Fatalf("attach second: %v", err)
	}

	host.Detach(context.Background(), document, first)
	if extension.unloads.Load() != 0 {
		t.Fatalf("document unloaded while a session remained")
	}
	host.Detach(context.Background(), document, second)
	if extension.unloads.Load() != 1 {
		t.Fatalf("expected unload after last session, got %d", extension.unloads.Load())
	}
	if len(extension.disconnects) != 2 {
		t.Fatalf("expected disconnect hook per session, got %v", extension.disconnects)
	}
	if err := document.Do(context.Background(), func(*crdt.Doc) {}); !errors.Is(err, ErrDocumentClosed) {
		t.Fatalf("expected closed document, got %v", err)
	}
	if _, ok := host.Document("acme.Article.a1"); ok {
		t.Fatalf("expected document to be removed from host")
	}
}

func TestUpdatesBroadcastToOtherSessions(t *testing.T) {
	host := mustNewHost(t, &recordingExtension{}, 0)
	author, reader := NewSession(), NewSession()
	document, err := host.Attach(context.Background(), "acme.Article.a1", author)
	if err != nil {
		t.Fatalf("attach author: %v", err)
	}
	if _, err := host.Attach(context.Background(), "acme.Article.a1", reader); err != nil {
		t.Fatalf("attach reader: %v", err)
	}

	update := encodedState(t, "stage", 2)
	if err := document.Do(context.Background(), func(doc *crdt.Doc) {
		if _, err := doc.ApplyUpdate(update, author.ID()); err != nil {
			t.Errorf("apply: %v", err)
		}
	}); err != nil {
		t.Fatalf("do: %v", err)
	}

	select {
	case frame := <-reader.Outbox():
		if frame.Type != FrameUpdate {
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader did not receive update")
	}
	select {
	case frame := <-author.Outbox():
		t.Fatalf("author received its own update: %#v", frame)
	default:
	}
}

func TestDoSerializesMutations(t *testing.T) {
	host := mustNewHost(t, &recordingExtension{}, 0)
	document, err := host.Attach(context.Background(), "acme.Article.a1", NewSession())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	var active, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = document.Do(context.Background(), func(*crdt.Doc) {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
			})
		}()
	}
	wg.Wait()
	if overlaps.Load() != 0 {
		t.Fatalf("expected serialized execution, saw %d overlaps", overlaps.Load())
	}
}

func TestCheckpointsRunWhileLoaded(t *testing.T) {
	extension := &recordingExtension{}
	host := mustNewHost(t, extension, 5*time.Millisecond)
	session := NewSession()
	document, err := host.Attach(context.Background(), "acme.Article.a1", session)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for extension.stores.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if extension.stores.Load() == 0 {
		t.Fatalf("expected at least one checkpoint")
	}
	host.Detach(context.Background(), document, session)
}

func TestCloseWaitsForSessions(t *testing.T) {
	host := mustNewHost(t, &recordingExtension{}, 0)
	session := NewSession()
	document, err := host.Attach(context.Background(), "acme.Article.a1", session)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	go func() {
		<-session.Done()
		host.Detach(context.Background(), document, session)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := host.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSessionOnCloseRunsOnce(t *testing.T) {
	session := NewSession()
	calls := 0
	session.OnClose(func() { calls++ })
	session.Terminate()
	session.Terminate()
	session.OnClose(func() { calls++ })
	if calls != 2 {
		t.Fatalf("expected callbacks to run once each, got %d", calls)
	}
}
