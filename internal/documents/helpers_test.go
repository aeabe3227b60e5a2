package documents

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	articleID = "0190f4c6-3a5e-7cc0-8a52-3c4e7d3b5a01"
	authorID  = "0190f4c6-3a5e-7cc0-8a52-3c4e7d3b5a02"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type recordingMailer struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (m *recordingMailer) Send(_ context.Context, message notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMailer) sent() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.messages...)
}

// liveDoc stands in for a hosted document in tests.
type liveDoc struct {
	mu  sync.Mutex
	doc *crdt.Doc
}

func (l *liveDoc) Do(_ context.Context, fn func(*crdt.Doc)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.doc)
	return nil
}

func (l *liveDoc) get(field string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Get(field)
}

func (l *liveDoc) set(t *testing.T, field string, value any) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.doc.Set(field, value); err != nil {
		t.Fatalf("set %s: %v", field, err)
	}
}

type fixture struct {
	registry *tenant.Registry
	bus      *changes.Bus
	service  *Service
	clock    *testClock
	mailer   *recordingMailer
}

func testDefinitions(t *testing.T) []tenant.Definition {
	t.Helper()
	return []tenant.Definition{{
		Name: "acme",
		DSN:  "sqlite://" + filepath.Join(t.TempDir(), "acme.db"),
		Collections: []tenant.CollectionDefinition{
			{
				Name: "Article",
				Fields: schema.Fields{
					{Name: "name", Kind: schema.KindString},
					{Name: "stage", Kind: schema.KindNumber},
					{Name: "body", Kind: schema.KindString},
					{Name: "author", Kind: schema.KindReference, Target: "Author", Label: "name"},
					{Name: "owner", Kind: schema.KindString},
					{Name: "watchers", Kind: schema.KindJSON},
					{Name: "_draftNotes", Kind: schema.KindString},
				},
				Publish:     true,
				WatchFields: []string{"stage"},
				Notifications: &tenant.NotificationConfig{
					StageField:     "stage",
					RequiredFields: []string{"owner"},
					WatchingField:  "watchers",
				},
			},
			{Name: "Author", Fields: schema.Fields{{Name: "name", Kind: schema.KindString}}},
		},
	}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := miniredis.RunT(t)
	bus := changes.NewBusWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = bus.Close() })

	clock := &testClock{now: time.Date(2026, 10, 10, 18, 0, 0, 0, time.UTC)}
	registry, err := tenant.NewRegistry(context.Background(), tenant.RegistryConfig{
		Tenants:   testDefinitions(t),
		Publisher: bus,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	mailer := &recordingMailer{}
	service, err := NewService(Config{
		Registry:   registry,
		Subscriber: bus,
		Mailer:     mailer,
		Clock:      clock.Now,
		AppURL:     "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	t.Cleanup(service.Wait)
	return &fixture{registry: registry, bus: bus, service: service, clock: clock, mailer: mailer}
}

func (f *fixture) collection(t *testing.T, name string) *tenant.Collection {
	t.Helper()
	collection, err := f.registry.ResolveCollection("acme", name)
	if err != nil {
		t.Fatalf("resolve %s: %v", name, err)
	}
	return collection
}

func (f *fixture) insert(t *testing.T, collection, itemID string, fields map[string]any) {
	t.Helper()
	if _, err := f.collection(t, collection).Insert(context.Background(), itemID, fields); err != nil {
		t.Fatalf("insert %s/%s: %v", collection, itemID, err)
	}
}

func (f *fixture) record(t *testing.T, itemID string) tenant.Record {
	t.Helper()
	record, err := f.collection(t, "Article").FindOne(context.Background(), itemID, tenant.Projection{
		StateBlob:       true,
		VersionHistory:  true,
		MigrationBackup: true,
	})
	if err != nil {
		t.Fatalf("find %s: %v", itemID, err)
	}
	return record
}

func (f *fixture) load(t *testing.T, address Address) *liveDoc {
	t.Helper()
	state, err := f.service.Load(context.Background(), address)
	if err != nil {
		t.Fatalf("load %s: %v", address, err)
	}
	live := &liveDoc{doc: crdt.New("host")}
	if _, err := live.doc.ApplyUpdate(state, "load"); err != nil {
		t.Fatalf("apply loaded state: %v", err)
	}
	return live
}

func articleAddress() Address {
	return Address{Tenant: "acme", Collection: "Article", ItemID: articleID}
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}
