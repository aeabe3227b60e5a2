package documents

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
)

func TestLoadFirstTouchHydratesAndBacksUpRecord(t *testing.T) {
	f := newFixture(t)
	original := map[string]any{"name": "Draft", "stage": 1}
	f.insert(t, "Article", articleID, original)

	live := f.load(t, articleAddress())
	f.service.Wait()

	extracted := schema.NewMarshaller(nil).Extract(live.doc, f.collection(t, "Article").Fields())
	if !reflect.DeepEqual(extracted, schema.NormalizeRecord(original)) {
		t.Fatalf("unexpected extracted record: %#v", extracted)
	}
	backup := map[string]any(f.record(t, articleID).MigrationBackup)
	if !reflect.DeepEqual(backup, schema.NormalizeRecord(original)) {
		t.Fatalf("unexpected migration backup: %#v", backup)
	}
}

func TestLoadHonorsIgnoreBackup(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Draft", "ignoreBackup": true})

	live := f.load(t, articleAddress())
	f.service.Wait()

	if len(f.record(t, articleID).MigrationBackup) != 0 {
		t.Fatalf("expected no migration backup")
	}
	if _, ok := live.get(ignoreBackupField); ok {
		t.Fatalf("ignoreBackup must not be hydrated")
	}
}

func TestLoadRestoresStateBlobWithoutHydration(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Structured", "stage": 1})

	persisted := crdt.New("earlier-host")
	if err := persisted.Set("name", "Persisted"); err != nil {
		t.Fatalf("set: %v", err)
	}
	state, err := persisted.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.collection(t, "Article").ApplyPatch(context.Background(), articleID, tenant.Patch{StateBlob: state}); err != nil {
		t.Fatalf("seed state blob: %v", err)
	}

	live := f.load(t, articleAddress())
	f.service.Wait()

	if name, _ := live.get("name"); name != "Persisted" {
		t.Fatalf("expected persisted state to win, got %#v", name)
	}
	if _, ok := live.get("stage"); ok {
		t.Fatalf("structured fields must not be hydrated when a state blob exists")
	}
	if len(f.record(t, articleID).MigrationBackup) != 0 {
		t.Fatalf("expected no backup write for a document with state")
	}
}

func TestLoadMissingRecordIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Load(context.Background(), articleAddress())
	if !errors.Is(err, tenant.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.load.record_not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestLoadUnknownCollectionIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Load(context.Background(), Address{Tenant: "acme", Collection: "Missing", ItemID: articleID})
	if !errors.Is(err, tenant.ErrCollectionNotFound) {
		t.Fatalf("expected collection not found, got %v", err)
	}
}

func TestLoadHistoricalVersion(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Draft", "stage": 1})
	live := f.load(t, articleAddress())
	f.service.Wait()
	if err := f.service.Flush(context.Background(), articleAddress(), live, FlushSession{}); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	live.set(t, "stage", 2)
	if err := f.service.Flush(context.Background(), articleAddress(), live, FlushSession{}); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	historical := articleAddress()
	historical.Version = 0
	historical.historical = true
	state, err := f.service.Load(context.Background(), historical)
	if err != nil {
		t.Fatalf("load version: %v", err)
	}
	doc := crdt.New("reader")
	if _, err := doc.ApplyUpdate(state, "load"); err != nil {
		t.Fatalf("apply version: %v", err)
	}
	if stage, _ := doc.Get("stage"); stage != float64(1) {
		t.Fatalf("expected first version to hold stage 1, got %#v", stage)
	}

	historical.Version = 5
	if _, err := f.service.Load(context.Background(), historical); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected version not found, got %v", err)
	}
}
