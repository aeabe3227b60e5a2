package schema

import (
	"context"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
)

type stubResolver struct {
	labels map[string]any
	calls  int
}

func (r *stubResolver) ResolveReferences(_ context.Context, _ string, ids []string, _ string) (map[string]any, error) {
	r.calls++
	resolved := make(map[string]any, len(ids))
	for _, id := range ids {
		if label, ok := r.labels[id]; ok {
			resolved[id] = label
		}
	}
	return resolved, nil
}

func articleFields() Fields {
	return Fields{
		{Name: "name", Kind: KindString},
		{Name: "stage", Kind: KindNumber},
		{Name: "meta", Kind: KindJSON},
		{Name: "author", Kind: KindReference, Target: "User", Label: "name"},
		{Name: "_secret", Kind: KindString},
	}
}

func TestHydrateThenExtractRoundTripsPlainFields(t *testing.T) {
	marshaller := NewMarshaller(nil)
	doc := crdt.New("server")
	record := map[string]any{
		"name":    "Draft",
		"stage":   1,
		"meta":    map[string]any{"tags": []string{"a", "b"}},
		"_secret": "hidden",
	}

	changed, err := marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{})
	if err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"meta", "name", "stage"}) {
		t.Fatalf("unexpected changed fields: %v", changed)
	}

	extracted := marshaller.Extract(doc, articleFields())
	expected := NormalizeRecord(map[string]any{
		"name":  "Draft",
		"stage": 1,
		"meta":  map[string]any{"tags": []string{"a", "b"}},
	})
	if !reflect.DeepEqual(extracted, expected) {
		t.Fatalf("round trip mismatch: got %#v want %#v", extracted, expected)
	}
}

func TestHydrateSkipsUnchangedValues(t *testing.T) {
	marshaller := NewMarshaller(nil)
	doc := crdt.New("server")
	record := map[string]any{"name": "Draft", "stage": 1}

	if _, err := marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{}); err != nil {
		t.Fatalf("first hydrate failed: %v", err)
	}
	updates := 0
	doc.Observe(func([]byte, string) { updates++ })

	changed, err := marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{})
	if err != nil {
		t.Fatalf("second hydrate failed: %v", err)
	}
	if len(changed) != 0 || updates != 0 {
		t.Fatalf("expected no changes, got %v with %d updates", changed, updates)
	}
}

func TestHydrateRemovesFieldsMissingFromRecord(t *testing.T) {
	marshaller := NewMarshaller(nil)
	doc := crdt.New("server")
	if _, err := marshaller.Hydrate(context.Background(), doc, map[string]any{"name": "Draft", "stage": 1}, articleFields(), Options{}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}

	changed, err := marshaller.Hydrate(context.Background(), doc, map[string]any{"name": "Draft"}, articleFields(), Options{})
	if err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"stage"}) {
		t.Fatalf("unexpected changed fields: %v", changed)
	}
	if _, ok := doc.Get("stage"); ok {
		t.Fatalf("expected stage to be removed")
	}
}

func TestHydrateEmbedsResolvedReferences(t *testing.T) {
	resolver := &stubResolver{labels: map[string]any{"u1": "Ada"}}
	marshaller := NewMarshaller(resolver)
	doc := crdt.New("server")

	if _, err := marshaller.Hydrate(context.Background(), doc, map[string]any{"author": "u1"}, articleFields(), Options{}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	embedded, _ := doc.Get("author")
	if !Equal(embedded, Reference{ID: "u1", Label: "Ada"}) {
		t.Fatalf("unexpected embedded reference: %#v", embedded)
	}
	if extracted := marshaller.Extract(doc, articleFields()); extracted["author"] != "u1" {
		t.Fatalf("expected reference to extract as id, got %#v", extracted["author"])
	}
}

func TestReferencesOnlyRewritesStaleEntries(t *testing.T) {
	resolver := &stubResolver{labels: map[string]any{"u1": "Ada"}}
	marshaller := NewMarshaller(resolver)
	doc := crdt.New("server")
	record := map[string]any{"name": "Draft", "author": "u1"}
	if _, err := marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if err := doc.Set("name", "Edited"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	changed, err := marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{ReferencesOnly: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected fresh references to be left alone, got %v", changed)
	}

	resolver.labels["u1"] = "Ada Lovelace"
	changed, err = marshaller.Hydrate(context.Background(), doc, record, articleFields(), Options{ReferencesOnly: true})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"author"}) {
		t.Fatalf("expected only author to change, got %v", changed)
	}
	name, _ := doc.Get("name")
	if name != "Edited" {
		t.Fatalf("expected non-reference field to be untouched, got %v", name)
	}
}

func TestSubsetMatchesNestedPaths(t *testing.T) {
	subset := articleFields().Subset([]string{"meta.tags", "stage"})
	if !reflect.DeepEqual(subset.Names(), []string{"stage", "meta"}) {
		t.Fatalf("unexpected subset: %v", subset.Names())
	}
}

func TestMergeKeepsBaseFieldOnConflict(t *testing.T) {
	base := Fields{{Name: "published", Kind: KindString}}
	merged := base.Merge(Fields{{Name: "published", Kind: KindBoolean}, {Name: "published_at", Kind: KindString}})
	if len(merged) != 2 || merged[0].Kind != KindString {
		t.Fatalf("unexpected merge result: %#v", merged)
	}
}
