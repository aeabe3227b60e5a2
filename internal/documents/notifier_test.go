package documents

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/users"
)

func seedWatchers(t *testing.T, f *fixture) {
	t.Helper()
	directory := f.collection(t, "Article").Users()
	for _, user := range []users.User{
		{UserID: "u-owner", Email: "owner@example.com", DisplayName: "Owner"},
		{UserID: "u-fan", Email: "fan@example.com", DisplayName: "Fan"},
	} {
		if err := directory.Upsert(context.Background(), user); err != nil {
			t.Fatalf("upsert %s: %v", user.UserID, err)
		}
	}
}

func TestMaybeNotifySendsStandardAndMandatoryBodies(t *testing.T) {
	f := newFixture(t)
	seedWatchers(t, f)
	fields := map[string]any{
		"name":     "Draft",
		"stage":    2,
		"owner":    "u-owner",
		"watchers": []any{"u-owner", "google:u-fan"},
	}

	if err := f.service.MaybeNotify(context.Background(), articleAddress(), fields, float64(1), "U1"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	sent := f.mailer.sent()
	if len(sent) != 2 {
		t.Fatalf("expected two messages, got %d", len(sent))
	}
	if !reflect.DeepEqual(sent[0].To, []string{"fan@example.com"}) {
		t.Fatalf("opt-in watchers must exclude mandatory ones, got %v", sent[0].To)
	}
	if !reflect.DeepEqual(sent[1].To, []string{"owner@example.com"}) {
		t.Fatalf("unexpected mandatory recipients: %v", sent[1].To)
	}
	if sent[0].HTML == sent[1].HTML {
		t.Fatalf("expected distinct standard and mandatory bodies")
	}
	if !strings.Contains(sent[0].HTML, "https://app.example.com/acme/Article/"+articleID) {
		t.Fatalf("expected document link in body")
	}
}

func TestMaybeNotifyIgnoresUnchangedOrUnsetStage(t *testing.T) {
	f := newFixture(t)
	seedWatchers(t, f)
	fields := map[string]any{"name": "Draft", "stage": 1, "owner": "u-owner"}

	if err := f.service.MaybeNotify(context.Background(), articleAddress(), fields, float64(1), "U1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	delete(fields, "stage")
	if err := f.service.MaybeNotify(context.Background(), articleAddress(), fields, float64(1), "U1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sent := f.mailer.sent(); len(sent) != 0 {
		t.Fatalf("expected no messages, got %d", len(sent))
	}
}
