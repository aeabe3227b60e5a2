package documents

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
)

type stubAuthenticator struct {
	identity auth.Identity
	err      error
	requests []auth.ConnectRequest
}

func (a *stubAuthenticator) Authenticate(_ context.Context, request auth.ConnectRequest) (auth.Identity, error) {
	a.requests = append(a.requests, request)
	return a.identity, a.err
}

func mustHooks(t *testing.T, f *fixture, authenticator Authenticator, lifetime time.Duration) *Hooks {
	t.Helper()
	hooks, err := NewHooks(HooksConfig{Service: f.service, Authenticator: authenticator, SessionLifetime: lifetime})
	if err != nil {
		t.Fatalf("new hooks: %v", err)
	}
	return hooks
}

func denyStatus(err error) int {
	var deny *collab.DenyError
	if errors.As(err, &deny) {
		return deny.Status
	}
	return 0
}

func TestOnConnectMapsAuthenticationFailures(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "unauthorized", err: auth.ErrUnauthorized, status: http.StatusUnauthorized},
		{name: "forbidden", err: auth.ErrForbidden, status: http.StatusForbidden},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			hooks := mustHooks(t, f, &stubAuthenticator{err: testCase.err}, 0)
			err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: articleAddress().String()}, collab.NewSession())
			if denyStatus(err) != testCase.status {
				t.Fatalf("expected status %d, got %v", testCase.status, err)
			}
		})
	}
}

func TestOnConnectPassesAddressAndBoundsLifetime(t *testing.T) {
	f := newFixture(t)
	authenticator := &stubAuthenticator{identity: auth.Identity{Actor: "U1"}}
	hooks := mustHooks(t, f, authenticator, 20*time.Millisecond)
	session := collab.NewSession()

	err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: articleAddress().String(), Token: "token"}, session)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.Actor() != "U1" {
		t.Fatalf("expected actor to be set, got %q", session.Actor())
	}
	request := authenticator.requests[0]
	if request.Tenant != "acme" || request.Collection != "Article" || request.ItemID != articleID || request.Token != "token" {
		t.Fatalf("unexpected authentication request: %#v", request)
	}
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected session to be terminated after its lifetime")
	}
}

func TestFetchDeniesMissingRecord(t *testing.T) {
	f := newFixture(t)
	hooks := mustHooks(t, f, &stubAuthenticator{}, 0)
	if _, err := hooks.Fetch(context.Background(), articleAddress().String()); denyStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 denial, got %v", err)
	}
}

func mustHost(t *testing.T, hooks *Hooks) *collab.Host {
	t.Helper()
	host, err := collab.NewHost(collab.Config{Extension: hooks})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return host
}

func mustJoin(t *testing.T, hooks *Hooks, host *collab.Host) (*collab.Document, *collab.Session) {
	t.Helper()
	name := articleAddress().String()
	session := collab.NewSession()
	if err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: name}, session); err != nil {
		t.Fatalf("connect: %v", err)
	}
	document, err := host.Attach(context.Background(), name, session)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return document, session
}

func mustSetStage(t *testing.T, document *collab.Document, stage int) {
	t.Helper()
	if err := document.Do(context.Background(), func(doc *crdt.Doc) {
		if err := doc.Set("stage", stage); err != nil {
			t.Errorf("set stage: %v", err)
		}
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func leave(host *collab.Host, document *collab.Document, session *collab.Session) {
	session.Terminate()
	host.Detach(context.Background(), document, session)
}

func TestCheckpointSurvivesRestartWithWatchedField(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Draft", "stage": 1})
	hooks := mustHooks(t, f, &stubAuthenticator{identity: auth.Identity{Actor: "U1"}}, time.Minute)
	host := mustHost(t, hooks)
	document, session := mustJoin(t, hooks, host)
	mustSetStage(t, document, 2)

	if err := hooks.Store(context.Background(), articleAddress().String(), document); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	record := f.record(t, articleID)
	if record.Fields["stage"] != float64(2) {
		t.Fatalf("expected checkpoint to write the watched field back, got %#v", record.Fields["stage"])
	}
	if len(record.History) != 0 {
		t.Fatalf("checkpoints must not push history, got %#v", record.History)
	}

	restartedHooks := mustHooks(t, f, &stubAuthenticator{identity: auth.Identity{Actor: "U2"}}, time.Minute)
	restartedHost := mustHost(t, restartedHooks)
	reloaded, reader := mustJoin(t, restartedHooks, restartedHost)
	stage, _ := reloaded.Doc().Get("stage")
	if stage != float64(2) {
		t.Fatalf("expected checkpointed stage after restart, got %#v", stage)
	}

	leave(restartedHost, reloaded, reader)
	leave(host, document, session)
	f.service.Wait()
}

func TestActorlessSessionEditSurvivesReconnect(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Draft", "stage": 1})
	hooks := mustHooks(t, f, &stubAuthenticator{}, time.Minute)
	host := mustHost(t, hooks)
	document, session := mustJoin(t, hooks, host)
	mustSetStage(t, document, 2)
	session.MarkModified()
	leave(host, document, session)
	f.service.Wait()

	record := f.record(t, articleID)
	if record.Fields["stage"] != float64(2) || len(record.History) != 0 {
		t.Fatalf("expected stage written back without history, got %#v %#v", record.Fields["stage"], record.History)
	}

	reloaded, reconnect := mustJoin(t, hooks, host)
	stage, _ := reloaded.Doc().Get("stage")
	if stage != float64(2) {
		t.Fatalf("expected flushed stage on reconnect, got %#v", stage)
	}
	leave(host, reloaded, reconnect)
}

func TestOnConnectRegistersUserProfile(t *testing.T) {
	f := newFixture(t)
	identity := auth.Identity{Actor: "U7", Email: "ada@example.com", DisplayName: "Ada"}
	hooks := mustHooks(t, f, &stubAuthenticator{identity: identity}, time.Minute)
	session := collab.NewSession()
	if err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: articleAddress().String()}, session); err != nil {
		t.Fatalf("connect: %v", err)
	}
	session.Terminate()

	found, err := f.collection(t, "Article").LookupUsers(context.Background(), []string{"U7"})
	if err != nil {
		t.Fatalf("lookup users: %v", err)
	}
	if len(found) != 1 || found[0].Email != "ada@example.com" || found[0].Name() != "Ada" {
		t.Fatalf("expected registered profile, got %#v", found)
	}
}

func TestOnConnectSkipsOverrideIdentity(t *testing.T) {
	f := newFixture(t)
	identity := auth.Identity{Actor: auth.SystemActor, Override: true, Email: "ops@example.com"}
	hooks := mustHooks(t, f, &stubAuthenticator{identity: identity}, time.Minute)
	session := collab.NewSession()
	if err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: articleAddress().String()}, session); err != nil {
		t.Fatalf("connect: %v", err)
	}
	session.Terminate()

	found, err := f.collection(t, "Article").LookupUsers(context.Background(), []string{auth.SystemActor})
	if err != nil {
		t.Fatalf("lookup users: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("override sessions must not be registered, got %#v", found)
	}
}

func TestHostedSessionFlushesModificationOnDisconnect(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "Article", articleID, map[string]any{"name": "Draft", "stage": 1})
	hooks := mustHooks(t, f, &stubAuthenticator{identity: auth.Identity{Actor: "U1"}}, time.Minute)
	host, err := collab.NewHost(collab.Config{Extension: hooks})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	name := articleAddress().String()
	session := collab.NewSession()
	if err := hooks.OnConnect(context.Background(), collab.ConnectRequest{Name: name}, session); err != nil {
		t.Fatalf("connect: %v", err)
	}
	document, err := host.Attach(context.Background(), name, session)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	session.SetAwareness(map[string]any{"name": "Ada", "color": "#f00", "sessionId": session.ID(), "photo": ""})

	if err := document.Do(context.Background(), func(doc *crdt.Doc) {
		if err := doc.Set("stage", 2); err != nil {
			t.Errorf("set stage: %v", err)
		}
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	session.MarkModified()
	session.Terminate()
	host.Detach(context.Background(), document, session)
	f.service.Wait()

	record := f.record(t, articleID)
	if len(record.History) != 1 || record.History[0].Actor != "U1" {
		t.Fatalf("expected one modified history entry by U1, got %#v", record.History)
	}
	activity, err := f.collection(t, "Article").Activity(context.Background(), articleID)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(activity) != 1 || !reflect.DeepEqual(map[string]any(activity[0].Updated), map[string]any{"stage": float64(2)}) {
		t.Fatalf("expected one activity entry updating stage to 2, got %#v", activity)
	}
	if len(record.VersionHistory) != 1 || len(record.VersionHistory[0].Participants) != 1 {
		t.Fatalf("expected one version with the leaving participant, got %#v", record.VersionHistory)
	}

	hooks.mu.Lock()
	remaining := len(hooks.watches)
	hooks.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected watch to be closed on unload, %d remain", remaining)
	}

	reconnect := collab.NewSession()
	reloaded, err := host.Attach(context.Background(), name, reconnect)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	stage, _ := reloaded.Doc().Get("stage")
	if stage != float64(2) {
		t.Fatalf("expected persisted state on reconnect, got %#v", stage)
	}
	reconnect.Terminate()
	host.Detach(context.Background(), reloaded, reconnect)
}
