package documents

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/users"
	"go.uber.org/zap"
)

// Authenticator decides whether a connection may attach to an item.
type Authenticator interface {
	Authenticate(ctx context.Context, request auth.ConnectRequest) (auth.Identity, error)
}

// HooksConfig wires Hooks.
type HooksConfig struct {
	Service         *Service
	Authenticator   Authenticator
	SessionLifetime time.Duration
	Logger          *zap.Logger
}

// Hooks drives a collab.Host with the document lifecycle of a Service.
type Hooks struct {
	service       *Service
	authenticator Authenticator
	lifetime      time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	watches map[*collab.Document]*Watch
}

var errMissingHookDependency = errors.New("documents: hooks require a service and an authenticator")

// NewHooks constructs Hooks.
func NewHooks(cfg HooksConfig) (*Hooks, error) {
	if cfg.Service == nil || cfg.Authenticator == nil {
		return nil, errMissingHookDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime := cfg.SessionLifetime
	if lifetime <= 0 {
		lifetime = auth.DefaultSessionLifetime
	}
	return &Hooks{
		service:       cfg.Service,
		authenticator: cfg.Authenticator,
		lifetime:      lifetime,
		logger:        logger,
		watches:       make(map[*collab.Document]*Watch),
	}, nil
}

// OnUpgrade rejects names that are not document addresses.
func (h *Hooks) OnUpgrade(_ *http.Request, name string) error {
	if _, err := ParseAddress(name); err != nil {
		return collab.Deny(http.StatusBadRequest, err)
	}
	return nil
}

// OnConnect authenticates the session and bounds its lifetime.
func (h *Hooks) OnConnect(ctx context.Context, request collab.ConnectRequest, session *collab.Session) error {
	address, err := ParseAddress(request.Name)
	if err != nil {
		return collab.Deny(http.StatusBadRequest, err)
	}
	identity, err := h.authenticator.Authenticate(ctx, auth.ConnectRequest{
		Tenant:     address.Tenant,
		Collection: address.Collection,
		ItemID:     address.ItemID,
		Token:      request.Token,
		Cookie:     request.Cookie,
	})
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return collab.Deny(http.StatusForbidden, err)
	case err != nil:
		return collab.Deny(http.StatusUnauthorized, err)
	}

	session.SetActor(identity.Actor)
	guard := auth.StartLifetimeGuard(h.lifetime, session.Terminate)
	session.OnClose(guard.Stop)
	if err := h.registerUser(ctx, address, identity); err != nil {
		h.logHookError(address, "register_user", err)
	}
	return nil
}

// registerUser keeps the tenant user directory current so stage notifications
// can reach the people who edit documents.
func (h *Hooks) registerUser(ctx context.Context, address Address, identity auth.Identity) error {
	if identity.Override || identity.Actor == "" || identity.Email == "" {
		return nil
	}
	collection, err := h.service.registry.ResolveCollection(address.Tenant, address.Collection)
	if err != nil {
		return err
	}
	return collection.Users().Upsert(ctx, users.User{
		UserID:      identity.Actor,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	})
}

// Fetch loads the initial state. A missing collection or record refuses the
// session with 404.
func (h *Hooks) Fetch(ctx context.Context, name string) ([]byte, error) {
	address, err := ParseAddress(name)
	if err != nil {
		return nil, collab.Deny(http.StatusBadRequest, err)
	}
	state, err := h.service.Load(ctx, address)
	if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, ErrVersionNotFound) {
		return nil, collab.Deny(http.StatusNotFound, err)
	}
	return state, err
}

// AfterLoadDocument refreshes references and starts watching external changes.
func (h *Hooks) AfterLoadDocument(ctx context.Context, name string, document *collab.Document) error {
	address, err := ParseAddress(name)
	if err != nil {
		return err
	}
	if _, err := h.service.RefreshReferences(ctx, address, document); err != nil {
		h.logHookError(address, "refresh", err)
	}
	collection, err := h.service.resolve(opHooks, address)
	if err != nil {
		return err
	}
	watch, err := h.service.Watch(ctx, address, document, collection.WatchFields())
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.watches[document] = watch
	h.mu.Unlock()
	return nil
}

// Store writes a checkpoint without modification metadata.
func (h *Hooks) Store(ctx context.Context, name string, document *collab.Document) error {
	address, err := ParseAddress(name)
	if err != nil || address.IsHistorical() {
		return err
	}
	return h.service.Flush(ctx, address, document, FlushSession{Awareness: document.Awareness()})
}

// OnDisconnect flushes with the leaving session's actor and modified flag.
func (h *Hooks) OnDisconnect(ctx context.Context, name string, document *collab.Document, session *collab.Session) error {
	address, err := ParseAddress(name)
	if err != nil || address.IsHistorical() {
		return err
	}
	awareness := document.Awareness()
	if state := session.Awareness(); state != nil {
		awareness = append(awareness, state)
	}
	return h.service.Flush(ctx, address, document, FlushSession{
		Actor:     session.Actor(),
		Modified:  session.Modified(),
		Awareness: awareness,
	})
}

// AfterUnloadDocument closes the external-change subscription of the
// destroyed structure.
func (h *Hooks) AfterUnloadDocument(_ context.Context, _ string, document *collab.Document) error {
	h.mu.Lock()
	watch := h.watches[document]
	delete(h.watches, document)
	h.mu.Unlock()
	return watch.Close()
}

func (h *Hooks) logHookError(address Address, hook string, err error) {
	h.logger.Error("document hook error", append(identity(address),
		zap.String("operation", opHooks),
		zap.String("reason", reasonHookFailed),
		zap.String("hook", hook),
		zap.Error(err))...)
}
