// Package documents keeps live collaborative documents consistent with their
// tenant records: first-touch loading, reference refresh, external-change
// watching, flushing with version history, and stage notifications.
package documents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"go.uber.org/zap"
)

const (
	// DefaultRetentionDays keeps version entries of the last three days unmerged.
	DefaultRetentionDays = 3

	ignoreBackupField = "ignoreBackup"
	loaderActor       = "docsync-loader"

	originHydrate = "docsync:hydrate"
	originRefresh = "docsync:refresh"
	originWatch   = "docsync:watch"
	originFlush   = "docsync:flush"
)

var errMissingRegistry = errors.New("documents: registry required")

// Live is the per-address serialization point of a live structure.
type Live interface {
	Do(ctx context.Context, fn func(*crdt.Doc)) error
}

// Subscriber opens per-item change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic changes.Topic, fields []string) (*changes.Subscription, error)
}

// Config wires a Service.
type Config struct {
	Registry      *tenant.Registry
	Subscriber    Subscriber
	Mailer        notify.Mailer
	Clock         func() time.Time
	Logger        *zap.Logger
	RetentionDays int
	// AppURL is the base of document links in notification mails.
	AppURL string
}

// Service implements the document lifecycle operations on top of the tenant
// registry.
type Service struct {
	registry   *tenant.Registry
	subscriber Subscriber
	mailer     notify.Mailer
	clock      func() time.Time
	logger     *zap.Logger
	retention  time.Duration
	appURL     string

	pending sync.WaitGroup
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Service{
		registry:   cfg.Registry,
		subscriber: cfg.Subscriber,
		mailer:     cfg.Mailer,
		clock:      clock,
		logger:     logger,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		appURL:     cfg.AppURL,
	}, nil
}

// Wait blocks until background backup, activity, and notification writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) resolve(operation string, address Address) (*tenant.Collection, error) {
	collection, err := s.registry.ResolveCollection(address.Tenant, address.Collection)
	if err != nil {
		s.logError(operation, reasonCollectionNotFound, err, identity(address)...)
		return nil, newServiceError(operation, reasonCollectionNotFound, err)
	}
	return collection, nil
}

// background runs fn detached from the caller and logs its failure.
func (s *Service) background(ctx context.Context, operation, reason string, address Address, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(detached); err != nil {
			s.logError(operation, reason, err, identity(address)...)
		}
	}()
}

func marshallerFor(collection *tenant.Collection) *schema.Marshaller {
	return schema.NewMarshaller(collection)
}
