package documents

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"go.uber.org/zap"
)

// Watch is an active external-change subscription for one live structure.
type Watch struct {
	subscription *changes.Subscription
	stop         chan struct{}
	stopped      chan struct{}
	once         sync.Once
}

// Close ends the subscription and waits for pending patches. Repeated calls
// are no-ops.
func (w *Watch) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.once.Do(func() {
		close(w.stop)
		if w.subscription != nil {
			err = w.subscription.Close()
		}
		<-w.stopped
	})
	return err
}

func closedWatch() *Watch {
	watch := &Watch{stop: make(chan struct{}), stopped: make(chan struct{})}
	close(watch.stopped)
	return watch
}

// Watch follows external writes to the watched field paths of the item and
// patches changed values into live. The record is diffed once right away to
// catch writes that happened before the subscription existed.
func (s *Service) Watch(ctx context.Context, address Address, live Live, watched []string) (*Watch, error) {
	if address.IsHistorical() || len(watched) == 0 || s.subscriber == nil {
		return closedWatch(), nil
	}
	collection, err := s.resolve(opWatch, address)
	if err != nil {
		return nil, err
	}
	fields := collection.Fields().Subset(watched)
	if len(fields) == 0 {
		return closedWatch(), nil
	}

	detached := context.WithoutCancel(ctx)
	subscription, err := s.subscriber.Subscribe(detached, address.topic(), watched)
	if err != nil {
		s.logError(opWatch, reasonSubscribeFailed, err, identity(address)...)
		return nil, newServiceError(opWatch, reasonSubscribeFailed, err)
	}
	watch := &Watch{
		subscription: subscription,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	if err := s.patchWatched(ctx, address, collection, live, fields); err != nil {
		s.logError(opWatch, reasonPatchFailed, err, identity(address)...)
	}
	go s.follow(detached, watch, address, collection, live, fields)
	return watch, nil
}

func (s *Service) follow(ctx context.Context, watch *Watch, address Address, collection *tenant.Collection, live Live, fields schema.Fields) {
	defer close(watch.stopped)
	events := watch.subscription.Events()
	failures := watch.subscription.Errors()
	for {
		select {
		case <-watch.stop:
			return
		case err, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			s.logError(opWatch, reasonNotificationFailed, err, identity(address)...)
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Origin == originFlush {
				continue
			}
			if err := s.patchWatched(ctx, address, collection, live, fields); err != nil {
				s.logError(opWatch, reasonPatchFailed, err, identity(address)...)
			}
		}
	}
}

// patchWatched hydrates the watched fields whose stored value differs from
// the live value. Other fields are left alone.
func (s *Service) patchWatched(ctx context.Context, address Address, collection *tenant.Collection, live Live, fields schema.Fields) error {
	record, err := collection.FindOne(ctx, address.ItemID, tenant.Projection{})
	if err != nil {
		return err
	}
	stored := schema.NormalizeRecord(record.FieldValues())

	var (
		changed    []string
		hydrateErr error
	)
	marshaller := marshallerFor(collection)
	err = live.Do(ctx, func(doc *crdt.Doc) {
		current := marshaller.Extract(doc, fields)
		stale := make(schema.Fields, 0, len(fields))
		for _, field := range fields {
			if !schema.Equal(current[field.Name], stored[field.Name]) {
				stale = append(stale, field)
			}
		}
		if len(stale) == 0 {
			return
		}
		changed, hydrateErr = marshaller.Hydrate(ctx, doc, stored, stale, schema.Options{Origin: originWatch})
	})
	if err != nil {
		return err
	}
	if hydrateErr != nil {
		return hydrateErr
	}
	if len(changed) > 0 {
		s.logger.Debug("patched external changes", append(identity(address), zap.Strings("fields", changed))...)
	}
	return nil
}
