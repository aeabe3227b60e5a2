package documents

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"go.uber.org/zap"
)

// RefreshReferences rewrites denormalized reference fields of live whose
// embedded value no longer matches the referenced items. It must run after
// the initial load applied. Historical addresses are skipped.
func (s *Service) RefreshReferences(ctx context.Context, address Address, live Live) ([]string, error) {
	if address.IsHistorical() {
		return nil, nil
	}
	collection, err := s.resolve(opRefresh, address)
	if err != nil {
		return nil, err
	}
	references := collection.Fields().References()
	if len(references) == 0 {
		return nil, nil
	}
	record, err := collection.FindOne(ctx, address.ItemID, tenant.Projection{StateBlob: true})
	if err != nil {
		return nil, newServiceError(opRefresh, reasonRecordNotFound, err)
	}

	var (
		changed    []string
		hydrateErr error
	)
	marshaller := marshallerFor(collection)
	err = live.Do(ctx, func(doc *crdt.Doc) {
		changed, hydrateErr = marshaller.Hydrate(ctx, doc, record.FieldValues(), references,
			schema.Options{ReferencesOnly: true, Origin: originRefresh})
	})
	if err == nil {
		err = hydrateErr
	}
	if err != nil {
		s.logError(opRefresh, reasonHydrateFailed, err, identity(address)...)
		return nil, newServiceError(opRefresh, reasonHydrateFailed, err)
	}
	if len(changed) > 0 {
		s.logger.Debug("refreshed stale references", append(identity(address), zap.Strings("fields", changed))...)
	}
	return changed, nil
}
