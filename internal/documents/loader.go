package documents

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
)

// Load returns the encoded state a fresh live structure starts from.
//
// A persisted state blob is authoritative and is returned without looking at
// the structured fields. Without one, the record is hydrated into a new
// structure and, unless the record carries ignoreBackup, its pre-hydration
// fields are saved once as the migration backup.
func (s *Service) Load(ctx context.Context, address Address) ([]byte, error) {
	collection, err := s.resolve(opLoad, address)
	if err != nil {
		return nil, err
	}
	record, err := collection.FindOne(ctx, address.ItemID, tenant.Projection{
		StateBlob:      true,
		VersionHistory: address.IsHistorical(),
	})
	if err != nil {
		return nil, newServiceError(opLoad, reasonRecordNotFound, err)
	}

	if address.IsHistorical() {
		return s.loadVersion(address, record)
	}
	if record.HasState() {
		return s.restore(address, record.StateBlob)
	}

	fields := record.FieldValues()
	ignoreBackup := popIgnoreBackup(fields)
	if !ignoreBackup {
		backup := record.FieldValues()
		s.background(ctx, opBackup, reasonWriteFailed, address, func(ctx context.Context) error {
			_, err := collection.ApplyPatch(ctx, address.ItemID, tenant.Patch{MigrationBackup: backup})
			return err
		})
	}

	doc := crdt.New(loaderActor)
	if _, err := marshallerFor(collection).Hydrate(ctx, doc, fields, collection.Fields(), schema.Options{Origin: originHydrate}); err != nil {
		s.logError(opLoad, reasonHydrateFailed, err, identity(address)...)
		return nil, newServiceError(opLoad, reasonHydrateFailed, err)
	}
	state, err := doc.EncodeState()
	if err != nil {
		return nil, newServiceError(opLoad, reasonEncodeFailed, err)
	}
	return state, nil
}

func (s *Service) restore(address Address, stateBlob []byte) ([]byte, error) {
	doc := crdt.New(loaderActor)
	if _, err := doc.ApplyUpdate(stateBlob, originHydrate); err != nil {
		s.logError(opLoad, reasonDecodeFailed, err, identity(address)...)
		return nil, newServiceError(opLoad, reasonDecodeFailed, err)
	}
	state, err := doc.EncodeState()
	if err != nil {
		return nil, newServiceError(opLoad, reasonEncodeFailed, err)
	}
	return state, nil
}

func (s *Service) loadVersion(address Address, record tenant.Record) ([]byte, error) {
	if address.Version >= len(record.VersionHistory) {
		return nil, newServiceError(opLoad, reasonVersionNotFound,
			fmt.Errorf("%w: %s has %d versions", ErrVersionNotFound, address, len(record.VersionHistory)))
	}
	snapshot, err := decompressSnapshot(record.VersionHistory[address.Version].Snapshot)
	if err != nil {
		s.logError(opLoad, reasonDecodeFailed, err, identity(address)...)
		return nil, newServiceError(opLoad, reasonDecodeFailed, err)
	}
	doc, err := crdt.FromSnapshot(loaderActor, snapshot)
	if err != nil {
		s.logError(opLoad, reasonDecodeFailed, err, identity(address)...)
		return nil, newServiceError(opLoad, reasonDecodeFailed, err)
	}
	state, err := doc.EncodeState()
	if err != nil {
		return nil, newServiceError(opLoad, reasonEncodeFailed, err)
	}
	return state, nil
}

func popIgnoreBackup(fields map[string]any) bool {
	value, ok := fields[ignoreBackupField]
	if !ok {
		return false
	}
	delete(fields, ignoreBackupField)
	flag, _ := value.(bool)
	return flag
}
