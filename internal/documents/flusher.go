package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"go.uber.org/zap"
)

const historyTypeModified = "modified"

// FlushSession describes who is flushing and what they did.
type FlushSession struct {
	// Actor is the user id of the leaving session. Empty for checkpoints.
	Actor string
	// Modified is set when the session changed the document.
	Modified bool
	// Awareness holds the presence states to store as version participants.
	Awareness []map[string]any
}

func (f FlushSession) recordsModification() bool {
	return f.Actor != "" && f.Modified
}

// Flush persists live into the record: the full state blob, one version
// entry with old versions coalesced per day, and any structured fields that
// drifted from the live values. When the session modified the document, a
// history entry is pushed and an activity entry and stage notification
// follow in the background.
func (s *Service) Flush(ctx context.Context, address Address, live Live, session FlushSession) error {
	if address.IsHistorical() {
		return newServiceError(opFlush, reasonReadOnly, ErrReadOnly)
	}
	collection, err := s.resolve(opFlush, address)
	if err != nil {
		return err
	}
	record, err := collection.FindOne(ctx, address.ItemID, tenant.Projection{})
	if err != nil {
		s.logError(opFlush, reasonRecordNotFound, err, identity(address)...)
		return newServiceError(opFlush, reasonRecordNotFound, err)
	}

	var (
		state     []byte
		snapshot  []byte
		extracted map[string]any
		encodeErr error
	)
	fields := collection.Fields()
	marshaller := marshallerFor(collection)
	err = live.Do(ctx, func(doc *crdt.Doc) {
		state, encodeErr = doc.EncodeState()
		if encodeErr != nil {
			return
		}
		snapshot, encodeErr = doc.Snapshot()
		if encodeErr != nil {
			return
		}
		extracted = marshaller.Extract(doc, fields)
	})
	if err == nil {
		err = encodeErr
	}
	if err != nil {
		s.logError(opFlush, reasonEncodeFailed, err, identity(address)...)
		return newServiceError(opFlush, reasonEncodeFailed, err)
	}

	participants, dropped := participantsFrom(session.Awareness)
	for _, malformed := range dropped {
		s.logger.Warn("discarded awareness participant",
			append(identity(address), zap.String("operation", opAwareness), zap.String("reason", reasonMalformed), zap.Error(malformed))...)
	}

	now := s.clock().UTC()
	patch := tenant.Patch{
		StateBlob: state,
		PushVersion: &tenant.VersionEntry{
			Snapshot:     compressSnapshot(snapshot),
			Timestamp:    now,
			Participants: participants,
		},
		CompactVersions: func(entries []tenant.VersionEntry) []tenant.VersionEntry {
			return compactVersions(entries, now, s.retention)
		},
		Origin: originFlush,
	}

	// Fields are written back on every flush so a reload never finds the
	// record behind the state blob.
	diff := diffFields(fields, record.FieldValues(), extracted)
	if !diff.empty() {
		patch.SetFields = diff.set()
		patch.UnsetFields = diff.unset()
	}
	if session.recordsModification() {
		patch.PushHistory = &tenant.HistoryEntry{Type: historyTypeModified, Actor: session.Actor, At: now}
	}

	if _, err := collection.ApplyPatch(ctx, address.ItemID, patch); err != nil {
		s.logError(opFlush, reasonWriteFailed, err, identity(address)...)
		return newServiceError(opFlush, reasonWriteFailed, err)
	}
	if !session.recordsModification() {
		return nil
	}

	entry := tenant.ActivityEntry{
		Name:           documentName(record, address),
		Type:           historyTypeModified,
		ItemID:         address.ItemID,
		ParticipantIDs: []string{session.Actor},
		At:             now,
		Added:          diff.Added,
		Deleted:        diff.Deleted,
		Updated:        diff.Updated,
	}
	var previousStage any
	if config := collection.Notifications(); config != nil {
		previousStage = record.Fields[config.StageField]
	}
	s.background(ctx, opActivity, reasonWriteFailed, address, func(ctx context.Context) error {
		activityErr := collection.AppendActivity(ctx, entry)
		notifyErr := s.MaybeNotify(ctx, address, extracted, previousStage, session.Actor)
		return errors.Join(activityErr, notifyErr)
	})
	return nil
}

func documentName(record tenant.Record, address Address) string {
	if name, ok := record.Fields["name"]; ok && name != nil {
		if text := fmt.Sprint(name); text != "" {
			return text
		}
	}
	return address.ItemID
}
