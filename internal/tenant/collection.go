package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldsColumn      = "fields"
	defaultLabelField = "name"
	queryCollection   = "collection = ?"
	queryItemID       = "item_id = ?"
	queryItemIDIn     = "item_id IN ?"
)

// Collection is a handle on one tenant collection. Every point read and write
// goes through the collection's One accessor.
type Collection struct {
	tenant        *tenantState
	name          string
	accessor      Accessor
	fields        schema.Fields
	watchFields   []string
	notifications *NotificationConfig
}

// Tenant returns the owning tenant name.
func (c *Collection) Tenant() string {
	return c.tenant.name
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Fields returns the merged field schema.
func (c *Collection) Fields() schema.Fields {
	return append(schema.Fields(nil), c.fields...)
}

// Accessor returns the lookup keys.
func (c *Collection) Accessor() Accessor {
	return c.accessor
}

// WatchFields returns the field paths live sessions follow for external changes.
func (c *Collection) WatchFields() []string {
	return append([]string(nil), c.watchFields...)
}

// Notifications returns the watcher notification settings, or nil.
func (c *Collection) Notifications() *NotificationConfig {
	return c.notifications
}

// FindOne loads the record addressed by itemID through the One accessor.
func (c *Collection) FindOne(ctx context.Context, itemID string, projection Projection) (Record, error) {
	query, err := c.scope(c.tenant.db.WithContext(ctx), c.accessor.One, itemID)
	if err != nil {
		return Record{}, newServiceError(opFindOne, reasonInvalidItemID, err)
	}
	var record Record
	err = query.Select(projection.columns()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opFindOne, reasonRecordNotFound,
			fmt.Errorf("%w: %s.%s.%s", ErrRecordNotFound, c.tenant.name, c.name, itemID))
	}
	if err != nil {
		logError(c.tenant.logger, opFindOne, reasonQueryFailed, err, c.identity(itemID)...)
		return Record{}, newServiceError(opFindOne, reasonQueryFailed, err)
	}
	return record, nil
}

// FindMany loads the records addressed by ids through the Many accessor.
// Unknown ids are skipped.
func (c *Collection) FindMany(ctx context.Context, ids []string) ([]Record, error) {
	key := c.accessor.Many
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		value, err := key.Coerce(id)
		if err != nil {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, nil
	}

	query := c.tenant.db.WithContext(ctx).Model(&Record{}).Where(queryCollection, c.name)
	if key.Key == DefaultAccessorKey {
		itemIDs := make([]string, 0, len(values))
		for _, value := range values {
			itemIDs = append(itemIDs, fmt.Sprint(value))
		}
		query = query.Where(queryItemIDIn, itemIDs)
	} else {
		conditions := make([]clause.Expression, 0, len(values))
		for _, value := range values {
			conditions = append(conditions, datatypes.JSONQuery(fieldsColumn).Equals(value, key.Key))
		}
		query = query.Where(clause.Or(conditions...))
	}

	var records []Record
	if err := query.Select(Projection{}.columns()).Find(&records).Error; err != nil {
		logError(c.tenant.logger, opFindMany, reasonQueryFailed, err,
			zap.String(fieldTenant, c.tenant.name), zap.String(fieldCollection, c.name))
		return nil, newServiceError(opFindMany, reasonQueryFailed, err)
	}
	return records, nil
}

// Insert stores a new record. When the One accessor is a structured field, the
// item id is written into that field and the record receives a generated id.
func (c *Collection) Insert(ctx context.Context, itemID string, fields map[string]any) (Record, error) {
	key := c.accessor.One
	value, err := key.Coerce(itemID)
	if err != nil {
		return Record{}, newServiceError(opInsert, reasonInvalidItemID, err)
	}

	values := datatypes.JSONMap(schema.NormalizeRecord(fields))
	recordID := fmt.Sprint(value)
	if key.Key != DefaultAccessorKey {
		values[key.Key] = schema.Normalize(value)
		generated, err := uuid.NewV7()
		if err != nil {
			return Record{}, newServiceError(opInsert, reasonInsertFailed, err)
		}
		recordID = generated.String()
	}

	now := c.tenant.clock().UTC().Unix()
	record := Record{
		Collection:       c.name,
		ItemID:           recordID,
		Fields:           values,
		History:          datatypes.JSONSlice[HistoryEntry]{},
		VersionHistory:   datatypes.JSONSlice[VersionEntry]{},
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := c.tenant.db.WithContext(ctx).Create(&record).Error; err != nil {
		logError(c.tenant.logger, opInsert, reasonInsertFailed, err, c.identity(itemID)...)
		return Record{}, newServiceError(opInsert, reasonInsertFailed, err)
	}
	return record, nil
}

// UpdateFields writes structured field values and announces the changed paths
// to live watchers.
func (c *Collection) UpdateFields(ctx context.Context, itemID string, set map[string]any, unset []string) (Record, error) {
	return c.ApplyPatch(ctx, itemID, Patch{SetFields: set, UnsetFields: unset})
}

// ApplyPatch runs a locked read-modify-write of the record addressed by itemID.
// A change notification is published after commit when structured fields changed.
func (c *Collection) ApplyPatch(ctx context.Context, itemID string, patch Patch) (Record, error) {
	var (
		updated       Record
		changedFields []string
	)
	transactionErr := c.tenant.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query, err := c.scope(tx.Clauses(clause.Locking{Strength: "UPDATE"}), c.accessor.One, itemID)
		if err != nil {
			return newServiceError(opApplyPatch, reasonInvalidItemID, err)
		}
		var record Record
		err = query.Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opApplyPatch, reasonRecordNotFound,
				fmt.Errorf("%w: %s.%s.%s", ErrRecordNotFound, c.tenant.name, c.name, itemID))
		}
		if err != nil {
			logError(c.tenant.logger, opApplyPatch, reasonQueryFailed, err, c.identity(itemID)...)
			return newServiceError(opApplyPatch, reasonQueryFailed, err)
		}

		changedFields = applyPatch(&record, patch)
		record.UpdatedAtSeconds = c.tenant.clock().UTC().Unix()
		if err := tx.Save(&record).Error; err != nil {
			logError(c.tenant.logger, opApplyPatch, reasonSaveFailed, err, c.identity(itemID)...)
			return newServiceError(opApplyPatch, reasonSaveFailed, err)
		}
		updated = record
		return nil
	})
	if transactionErr != nil {
		return Record{}, transactionErr
	}

	if len(changedFields) > 0 {
		c.publish(ctx, itemID, changedFields, patch.Origin)
	}
	return updated, nil
}

func applyPatch(record *Record, patch Patch) []string {
	if patch.StateBlob != nil {
		record.StateBlob = append([]byte(nil), patch.StateBlob...)
	}
	if patch.PushVersion != nil {
		record.VersionHistory = append(record.VersionHistory, *patch.PushVersion)
	}
	if patch.CompactVersions != nil {
		record.VersionHistory = patch.CompactVersions(record.VersionHistory)
	}
	if patch.PushHistory != nil {
		record.History = append(record.History, *patch.PushHistory)
	}
	if len(record.MigrationBackup) == 0 && len(patch.MigrationBackup) > 0 {
		record.MigrationBackup = datatypes.JSONMap(schema.NormalizeRecord(patch.MigrationBackup))
	}
	if !patch.touchesFields() {
		return nil
	}

	if record.Fields == nil {
		record.Fields = datatypes.JSONMap{}
	}
	changed := make([]string, 0, len(patch.SetFields)+len(patch.UnsetFields))
	for name, value := range patch.SetFields {
		normalized := schema.Normalize(value)
		if current, ok := record.Fields[name]; ok && schema.Equal(current, normalized) {
			continue
		}
		record.Fields[name] = normalized
		changed = append(changed, name)
	}
	for _, name := range patch.UnsetFields {
		if _, ok := record.Fields[name]; !ok {
			continue
		}
		delete(record.Fields, name)
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}

// AppendActivity writes an entry to the tenant activity log.
func (c *Collection) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	if entry.ID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return newServiceError(opAppendActivity, reasonInsertFailed, err)
		}
		entry.ID = generated.String()
	}
	entry.Collection = c.name
	if entry.At.IsZero() {
		entry.At = c.tenant.clock().UTC()
	}
	if err := c.tenant.db.WithContext(ctx).Create(&entry).Error; err != nil {
		logError(c.tenant.logger, opAppendActivity, reasonInsertFailed, err, c.identity(entry.ItemID)...)
		return newServiceError(opAppendActivity, reasonInsertFailed, err)
	}
	return nil
}

// Activity lists the activity entries recorded for an item, oldest first.
func (c *Collection) Activity(ctx context.Context, itemID string) ([]ActivityEntry, error) {
	var entries []ActivityEntry
	err := c.tenant.db.WithContext(ctx).
		Where(queryCollection, c.name).
		Where(queryItemID, itemID).
		Order("at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, newServiceError(opAppendActivity, reasonQueryFailed, err)
	}
	return entries, nil
}

// LookupUsers resolves user ids through the tenant user directory.
func (c *Collection) LookupUsers(ctx context.Context, ids []string) ([]users.User, error) {
	found, err := c.tenant.users.Lookup(ctx, ids)
	if err != nil {
		logError(c.tenant.logger, opLookupUsers, reasonQueryFailed, err,
			zap.String(fieldTenant, c.tenant.name), zap.String(fieldCollection, c.name))
		return nil, newServiceError(opLookupUsers, reasonQueryFailed, err)
	}
	return found, nil
}

// Users exposes the tenant user directory.
func (c *Collection) Users() *users.Service {
	return c.tenant.users
}

// ResolveReferences returns the current label value of each referenced item of
// the target collection, keyed by the id used to reference it.
func (c *Collection) ResolveReferences(ctx context.Context, target string, ids []string, label string) (map[string]any, error) {
	targetCollection, err := c.tenant.collection(target)
	if err != nil {
		return nil, err
	}
	records, err := targetCollection.FindMany(ctx, ids)
	if err != nil {
		return nil, newServiceError(opResolveReferences, reasonQueryFailed, err)
	}
	if label == "" {
		label = defaultLabelField
	}
	labels := make(map[string]any, len(records))
	for _, record := range records {
		labels[targetCollection.manyKeyOf(record)] = record.Fields[label]
	}
	return labels, nil
}

func (c *Collection) manyKeyOf(record Record) string {
	if c.accessor.Many.Key == DefaultAccessorKey {
		return record.ItemID
	}
	return fmt.Sprint(record.Fields[c.accessor.Many.Key])
}

func (c *Collection) scope(db *gorm.DB, key AccessorKey, itemID string) (*gorm.DB, error) {
	value, err := key.Coerce(itemID)
	if err != nil {
		return nil, err
	}
	query := db.Model(&Record{}).Where(queryCollection, c.name)
	if key.Key == DefaultAccessorKey {
		return query.Where(queryItemID, fmt.Sprint(value)), nil
	}
	return query.Where(datatypes.JSONQuery(fieldsColumn).Equals(value, key.Key)), nil
}

func (c *Collection) publish(ctx context.Context, itemID string, fields []string, origin string) {
	if c.tenant.publisher == nil {
		return
	}
	event := changes.Event{
		Topic:  changes.Topic{Tenant: c.tenant.name, Collection: c.name, ItemID: itemID},
		Fields: fields,
		Origin: origin,
		At:     c.tenant.clock().UTC(),
	}
	if err := c.tenant.publisher.Publish(ctx, event); err != nil {
		logError(c.tenant.logger, opPublishChange, reasonPublishFailed, err, c.identity(itemID)...)
	}
}

func (c *Collection) identity(itemID string) []zap.Field {
	return []zap.Field{
		zap.String(fieldTenant, c.tenant.name),
		zap.String(fieldCollection, c.name),
		zap.String(fieldItemID, itemID),
	}
}
