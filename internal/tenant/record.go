package tenant

import (
	"time"

	"gorm.io/datatypes"
)

// Participant is a validated awareness entry stored with a version.
type Participant struct {
	Name      string `json:"name"`
	Color     string `json:"color"`
	SessionID string `json:"sessionId"`
	Photo     string `json:"photo"`
}

// VersionEntry is one rolled-up snapshot in a record's version history.
type VersionEntry struct {
	Snapshot     []byte        `json:"snapshot"`
	Timestamp    time.Time     `json:"timestamp"`
	Participants []Participant `json:"participants"`
}

// HistoryEntry is a typed event appended to a record's own history log.
type HistoryEntry struct {
	Type  string    `json:"type"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Record is the persisted form of one collection item. Fields holds the
// user-visible structured values; the remaining columns belong to the sync engine.
type Record struct {
	Collection       string                            `gorm:"column:collection;primaryKey;size:190;not null"`
	ItemID           string                            `gorm:"column:item_id;primaryKey;size:190;not null"`
	Fields           datatypes.JSONMap                 `gorm:"column:fields"`
	StateBlob        []byte                            `gorm:"column:state_blob"`
	VersionHistory   datatypes.JSONSlice[VersionEntry] `gorm:"column:version_history;not null;default:'[]'"`
	MigrationBackup  datatypes.JSONMap                 `gorm:"column:migration_backup"`
	History          datatypes.JSONSlice[HistoryEntry] `gorm:"column:history;not null;default:'[]'"`
	CreatedAtSeconds int64                             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64                             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// HasState reports whether a CRDT snapshot has been persisted.
func (r Record) HasState() bool {
	return len(r.StateBlob) > 0
}

// FieldValues returns a copy of the structured fields.
func (r Record) FieldValues() map[string]any {
	values := make(map[string]any, len(r.Fields))
	for key, value := range r.Fields {
		values[key] = value
	}
	return values
}

// ActivityEntry is a tenant-scoped audit entry describing a session's edits.
type ActivityEntry struct {
	ID             string                      `gorm:"column:id;primaryKey;size:64;not null"`
	Name           string                      `gorm:"column:name;size:320"`
	Type           string                      `gorm:"column:type;size:32;not null"`
	Collection     string                      `gorm:"column:collection;size:190;not null;index:idx_activity_item,priority:1"`
	ItemID         string                      `gorm:"column:item_id;size:190;not null;index:idx_activity_item,priority:2"`
	ParticipantIDs datatypes.JSONSlice[string] `gorm:"column:participant_ids"`
	At             time.Time                   `gorm:"column:at;not null;index:idx_activity_item,priority:3"`
	Added          datatypes.JSONMap           `gorm:"column:added"`
	Deleted        datatypes.JSONMap           `gorm:"column:deleted"`
	Updated        datatypes.JSONMap           `gorm:"column:updated"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityEntry) TableName() string {
	return "activity_log"
}

// Projection selects the engine-owned columns a read loads in addition to the
// structured fields and history.
type Projection struct {
	StateBlob       bool
	VersionHistory  bool
	MigrationBackup bool
}

func (p Projection) columns() []string {
	columns := []string{"collection", "item_id", "fields", "history", "created_at_s", "updated_at_s"}
	if p.StateBlob {
		columns = append(columns, "state_blob")
	}
	if p.VersionHistory {
		columns = append(columns, "version_history")
	}
	if p.MigrationBackup {
		columns = append(columns, "migration_backup")
	}
	return columns
}

// Patch is a transactional read-modify-write applied to one record.
type Patch struct {
	// StateBlob replaces the persisted CRDT state when non-nil.
	StateBlob []byte
	// PushVersion appends a version entry.
	PushVersion *VersionEntry
	// CompactVersions rewrites the version list after PushVersion is applied.
	CompactVersions func([]VersionEntry) []VersionEntry
	// PushHistory appends a history entry.
	PushHistory *HistoryEntry
	// MigrationBackup is stored only if the record has none yet.
	MigrationBackup map[string]any
	SetFields       map[string]any
	UnsetFields     []string
	// Origin is attached to the change notification published for field writes.
	Origin string
}

func (p Patch) touchesFields() bool {
	return len(p.SetFields) > 0 || len(p.UnsetFields) > 0
}
