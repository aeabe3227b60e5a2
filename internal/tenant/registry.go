package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/changes"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/schema"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRecordHistory = "2026-09-14_backfill_record_history"

// RegistryConfig describes the tenants served by the process.
type RegistryConfig struct {
	Tenants   []Definition
	Publisher changes.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Registry maps tenant names to their database and collections. It is built
// once at startup and only read afterwards.
type Registry struct {
	tenants map[string]*tenantState
	logger  *zap.Logger
}

type tenantState struct {
	name        string
	db          *gorm.DB
	users       *users.Service
	publisher   changes.Publisher
	clock       func() time.Time
	logger      *zap.Logger
	collections map[string]*Collection
}

// NewRegistry opens every tenant database, applies migrations, and precomputes
// collection schemas and accessors.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	registry := &Registry{tenants: make(map[string]*tenantState, len(cfg.Tenants)), logger: logger}
	for _, definition := range cfg.Tenants {
		if err := definition.validate(); err != nil {
			_ = registry.Close()
			return nil, newServiceError(opRegistryNew, reasonInvalidDefinition, err)
		}
		if _, exists := registry.tenants[definition.Name]; exists {
			_ = registry.Close()
			return nil, newServiceError(opRegistryNew, reasonInvalidDefinition,
				fmt.Errorf("%w: duplicate tenant %q", ErrInvalidDefinition, definition.Name))
		}

		db, err := database.Open(database.Config{
			DSN:        definition.DSN,
			Models:     []any{&Record{}, &ActivityEntry{}, &users.User{}},
			Migrations: tenantMigrations(),
			Logger:     logger.With(zap.String(fieldTenant, definition.Name)),
		})
		if err != nil {
			logError(logger, opRegistryNew, reasonDatabaseOpenFailed, err, zap.String(fieldTenant, definition.Name))
			_ = registry.Close()
			return nil, newServiceError(opRegistryNew, reasonDatabaseOpenFailed, err)
		}
		if err := pingDatabase(ctx, db); err != nil {
			logError(logger, opRegistryNew, reasonDatabaseOpenFailed, err, zap.String(fieldTenant, definition.Name))
			_ = registry.Close()
			return nil, newServiceError(opRegistryNew, reasonDatabaseOpenFailed, err)
		}
		directory, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
		if err != nil {
			_ = registry.Close()
			return nil, newServiceError(opRegistryNew, reasonUsersInitFailed, err)
		}

		state := &tenantState{
			name:        definition.Name,
			db:          db,
			users:       directory,
			publisher:   cfg.Publisher,
			clock:       clock,
			logger:      logger,
			collections: make(map[string]*Collection, len(definition.Collections)),
		}
		for _, collectionDefinition := range definition.Collections {
			accessor, _ := collectionDefinition.Accessor.normalized()
			name := strings.TrimSpace(collectionDefinition.Name)
			state.collections[name] = &Collection{
				tenant:        state,
				name:          name,
				accessor:      accessor,
				fields:        collectionDefinition.MergedFields(),
				watchFields:   append([]string(nil), collectionDefinition.WatchFields...),
				notifications: collectionDefinition.Notifications,
			}
		}
		registry.tenants[definition.Name] = state
	}
	return registry, nil
}

// ResolveCollection returns the handle for a tenant collection.
func (r *Registry) ResolveCollection(tenantName, collectionName string) (*Collection, error) {
	state, ok := r.tenants[tenantName]
	if !ok {
		return nil, newServiceError(opResolveCollection, reasonCollectionNotFound,
			fmt.Errorf("%w: unknown tenant %q", ErrCollectionNotFound, tenantName))
	}
	return state.collection(collectionName)
}

// SchemaFor returns the merged field schema of a collection.
func (r *Registry) SchemaFor(tenantName, collectionName string) (schema.Fields, error) {
	collection, err := r.ResolveCollection(tenantName, collectionName)
	if err != nil {
		return nil, err
	}
	return collection.Fields(), nil
}

// AccessorFor returns the lookup keys of a collection.
func (r *Registry) AccessorFor(tenantName, collectionName string) (Accessor, error) {
	collection, err := r.ResolveCollection(tenantName, collectionName)
	if err != nil {
		return Accessor{}, err
	}
	return collection.Accessor(), nil
}

// Tenants lists the configured tenant names.
func (r *Registry) Tenants() []string {
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	return names
}

// Ping checks every tenant database connection.
func (r *Registry) Ping(ctx context.Context) error {
	for name, state := range r.tenants {
		if err := pingDatabase(ctx, state.db); err != nil {
			return fmt.Errorf("tenant %q: %w", name, err)
		}
	}
	return nil
}

// Close releases every tenant database connection.
func (r *Registry) Close() error {
	var firstErr error
	for _, state := range r.tenants {
		sqlDB, err := state.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *tenantState) collection(name string) (*Collection, error) {
	collection, ok := t.collections[name]
	if !ok {
		return nil, newServiceError(opResolveCollection, reasonCollectionNotFound,
			fmt.Errorf("%w: unknown collection %q in tenant %q", ErrCollectionNotFound, name, t.name))
	}
	return collection, nil
}

func pingDatabase(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func tenantMigrations() []database.Migration {
	return []database.Migration{
		{Name: migrationBackfillRecordHistory, Apply: backfillRecordHistory},
	}
}

func backfillRecordHistory(db *gorm.DB) error {
	return db.Model(&Record{}).
		Where("history IS NULL").
		Update("history", gorm.Expr("'[]'")).Error
}
