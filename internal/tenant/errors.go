package tenant

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is the common cause of every lookup miss in the gateway.
	ErrNotFound = errors.New("tenant: not found")
	// ErrCollectionNotFound indicates an unknown tenant or collection.
	ErrCollectionNotFound = fmt.Errorf("%w: collection", ErrNotFound)
	// ErrRecordNotFound indicates that no record matches the accessor value.
	ErrRecordNotFound = fmt.Errorf("%w: record", ErrNotFound)
	// ErrInvalidDefinition indicates a malformed tenant definition.
	ErrInvalidDefinition = errors.New("tenant: invalid definition")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRegistryNew       = "tenant.registry.new"
	opResolveCollection = "tenant.resolve_collection"
	opFindOne           = "tenant.find_one"
	opFindMany          = "tenant.find_many"
	opInsert            = "tenant.insert"
	opApplyPatch        = "tenant.apply_patch"
	opAppendActivity    = "tenant.append_activity"
	opLookupUsers       = "tenant.lookup_users"
	opResolveReferences = "tenant.resolve_references"
	opPublishChange     = "tenant.publish_change"

	reasonInvalidDefinition  = "invalid_definition"
	reasonDatabaseOpenFailed = "database_open_failed"
	reasonUsersInitFailed    = "users_init_failed"
	reasonCollectionNotFound = "collection_not_found"
	reasonRecordNotFound     = "record_not_found"
	reasonInvalidItemID      = "invalid_item_id"
	reasonQueryFailed        = "query_failed"
	reasonInsertFailed       = "insert_failed"
	reasonSaveFailed         = "save_failed"
	reasonPublishFailed      = "publish_failed"

	fieldTenant     = "tenant"
	fieldCollection = "collection"
	fieldItemID     = "item_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("tenant gateway error", attrs...)
}
