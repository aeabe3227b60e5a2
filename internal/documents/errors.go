package documents

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidAddress indicates a document name that does not parse.
	ErrInvalidAddress = errors.New("documents: invalid address")
	// ErrMalformedAwareness marks a participant state that failed validation.
	// It is only logged; malformed participants are dropped.
	ErrMalformedAwareness = errors.New("documents: malformed awareness")
	// ErrVersionNotFound indicates a historical address past the version list.
	ErrVersionNotFound = errors.New("documents: version not found")
	// ErrReadOnly is returned when flushing a historical address.
	ErrReadOnly = errors.New("documents: historical address is read-only")
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
	opLoad      = "documents.load"
	opBackup    = "documents.backup"
	opRefresh   = "documents.refresh_references"
	opWatch     = "documents.watch"
	opFlush     = "documents.flush"
	opActivity  = "documents.activity"
	opNotify    = "documents.notify"
	opHooks     = "documents.hooks"
	opAwareness = "documents.awareness"

	reasonCollectionNotFound = "collection_not_found"
	reasonRecordNotFound     = "record_not_found"
	reasonVersionNotFound    = "version_not_found"
	reasonDecodeFailed       = "decode_failed"
	reasonEncodeFailed       = "encode_failed"
	reasonHydrateFailed      = "hydrate_failed"
	reasonSubscribeFailed    = "subscribe_failed"
	reasonNotificationFailed = "notification_failed"
	reasonPatchFailed        = "patch_failed"
	reasonWriteFailed        = "write_failed"
	reasonLookupFailed       = "lookup_failed"
	reasonRenderFailed       = "render_failed"
	reasonSendFailed         = "send_failed"
	reasonMalformed          = "malformed_participant"
	reasonHookFailed         = "hook_failed"
	reasonReadOnly           = "read_only"

	fieldTenant     = "tenant"
	fieldCollection = "collection"
	fieldItemID     = "item_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document sync error", attrs...)
}

func identity(address Address) []zap.Field {
	return []zap.Field{
		zap.String(fieldTenant, address.Tenant),
		zap.String(fieldCollection, address.Collection),
		zap.String(fieldItemID, address.ItemID),
	}
}
