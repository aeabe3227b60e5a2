// Package collab hosts live collaborative documents: one shared structure per
// document name, a worker goroutine serializing its mutations, and websocket
// sessions exchanging updates and awareness.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrDocumentClosed is returned by Document.Do after the document was unloaded.
var ErrDocumentClosed = errors.New("collab: document closed")

// ConnectRequest carries what a client presented when asking to join a document.
type ConnectRequest struct {
	Name   string
	Token  string
	Cookie string
	Header http.Header
}

// Extension is implemented by the engine driving persistence and access
// control. The host calls it at fixed points of the document lifecycle.
type Extension interface {
	// OnUpgrade validates the raw upgrade request before anything else runs.
	OnUpgrade(r *http.Request, name string) error
	// OnConnect authenticates the session. Returning an error refuses it.
	OnConnect(ctx context.Context, request ConnectRequest, session *Session) error
	// Fetch returns the encoded state of a document that has no live structure yet.
	Fetch(ctx context.Context, name string) ([]byte, error)
	// AfterLoadDocument runs once the live structure holds the fetched state.
	AfterLoadDocument(ctx context.Context, name string, document *Document) error
	// Store persists a checkpoint of the live structure.
	Store(ctx context.Context, name string, document *Document) error
	// OnDisconnect runs for every session leaving the document.
	OnDisconnect(ctx context.Context, name string, document *Document, session *Session) error
	// AfterUnloadDocument runs after the last session left and the structure was destroyed.
	AfterUnloadDocument(ctx context.Context, name string, document *Document) error
}

// DenyError refuses a connection with an HTTP status.
type DenyError struct {
	Status int
	Err    error
}

func (e *DenyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collab: denied with status %d", e.Status)
	}
	return fmt.Sprintf("collab: denied with status %d: %v", e.Status, e.Err)
}

func (e *DenyError) Unwrap() error {
	return e.Err
}

// Deny wraps err so the host answers the upgrade request with status.
func Deny(status int, err error) error {
	return &DenyError{Status: status, Err: err}
}

func statusOf(err error) int {
	var deny *DenyError
	if errors.As(err, &deny) && deny.Status > 0 {
		return deny.Status
	}
	return http.StatusInternalServerError
}
