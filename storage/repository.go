// Package storage provides the transactional document store that key versions,
// rotation records and audit events are persisted through.
//
// Documents live in a scope (one per key owner, plus reserved scopes such as
// the audit trail) and are addressed by kind and ID within it. A Batch runs
// against a single scope and either applies all of its writes or none.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is the on-disk layout version every backend must report.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrScopeNotFound is returned when a scope has never been written.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrCASFailed is returned when a compare-and-swap revision check fails.
	ErrCASFailed = errors.New("CAS revision mismatch")
	// ErrSchemaVersion is returned by CheckSchema when the store was written by
	// an incompatible layout.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Document is a stored JSON body with an optimistic-concurrency revision.
type Document struct {
	Body     []byte `json:"body"`
	Revision uint64 `json:"revision,omitempty"`
}

// Reader provides reads within a single scope.
type Reader interface {
	Get(kind string, id string) (*Document, error)
	List(kind string) ([]string, error)
}

// BatchTx provides reads and writes within an atomic transaction.
// The scope is bound to the batch, so methods don't require it.
type BatchTx interface {
	Reader
	Put(kind string, id string, doc *Document) error
	PutCAS(kind string, id string, expectedRevision uint64, doc *Document) error
	Delete(kind string, id string) error
}

// Repository defines the interface for document storage.
type Repository interface {
	Put(scope string, kind string, id string, doc *Document) error
	Get(scope string, kind string, id string) (*Document, error)
	List(scope string, kind string) ([]string, error)
	Delete(scope string, kind string, id string) error
	PutCAS(scope string, kind string, id string, expectedRevision uint64, doc *Document) error
	Batch(scope string, fn func(tx BatchTx) error) error
	ListScopes() ([]string, error)
	// CheckSchema verifies, once at startup, that the backing store carries
	// the expected layout version, initializing it on first use.
	CheckSchema(ctx context.Context) error
}

// Encode marshals v into a Document carrying the given revision.
func Encode(v any, revision uint64) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return &Document{Body: body, Revision: revision}, nil
}

// Decode unmarshals the document body into v.
func Decode(doc *Document, v any) error {
	if doc == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(doc.Body, v); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}

// Scoped binds a Repository to one scope so it satisfies Reader.
func Scoped(repo Repository, scope string) Reader {
	return scopedReader{repo: repo, scope: scope}
}

type scopedReader struct {
	repo  Repository
	scope string
}

func (r scopedReader) Get(kind, id string) (*Document, error) {
	return r.repo.Get(r.scope, kind, id)
}

func (r scopedReader) List(kind string) ([]string, error) {
	return r.repo.List(r.scope, kind)
}
