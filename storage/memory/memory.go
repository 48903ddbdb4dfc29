// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/fieldkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Document
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Document)}
}

func makeKey(kind, id string) string {
	return kind + ":" + id
}

func cloneDocument(doc *storage.Document) *storage.Document {
	if doc == nil {
		return nil
	}
	return &storage.Document{
		Body:     append([]byte(nil), doc.Body...),
		Revision: doc.Revision,
	}
}

func (r *Repository) Put(scope, kind, id string, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(scope, kind, id, doc)
}

func (r *Repository) putLocked(scope, kind, id string, doc *storage.Document) error {
	if _, ok := r.data[scope]; !ok {
		r.data[scope] = make(map[string]*storage.Document)
	}
	r.data[scope][makeKey(kind, id)] = cloneDocument(doc)
	return nil
}

func (r *Repository) Get(scope, kind, id string) (*storage.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(scope, kind, id)
}

func (r *Repository) getLocked(scope, kind, id string) (*storage.Document, error) {
	scopeData, ok := r.data[scope]
	if !ok {
		return nil, storage.ErrScopeNotFound
	}
	doc, ok := scopeData[makeKey(kind, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (r *Repository) List(scope, kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(scope, kind), nil
}

func (r *Repository) listLocked(scope, kind string) []string {
	var ids []string
	prefix := kind + ":"
	for k := range r.data[scope] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(scope, kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(scope, kind, id)
}

func (r *Repository) deleteLocked(scope, kind, id string) error {
	k := makeKey(kind, id)
	scopeData, ok := r.data[scope]
	if !ok {
		return storage.ErrScopeNotFound
	}
	if _, ok := scopeData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(scopeData, k)
	return nil
}

func (r *Repository) PutCAS(scope, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(scope, kind, id, expectedRevision, doc)
}

func (r *Repository) putCASLocked(scope, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	existing, err := r.getLocked(scope, kind, id)
	if err != nil {
		if expectedRevision != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(scope, kind, id, doc)
	}
	if expectedRevision == 0 || existing.Revision != expectedRevision {
		return storage.ErrCASFailed
	}
	return r.putLocked(scope, kind, id, doc)
}

// ListScopes returns every scope that has been written, sorted.
func (r *Repository) ListScopes() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes := make([]string, 0, len(r.data))
	for s := range r.data {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// CheckSchema always succeeds; an in-memory store has no persisted layout.
func (r *Repository) CheckSchema(context.Context) error {
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotScope(scope)

	tx := &memoryBatchTx{repo: r, scope: scope}
	if err := fn(tx); err != nil {
		r.restoreScope(scope, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotScope(scope string) map[string]*storage.Document {
	original, ok := r.data[scope]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Document, len(original))
	for k, v := range original {
		cp[k] = cloneDocument(v)
	}
	return cp
}

func (r *Repository) restoreScope(scope string, snapshot map[string]*storage.Document) {
	if snapshot == nil {
		delete(r.data, scope)
	} else {
		r.data[scope] = snapshot
	}
}

type memoryBatchTx struct {
	repo  *Repository
	scope string
}

func (tx *memoryBatchTx) Get(kind, id string) (*storage.Document, error) {
	doc, err := tx.repo.getLocked(tx.scope, kind, id)
	if err == storage.ErrScopeNotFound {
		return nil, storage.ErrNotFound
	}
	return doc, err
}

func (tx *memoryBatchTx) List(kind string) ([]string, error) {
	return tx.repo.listLocked(tx.scope, kind), nil
}

func (tx *memoryBatchTx) Put(kind, id string, doc *storage.Document) error {
	return tx.repo.putLocked(tx.scope, kind, id, doc)
}

func (tx *memoryBatchTx) PutCAS(kind, id string, expectedRevision uint64, doc *storage.Document) error {
	return tx.repo.putCASLocked(tx.scope, kind, id, expectedRevision, doc)
}

func (tx *memoryBatchTx) Delete(kind, id string) error {
	err := tx.repo.deleteLocked(tx.scope, kind, id)
	if err == storage.ErrScopeNotFound {
		return storage.ErrNotFound
	}
	return err
}
