// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmcleod/fieldkey/storage"
	"go.etcd.io/bbolt"
)

// metaBucket holds the layout version and is hidden from ListScopes.
var (
	metaBucket       = []byte("__meta")
	schemaVersionKey = []byte("schema_version")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(kind, id string) []byte {
	return []byte(kind + ":" + id)
}

func (s *Store) Put(scope, kind, id string, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return putInBucket(b, kind, id, doc)
	})
}

func (s *Store) Get(scope, kind, id string) (*storage.Document, error) {
	var doc *storage.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(scope))
		if b == nil {
			return fmt.Errorf("%s: %w", scope, storage.ErrScopeNotFound)
		}
		var err error
		doc, err = getFromBucket(b, kind, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Delete(scope, kind, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(scope))
		if b == nil {
			return fmt.Errorf("%s: %w", scope, storage.ErrScopeNotFound)
		}
		return deleteFromBucket(b, kind, id)
	})
}

func (s *Store) List(scope, kind string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(scope))
		if b == nil {
			return nil
		}
		ids = listBucket(b, kind)
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(scope, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return putCASInBucket(b, kind, id, expectedRevision, doc)
	})
}

// ListScopes returns the names of all scope buckets in key order.
func (s *Store) ListScopes() ([]string, error) {
	var scopes []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !bytes.Equal(name, metaBucket) {
				scopes = append(scopes, string(name))
			}
			return nil
		})
	})
	sort.Strings(scopes)
	return scopes, err
}

// CheckSchema stamps a fresh database with storage.SchemaVersion and rejects
// databases stamped with anything else.
func (s *Store) CheckSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		raw := b.Get(schemaVersionKey)
		if raw == nil {
			return b.Put(schemaVersionKey, []byte(strconv.Itoa(storage.SchemaVersion)))
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil || v != storage.SchemaVersion {
			return fmt.Errorf("bbolt layout %q: %w", raw, storage.ErrSchemaVersion)
		}
		return nil
	})
}

func putInBucket(b *bbolt.Bucket, kind, id string, doc *storage.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put(recordKey(kind, id), data)
}

func getFromBucket(b *bbolt.Bucket, kind, id string) (*storage.Document, error) {
	data := b.Get(recordKey(kind, id))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	var doc storage.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func deleteFromBucket(b *bbolt.Bucket, kind, id string) error {
	key := recordKey(kind, id)
	if b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func listBucket(b *bbolt.Bucket, kind string) []string {
	var ids []string
	prefix := []byte(kind + ":")
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

func putCASInBucket(b *bbolt.Bucket, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	existingData := b.Get(recordKey(kind, id))

	if expectedRevision == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Document
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Revision != expectedRevision {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, kind, id, doc)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Get(kind, id string) (*storage.Document, error) {
	return getFromBucket(tx.bucket, kind, id)
}

func (tx *boltBatchTx) List(kind string) ([]string, error) {
	return listBucket(tx.bucket, kind), nil
}

func (tx *boltBatchTx) Put(kind, id string, doc *storage.Document) error {
	return putInBucket(tx.bucket, kind, id, doc)
}

func (tx *boltBatchTx) PutCAS(kind, id string, expectedRevision uint64, doc *storage.Document) error {
	return putCASInBucket(tx.bucket, kind, id, expectedRevision, doc)
}

func (tx *boltBatchTx) Delete(kind, id string) error {
	return deleteFromBucket(tx.bucket, kind, id)
}

// Batch runs fn inside a single read-write bbolt transaction; returning an
// error from fn discards every write it made.
func (s *Store) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}
