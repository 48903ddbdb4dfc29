// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The fieldkey_documents table uses a composite primary key (scope, kind, id)
// that mirrors the key space used by the BBolt and in-memory backends. The
// revision lives in its own column so compare-and-swap can lock and compare
// it with SELECT ... FOR UPDATE without decoding the body.
//
// A Batch holds a transaction-level advisory lock on its scope, so batches on
// one scope run one after another like they do on the other backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/fieldkey/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool, shared with the encryption
// coverage queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO fieldkey_documents (scope, kind, id, body, revision)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (scope, kind, id)
	DO UPDATE SET body = $4, revision = $5`

func (s *Store) Put(scope, kind, id string, doc *storage.Document) error {
	_, err := s.pool.Exec(context.Background(), upsertSQL,
		scope, kind, id, doc.Body, int64(doc.Revision))
	return err
}

func (s *Store) Get(scope, kind, id string) (*storage.Document, error) {
	doc, err := getDocument(context.Background(), s.pool, scope, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFoundError(context.Background(), s.pool, scope, kind, id)
	}
	return doc, err
}

func (s *Store) List(scope, kind string) ([]string, error) {
	return listIDs(context.Background(), s.pool, scope, kind)
}

func (s *Store) ListScopes() ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT DISTINCT scope FROM fieldkey_documents ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(scope, kind, id string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM fieldkey_documents WHERE scope = $1 AND kind = $2 AND id = $3`,
		scope, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(context.Background(), s.pool, scope, kind, id)
	}
	return nil
}

func (s *Store) PutCAS(scope, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, scope, kind, id, expectedRevision, doc); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

// lockScopeSQL takes an advisory lock released at commit or rollback.
const lockScopeSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

func (s *Store) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	if _, err := pgTx.Exec(context.Background(), lockScopeSQL, scope); err != nil {
		return fmt.Errorf("locking scope %s: %w", scope, err)
	}
	btx := &pgBatchTx{tx: pgTx, scope: scope}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx    pgx.Tx
	scope string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(kind, id string) (*storage.Document, error) {
	return getDocument(context.Background(), btx.tx, btx.scope, kind, id)
}

func (btx *pgBatchTx) List(kind string) ([]string, error) {
	return listIDs(context.Background(), btx.tx, btx.scope, kind)
}

func (btx *pgBatchTx) Put(kind, id string, doc *storage.Document) error {
	_, err := btx.tx.Exec(context.Background(), upsertSQL,
		btx.scope, kind, id, doc.Body, int64(doc.Revision))
	return err
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedRevision uint64, doc *storage.Document) error {
	return putCASInTx(context.Background(), btx.tx, btx.scope, kind, id, expectedRevision, doc)
}

func (btx *pgBatchTx) Delete(kind, id string) error {
	tag, err := btx.tx.Exec(context.Background(),
		`DELETE FROM fieldkey_documents WHERE scope = $1 AND kind = $2 AND id = $3`,
		btx.scope, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getDocument(ctx context.Context, q querier, scope, kind, id string) (*storage.Document, error) {
	var (
		doc      storage.Document
		revision int64
	)
	err := q.QueryRow(ctx,
		`SELECT body, revision FROM fieldkey_documents
		 WHERE scope = $1 AND kind = $2 AND id = $3`,
		scope, kind, id).Scan(&doc.Body, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Revision = uint64(revision)
	return &doc, nil
}

func listIDs(ctx context.Context, q querier, scope, kind string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT id FROM fieldkey_documents WHERE scope = $1 AND kind = $2 ORDER BY id`,
		scope, kind)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, scope, kind, id string, expectedRevision uint64, doc *storage.Document) error {
	var current int64
	err := tx.QueryRow(ctx,
		`SELECT revision FROM fieldkey_documents
		 WHERE scope = $1 AND kind = $2 AND id = $3
		 FOR UPDATE`,
		scope, kind, id).Scan(&current)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedRevision != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO fieldkey_documents (scope, kind, id, body, revision)
			 VALUES ($1, $2, $3, $4, $5)`,
			scope, kind, id, doc.Body, int64(doc.Revision))
		return err
	}
	if err != nil {
		return err
	}

	if expectedRevision == 0 || uint64(current) != expectedRevision {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE fieldkey_documents SET body = $4, revision = $5
		 WHERE scope = $1 AND kind = $2 AND id = $3`,
		scope, kind, id, doc.Body, int64(doc.Revision))
	return err
}

// notFoundError determines whether a missing document is due to a missing
// scope or a missing document within an existing scope. This preserves the
// BBolt semantic of distinguishing ErrScopeNotFound from ErrNotFound.
func notFoundError(ctx context.Context, q querier, scope, kind, id string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM fieldkey_documents WHERE scope = $1 LIMIT 1)`,
		scope).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", scope, storage.ErrScopeNotFound)
	}
	return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
}
