package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/fieldkey/storage"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the required tables and indexes if they do not exist
// and stamps a fresh database with storage.SchemaVersion.
// It is safe to call on every startup (all statements use IF NOT EXISTS).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO fieldkey_schema (singleton, version) VALUES (TRUE, $1)
		 ON CONFLICT (singleton) DO NOTHING`, storage.SchemaVersion)
	return err
}

// CheckSchema ensures the schema exists and that the stamped layout version
// matches storage.SchemaVersion.
func (s *Store) CheckSchema(ctx context.Context) error {
	if err := EnsureSchema(ctx, s.pool); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	var version int
	if err := s.pool.QueryRow(ctx, `SELECT version FROM fieldkey_schema`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != storage.SchemaVersion {
		return fmt.Errorf("postgres layout %d: %w", version, storage.ErrSchemaVersion)
	}
	return nil
}
