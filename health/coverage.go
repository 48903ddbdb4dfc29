package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Coverage is the share of rows of one entity whose encrypted column is set.
type Coverage struct {
	Entity    string `json:"entity"`
	Encrypted int64  `json:"encrypted"`
	Total     int64  `json:"total"`
}

// Percent returns Encrypted/Total as a percentage; 0 for an empty table.
func (c Coverage) Percent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Encrypted) / float64(c.Total) * 100
}

// CoverageSource counts encrypted columns in the record store.
type CoverageSource interface {
	Coverage(ctx context.Context) ([]Coverage, error)
}

// Column names an encrypted column of the record store. OwnerColumn, when
// set, holds the key owner of each row and makes the column samplable.
type Column struct {
	Table       string
	Column      string
	OwnerColumn string
}

// Entity is the label coverage is reported under.
func (c Column) Entity() string {
	return c.Table + "." + c.Column
}

// ParseColumns parses a comma separated list of table.column or
// table.column:owner_column entries.
func ParseColumns(s string) ([]Column, error) {
	var cols []Column
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, owner, _ := strings.Cut(part, ":")
		table, column, ok := strings.Cut(ref, ".")
		if !ok || table == "" || column == "" {
			return nil, fmt.Errorf("encrypted column %q: want table.column[:owner_column]", part)
		}
		cols = append(cols, Column{Table: table, Column: column, OwnerColumn: owner})
	}
	return cols, nil
}

// PostgresCoverage counts encrypted columns in a PostgreSQL record store.
// It also draws rotation verification samples from the columns that name an
// owner column, so it can be passed to rotation.WithSampler.
type PostgresCoverage struct {
	pool    *pgxpool.Pool
	columns []Column
}

// NewPostgresCoverage returns a PostgresCoverage over columns.
func NewPostgresCoverage(pool *pgxpool.Pool, columns []Column) *PostgresCoverage {
	return &PostgresCoverage{pool: pool, columns: columns}
}

func (p *PostgresCoverage) Coverage(ctx context.Context) ([]Coverage, error) {
	out := make([]Coverage, 0, len(p.columns))
	for _, col := range p.columns {
		query := fmt.Sprintf(`SELECT count(*), count(%s) FROM %s`,
			pgx.Identifier{col.Column}.Sanitize(), pgx.Identifier{col.Table}.Sanitize())
		c := Coverage{Entity: col.Entity()}
		if err := p.pool.QueryRow(ctx, query).Scan(&c.Total, &c.Encrypted); err != nil {
			return nil, fmt.Errorf("counting %s: %w", col.Entity(), err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Sample returns up to limit random non-null envelopes belonging to owner.
func (p *PostgresCoverage) Sample(ctx context.Context, owner string, limit int) ([]string, error) {
	var out []string
	for _, col := range p.columns {
		if col.OwnerColumn == "" || len(out) >= limit {
			continue
		}
		query := fmt.Sprintf(`SELECT %[1]s FROM %[2]s WHERE %[3]s = $1 AND %[1]s IS NOT NULL ORDER BY random() LIMIT $2`,
			pgx.Identifier{col.Column}.Sanitize(),
			pgx.Identifier{col.Table}.Sanitize(),
			pgx.Identifier{col.OwnerColumn}.Sanitize())
		rows, err := p.pool.Query(ctx, query, owner, limit-len(out))
		if err != nil {
			return nil, fmt.Errorf("sampling %s: %w", col.Entity(), err)
		}
		values, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("sampling %s: %w", col.Entity(), err)
		}
		out = append(out, values...)
	}
	return out, nil
}
