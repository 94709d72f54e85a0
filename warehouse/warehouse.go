// Package warehouse provides the SQL-warehouse connector, backed by
// Postgres-protocol engines via pgx. Batches are buffered and loaded
// with COPY inside a single transaction at Commit, so the tables a
// query sees move atomically from one committed load to the next.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pilosa/elt"
	"github.com/pkg/errors"
)

// Connector loads record batches into one warehouse database. The uri
// of its operations is the destination table name.
type Connector struct {
	schema elt.Schema
	pool   *pgxpool.Pool

	mu      sync.Mutex
	pending map[string]*load
}

type load struct {
	rows    [][]interface{}
	records int64
}

// NewConnector connects to the warehouse at dsn.
func NewConnector(ctx context.Context, schema elt.Schema, dsn string) (*Connector, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, classify("connecting to warehouse", err)
	}
	return &Connector{
		schema:  schema,
		pool:    pool,
		pending: make(map[string]*load),
	}, nil
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	c.pool.Close()
	return nil
}

// Write buffers the batch for the table's next Commit. Buffered rows
// touch no warehouse state, so a failed stage leaves the table as it
// was.
func (c *Connector) Write(ctx context.Context, table string, b elt.Batch) (elt.WriteSummary, error) {
	if err := ctx.Err(); err != nil {
		return elt.WriteSummary{}, err
	}
	rows := make([][]interface{}, 0, b.Len())
	for _, rec := range b.Records {
		rows = append(rows, rowValues(c.schema, rec))
	}
	c.mu.Lock()
	l := c.pending[table]
	if l == nil {
		l = &load{}
		c.pending[table] = l
	}
	l.rows = append(l.rows, rows...)
	l.records += int64(b.Len())
	c.mu.Unlock()
	return elt.WriteSummary{Records: int64(b.Len())}, nil
}

// Discard drops the table's buffered rows. Nothing has touched the
// warehouse yet, so there is nothing else to undo.
func (c *Connector) Discard(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.pending, table)
	c.mu.Unlock()
	return nil
}

// Commit creates the table if needed and COPYs the buffered rows into
// it inside one transaction.
func (c *Connector) Commit(ctx context.Context, meta elt.SnapshotMeta) (elt.CatalogEntry, error) {
	table := meta.Table
	c.mu.Lock()
	l := c.pending[table]
	delete(c.pending, table)
	c.mu.Unlock()
	if l == nil {
		l = &load{}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return elt.CatalogEntry{}, classify("beginning load transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createTableDDL(table, c.schema)); err != nil {
		return elt.CatalogEntry{}, classify("creating table", err)
	}
	if len(l.rows) > 0 {
		cols := make([]string, len(c.schema.Columns))
		for i, col := range c.schema.Columns {
			cols[i] = col.Name
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(l.rows)); err != nil {
			return elt.CatalogEntry{}, classify("copying rows", err)
		}
	}
	var total int64
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %q", table)).Scan(&total); err != nil {
		return elt.CatalogEntry{}, classify("counting rows", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return elt.CatalogEntry{}, classify("committing load", err)
	}
	return elt.CatalogEntry{
		Table:         table,
		SnapshotID:    time.Now().UnixNano(),
		SchemaVersion: meta.SchemaVersion,
		Records:       total,
	}, nil
}

// rowValues lays rec out in schema column order, with nil for absent
// nullable columns.
func rowValues(s elt.Schema, rec elt.Record) []interface{} {
	row := make([]interface{}, len(s.Columns))
	for i, col := range s.Columns {
		if v, ok := rec[col.Name]; ok {
			row[i] = v
		}
	}
	return row
}

// createTableDDL renders CREATE TABLE IF NOT EXISTS for the schema.
func createTableDDL(table string, s elt.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (", table)
	for i, col := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q %s", col.Name, sqlType(col.Type))
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(")")
	return b.String()
}

func sqlType(t elt.ColumnType) string {
	switch t {
	case elt.Int32:
		return "integer"
	case elt.Int64:
		return "bigint"
	case elt.Double:
		return "double precision"
	case elt.Timestamp:
		return "timestamp"
	case elt.Bool:
		return "boolean"
	}
	return "text"
}

// classify maps pgx errors onto the connector error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"): // invalid_authorization_specification
			return elt.NewConnectorError(elt.ErrAuthFailed, op, err)
		case pgErr.Code == "42P01": // undefined_table
			return elt.NewConnectorError(elt.ErrNotFound, op, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return elt.NewConnectorError(elt.ErrConflict, op, err)
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient_resources
			return elt.NewConnectorError(elt.ErrQuotaExceeded, op, err)
		}
	}
	return elt.NewConnectorError(elt.ErrUnreachable, op, err)
}
