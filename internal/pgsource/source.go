// Package pgsource streams plain tables out of a postgres database for a dump.
package pgsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kilupskalvis/kbdump/internal/extract"
	"github.com/kilupskalvis/kbdump/internal/models"
)

// Conn is the part of *pgx.Conn the source uses.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Source lists and streams the base tables of one postgres schema.
type Source struct {
	conn   Conn
	schema string
}

var _ extract.TableSource = (*Source)(nil)

// New creates a source over the tables of schemaName, "public" if empty.
func New(conn Conn, schemaName string) *Source {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Source{conn: conn, schema: schemaName}
}

// Tables lists the base tables of the schema.
func (s *Source) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

// Rows streams a table inside a read-only transaction. Rows arrive from the
// server as the cursor advances; nothing is buffered beyond the current row.
func (s *Source) Rows(ctx context.Context, table string) (extract.RowCursor, error) {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read of %s: %w", table, err)
	}
	rows, err := tx.Query(ctx, "SELECT * FROM "+pgx.Identifier{s.schema, table}.Sanitize())
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}

	fields := rows.FieldDescriptions()
	cols := make([]extract.Column, len(fields))
	var types *pgtype.Map
	if c := rows.Conn(); c != nil {
		types = c.TypeMap()
	}
	for i, f := range fields {
		cols[i] = extract.Column{Name: f.Name, SQLType: typeName(types, f.DataTypeOID)}
	}
	return &rowCursor{ctx: ctx, tx: tx, rows: rows, cols: cols}, nil
}

func typeName(m *pgtype.Map, oid uint32) string {
	if m != nil {
		if t, ok := m.TypeForOID(oid); ok {
			return t.Name
		}
	}
	return fmt.Sprintf("oid:%d", oid)
}

type rowCursor struct {
	ctx  context.Context
	tx   pgx.Tx
	rows pgx.Rows
	cols []extract.Column
	row  models.Row
	err  error
}

func (c *rowCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	vals, err := c.rows.Values()
	if err != nil {
		c.err = err
		return false
	}
	c.row = make(models.Row, len(c.cols))
	for i, col := range c.cols {
		c.row[col.Name] = Coerce(vals[i])
	}
	return true
}

func (c *rowCursor) Row() models.Row            { return c.row }
func (c *rowCursor) Columns() []extract.Column { return c.cols }

func (c *rowCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowCursor) Close() error {
	c.rows.Close()
	return c.tx.Rollback(context.WithoutCancel(c.ctx))
}

// Coerce maps a value decoded by pgx onto a value the dump codec accepts.
// Values of other types are returned unchanged so the codec reports them as
// unsupported.
func Coerce(v any) any {
	switch x := v.(type) {
	case nil, bool, int16, int32, int64, float32, float64, string:
		return v
	case int8:
		return x
	case uint32:
		return int64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case netip.Prefix:
		return x.String()
	case map[string]any, []any:
		// json and jsonb documents
		data, err := json.Marshal(x)
		if err != nil {
			return v
		}
		return string(data)
	default:
		return v
	}
}
