package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/extract"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// ErrUnknownTable is returned for a table missing from the catalog.
var ErrUnknownTable = errors.New("unknown table")

// Tables lists the relational tables of the database that are not part of
// the knowledge base bookkeeping.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
			AND name NOT LIKE 'kb\_%' ESCAPE '\'
			AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) hasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	return n > 0, err
}

// Rows streams the rows of a plain table.
func (s *Store) Rows(ctx context.Context, table string) (extract.RowCursor, error) {
	ok, err := s.hasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	cols := make([]extract.Column, len(types))
	for i, ct := range types {
		cols[i] = extract.Column{Name: ct.Name(), SQLType: strings.ToUpper(ct.DatabaseTypeName())}
	}
	return &rowCursor{rows: rows, cols: cols}, nil
}

type rowCursor struct {
	rows *sql.Rows
	cols []extract.Column
	row  models.Row
	err  error
}

func (c *rowCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	raw := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		c.err = err
		return false
	}
	c.row = make(models.Row, len(c.cols))
	for i, col := range c.cols {
		c.row[col.Name] = coerce(col.SQLType, raw[i])
	}
	return true
}

func (c *rowCursor) Row() models.Row            { return c.row }
func (c *rowCursor) Columns() []extract.Column { return c.cols }
func (c *rowCursor) Err() error                { return c.err }
func (c *rowCursor) Close() error              { return c.rows.Close() }

// coerce maps a scanned SQLite value onto a value the codec accepts, using
// the declared column type where storage classes lose information.
func coerce(sqlType string, v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	case int64:
		switch {
		case strings.HasPrefix(sqlType, "BOOL"):
			return x != 0
		case isDateType(sqlType):
			return time.UnixMilli(x).UTC()
		}
	case string:
		if isDateType(sqlType) {
			if t, ok := parseTimestamp(x); ok {
				return t
			}
		}
	}
	return v
}

func isDateType(sqlType string) bool {
	return strings.Contains(sqlType, "DATE") || strings.Contains(sqlType, "TIME")
}

// ApplyRows writes rows into the plain table named by table, creating the
// table or adding missing columns first.
func (s *Store) ApplyRows(ctx context.Context, table *schema.Type, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	name := table.StorageName()

	colTypes := make(map[string]string)
	for _, row := range rows {
		for col, v := range row {
			if _, seen := colTypes[col]; !seen || colTypes[col] == "" {
				colTypes[col] = sqlTypeOf(v)
			}
		}
	}
	cols := make([]string, 0, len(colTypes))
	for col := range colTypes {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ensureTable(ctx, tx, name, cols, colTypes); err != nil {
		return err
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, row := range rows {
		for i, col := range cols {
			if args[i], err = s.sqlValue(row[col]); err != nil {
				return fmt.Errorf("table %s column %s: %w", name, col, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ensureTable(ctx context.Context, tx *sql.Tx, name string, cols []string, colTypes map[string]string) error {
	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", name)
	if err != nil {
		return err
	}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return err
		}
		existing[col] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(existing) == 0 {
		defs := make([]string, len(cols))
		for i, col := range cols {
			defs[i] = strings.TrimSpace(quoteIdent(col) + " " + colTypes[col])
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", ")))
		return err
	}
	for _, col := range cols {
		if existing[col] {
			continue
		}
		stmt := strings.TrimSpace(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(name), quoteIdent(col), colTypes[col]))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func sqlTypeOf(v any) string {
	switch v.(type) {
	case bool:
		return "BOOLEAN"
	case int8, int16, int32, int64, int:
		return "INTEGER"
	case float32, float64:
		return "REAL"
	case time.Time:
		return "DATETIME"
	case nil:
		return ""
	default:
		return "TEXT"
	}
}

// sqlValue converts a row value to a driver value. References and other
// model values are stored as their codec text.
func (s *Store) sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int8, int16, int32, int64, int, float32, float64, string:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case models.Char:
		return string(rune(x)), nil
	case models.ExtID:
		return string(x), nil
	default:
		k, text, err := s.codec.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		if k == codec.KindAbsent {
			return nil, nil
		}
		return text, nil
	}
}

// Finish records the time of the last completed load.
func (s *Store) Finish(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kb_kv (key, value) VALUES ('last_load', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		time.Now().UTC().Format(time.RFC3339))
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
