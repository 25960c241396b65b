package sqlsink

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
)

// InsertWriter writes batches of rows into a table.
type InsertWriter interface {
	Insert(ctx context.Context, table string, columns []string, rows [][]any) error
	Close() error
}

func chunks(rows [][]any, size int, fn func([][]any) error) error {
	if size < 1 {
		size = DefaultStatementSize
	}
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func columnList(d Dialect, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

// TextWriter writes insert statements as SQL text.
type TextWriter struct {
	w             *bufio.Writer
	closer        io.Closer
	dialect       Dialect
	statementSize int
	statements    int
}

// NewTextWriter writes to out, closing it on Close when it is an io.Closer.
func NewTextWriter(out io.Writer, d Dialect, statementSize int) *TextWriter {
	tw := &TextWriter{w: bufio.NewWriter(out), dialect: d, statementSize: statementSize}
	if c, ok := out.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

func (t *TextWriter) Insert(_ context.Context, table string, columns []string, rows [][]any) error {
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES\n", t.dialect.Quote(table), columnList(t.dialect, columns))
	return chunks(rows, t.statementSize, func(chunk [][]any) error {
		var sb strings.Builder
		sb.WriteString(head)
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("table %s: row has %d values for %d columns", table, len(row), len(columns))
			}
			sb.WriteString("  (")
			for j, v := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				lit, err := t.dialect.Literal(v)
				if err != nil {
					return fmt.Errorf("table %s column %s: %w", table, columns[j], err)
				}
				sb.WriteString(lit)
			}
			sb.WriteString(")")
			if i < len(chunk)-1 {
				sb.WriteString(",\n")
			}
		}
		sb.WriteString(";\n")
		t.statements++
		_, err := t.w.WriteString(sb.String())
		return err
	})
}

// Statements returns the number of statements written.
func (t *TextWriter) Statements() int { return t.statements }

func (t *TextWriter) Close() error {
	err := t.w.Flush()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ExecWriter executes multi-row inserts through database/sql, one transaction
// per Insert call. Target tables must exist.
type ExecWriter struct {
	db            *sql.DB
	dialect       Dialect
	statementSize int
}

// NewExecWriter creates an ExecWriter.
func NewExecWriter(db *sql.DB, d Dialect, statementSize int) *ExecWriter {
	return &ExecWriter{db: db, dialect: d, statementSize: statementSize}
}

func (e *ExecWriter) Insert(ctx context.Context, table string, columns []string, rows [][]any) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", e.dialect.Quote(table), columnList(e.dialect, columns))
	err = chunks(rows, e.statementSize, func(chunk [][]any) error {
		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("table %s: row has %d values for %d columns", table, len(row), len(columns))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j, v := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				args = append(args, v)
				sb.WriteString(e.dialect.Placeholder(len(args)))
			}
			sb.WriteString(")")
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Close leaves the database open; it belongs to the caller.
func (e *ExecWriter) Close() error { return nil }

// CopyFromer is implemented by *pgx.Conn, pgx.Tx and *pgxpool.Pool.
type CopyFromer interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// CopyWriter bulk loads rows with the postgres COPY protocol.
type CopyWriter struct {
	conn          CopyFromer
	statementSize int
	copied        int64
}

// NewCopyWriter creates a CopyWriter issuing one COPY per statementSize rows.
func NewCopyWriter(conn CopyFromer, statementSize int) *CopyWriter {
	return &CopyWriter{conn: conn, statementSize: statementSize}
}

func (c *CopyWriter) Insert(ctx context.Context, table string, columns []string, rows [][]any) error {
	return chunks(rows, c.statementSize, func(chunk [][]any) error {
		n, err := c.conn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(chunk))
		if err != nil {
			return fmt.Errorf("copy into %s: %w", table, err)
		}
		c.copied += n
		return nil
	})
}

// Copied returns the number of rows loaded.
func (c *CopyWriter) Copied() int64 { return c.copied }

func (c *CopyWriter) Close() error { return nil }
