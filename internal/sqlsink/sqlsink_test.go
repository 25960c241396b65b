package sqlsink

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type insert struct {
	table   string
	columns []string
	rows    [][]any
}

// recorder is an InsertWriter keeping every insert.
type recorder struct {
	inserts []insert
	closed  bool
}

func (r *recorder) Insert(_ context.Context, table string, columns []string, rows [][]any) error {
	r.inserts = append(r.inserts, insert{table: table, columns: columns, rows: rows})
	return nil
}

func (r *recorder) Close() error { r.closed = true; return nil }

func (r *recorder) rows(table string) [][]any {
	var out [][]any
	for _, in := range r.inserts {
		if in.table == table {
			out = append(out, in.rows...)
		}
	}
	return out
}

func newTestBuilder(t *testing.T, opts ...BuilderOption) (*Builder, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewBuilder(rec, opts...), rec
}

func fooType() *schema.Type {
	return schema.NewType("Foo", schema.WithTable("FOO"),
		schema.WithAttributes(schema.Attribute{Name: "size", Column: "SIZE"}))
}

func changeSet(rev int64, at time.Time, events ...models.ItemEvent) *models.ChangeSet {
	cs := models.NewChangeSet(models.NewCommitEvent(rev, "alice", at, "msg"))
	for _, ev := range events {
		cs.Add(ev)
	}
	return cs
}

// ==================== Builder Tests ====================

func TestBuilder_VersionsObjects(t *testing.T) {
	b, rec := newTestBuilder(t)
	ctx := context.Background()
	foo := fooType()
	id := models.ObjectBranchID{Branch: 1, Type: foo, Name: "a"}
	now := time.UnixMilli(1_000_000).UTC()

	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(1, now, models.ObjectCreation{ID: id, Values: models.Values{"size": int32(1)}})))
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(2, now, models.ItemUpdate{ID: id, Values: models.Values{"size": int32(2)}})))
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(3, now,
		models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: foo, Name: "b"}, Values: models.Values{"size": int32(9)}},
	)))
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(4, now, models.ItemDeletion{ID: id})))
	require.NoError(t, b.Finish(ctx))
	assert.True(t, rec.closed)

	rows := rec.rows("FOO")
	require.Len(t, rows, 3)
	assert.Equal(t, []any{int64(1), "a", int64(1), int64(1), int64(1), int32(1)}, rows[0])
	assert.Equal(t, []any{int64(1), "a", int64(2), int64(3), int64(1), int32(2)}, rows[1])
	assert.Equal(t, []any{int64(1), "b", int64(3), models.CurrentRevision, int64(3), int32(9)}, rows[2])

	for _, in := range rec.inserts {
		if in.table == "FOO" {
			assert.Equal(t, []string{"branch", "name", "rev_min", "rev_max", "rev_create", "SIZE"}, in.columns)
		}
	}

	assert.Len(t, rec.rows(RevisionTable), 4)
	assert.Equal(t, [][]any{{"revision", int64(4)}, {"branch", int64(0)}}, rec.rows(SequenceTable))
	assert.Equal(t, 0, b.Stats().Dropped)
}

func TestBuilder_DropsAnomalies(t *testing.T) {
	b, rec := newTestBuilder(t)
	ctx := context.Background()
	foo := fooType()
	id := models.ObjectBranchID{Branch: 1, Type: foo, Name: "a"}
	now := time.Now()

	// Update of an unknown object
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(1, now, models.ItemUpdate{ID: id, Values: models.Values{}})))
	// Modified twice in one revision
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(2, now,
		models.ObjectCreation{ID: id, Values: models.Values{}},
		models.ItemUpdate{ID: id, Values: models.Values{"size": int32(5)}},
	)))
	// Creation of an existing object
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(3, now, models.ObjectCreation{ID: id, Values: models.Values{}})))
	require.NoError(t, b.Finish(ctx))

	assert.Equal(t, 3, b.Stats().Dropped)
	rows := rec.rows("FOO")
	require.Len(t, rows, 1)
	assert.Equal(t, []any{int64(1), "a", int64(2), models.CurrentRevision, int64(2), nil}, rows[0])
}

func TestBuilder_SparseAttributesShareOneInsert(t *testing.T) {
	b, rec := newTestBuilder(t)
	ctx := context.Background()
	foo := schema.NewType("Foo", schema.WithTable("FOO"), schema.WithAttributes(
		schema.Attribute{Name: "size", Column: "SIZE"},
		schema.Attribute{Name: "label", Column: "LABEL"},
	))
	now := time.Now()

	cs := changeSet(1, now)
	for i := 0; i < 100; i++ {
		vals := models.Values{"size": int32(i)}
		if i%2 == 1 {
			vals["label"] = "odd"
		}
		cs.Add(models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: foo, Name: fmt.Sprintf("o%03d", i)}, Values: vals})
	}
	require.NoError(t, b.ApplyChangeSet(ctx, cs))
	require.NoError(t, b.Finish(ctx))

	var foos []insert
	for _, in := range rec.inserts {
		if in.table == "FOO" {
			foos = append(foos, in)
		}
	}
	require.Len(t, foos, 1)
	assert.Equal(t, []string{"branch", "name", "rev_min", "rev_max", "rev_create", "LABEL", "SIZE"}, foos[0].columns)
	require.Len(t, foos[0].rows, 100)
	assert.Equal(t, []any{int64(1), "o000", int64(1), models.CurrentRevision, int64(1), nil, int32(0)}, foos[0].rows[0])
	assert.Equal(t, []any{int64(1), "o001", int64(1), models.CurrentRevision, int64(1), "odd", int32(1)}, foos[0].rows[1])
}

func TestBuilder_UndeclaredAttributeAppendsColumn(t *testing.T) {
	b, rec := newTestBuilder(t)
	ctx := context.Background()
	foo := fooType()
	now := time.Now()

	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(1, now,
		models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: foo, Name: "a"}, Values: models.Values{"extra": "x"}},
	)))
	require.NoError(t, b.Finish(ctx))

	require.Len(t, rec.rows("FOO"), 1)
	for _, in := range rec.inserts {
		if in.table == "FOO" {
			assert.Equal(t, []string{"branch", "name", "rev_min", "rev_max", "rev_create", "SIZE", "extra"}, in.columns)
			assert.Equal(t, []any{nil, "x"}, in.rows[0][5:])
		}
	}
}

func TestBuilder_MaxDataSizeFlushesAllTables(t *testing.T) {
	b, rec := newTestBuilder(t, WithMaxDataSize(200))
	ctx := context.Background()
	foo := fooType()
	bar := schema.NewType("Bar", schema.WithTable("BAR"))
	now := time.Now()

	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(1, now,
		models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: foo, Name: "a"}, Values: models.Values{"size": int32(1)}},
		models.ObjectCreation{ID: models.ObjectBranchID{Branch: 1, Type: bar, Name: "b"}, Values: models.Values{"note": strings.Repeat("n", 300)}},
	)))
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(2, now,
		models.ItemUpdate{ID: models.ObjectBranchID{Branch: 1, Type: foo, Name: "a"}, Values: models.Values{"size": int32(2)}},
		models.ItemUpdate{ID: models.ObjectBranchID{Branch: 1, Type: bar, Name: "b"}, Values: models.Values{"note": "short"}},
	)))
	// The closed Foo version was written together with the oversized Bar version
	assert.Len(t, rec.rows("FOO"), 1)
	assert.Len(t, rec.rows("BAR"), 1)

	require.NoError(t, b.Finish(ctx))
	assert.Len(t, rec.rows("FOO"), 2)
	assert.Len(t, rec.rows("BAR"), 2)
}

func TestBuilder_BranchesAndRevisionDates(t *testing.T) {
	b, rec := newTestBuilder(t)
	ctx := context.Background()
	t1 := time.UnixMilli(5000).UTC()
	t2 := time.UnixMilli(3000).UTC()

	cs := changeSet(1, t1)
	cs.AddBranch(models.BranchEvent{Branch: 2, BaseBranch: 1, BaseRevision: 0})
	require.NoError(t, b.ApplyChangeSet(ctx, cs))
	require.NoError(t, b.ApplyChangeSet(ctx, changeSet(2, t2)))
	require.NoError(t, b.Finish(ctx))

	revs := rec.rows(RevisionTable)
	require.Len(t, revs, 2)
	assert.Equal(t, t2, revs[0][2])
	assert.Equal(t, t2, revs[1][2])

	assert.Equal(t, [][]any{{int64(2), int64(1), int64(0), int64(1)}}, rec.rows(BranchTable))
	assert.Equal(t, [][]any{{"revision", int64(2)}, {"branch", int64(2)}}, rec.rows(SequenceTable))
}

func TestBuilder_SyntheticAndPlainRows(t *testing.T) {
	b, rec := newTestBuilder(t, WithBufferSize(2))
	ctx := context.Background()
	setting := schema.NewType("Setting", schema.WithTable("SETTING"), schema.Unversioned())
	ref := models.ObjectBranchID{Branch: 1, Type: fooType(), Name: "a"}

	cs := models.NewChangeSet(models.NewCommitEvent(7, "loader", time.Now(), ""))
	cs.Synthetic = true
	for _, name := range []string{"x", "y", "z"} {
		cs.Add(models.ObjectCreation{
			ID:     models.ObjectBranchID{Branch: 1, Type: setting, Name: name},
			Values: models.Values{"target": ref, "c": models.Char('q')},
		})
	}
	require.NoError(t, b.ApplyChangeSet(ctx, cs))
	// Buffer size 2 flushed the first two rows already
	require.Len(t, rec.inserts, 1)
	assert.Len(t, rec.inserts[0].rows, 2)

	require.NoError(t, b.ApplyRows(ctx, schema.NewTable("audit"), []models.Row{
		{"id": int64(1)},
		{"id": int64(2), "who": "bob"},
	}))
	require.NoError(t, b.Finish(ctx))

	rows := rec.rows("SETTING")
	require.Len(t, rows, 3)
	assert.Equal(t, []any{int64(1), "z", int64(7), models.CurrentRevision, int64(7), "q", "1/a"}, rows[2])
	assert.Empty(t, rec.rows(RevisionTable))

	// A column set change starts a new insert
	var audits []insert
	for _, in := range rec.inserts {
		if in.table == "audit" {
			audits = append(audits, in)
		}
	}
	require.Len(t, audits, 2)
	assert.Equal(t, []string{"id"}, audits[0].columns)
	assert.Equal(t, []string{"id", "who"}, audits[1].columns)
}

// ==================== Dialect Tests ====================

func TestDialect_Literal(t *testing.T) {
	tests := []struct {
		dialect Dialect
		value   any
		want    string
	}{
		{SQLite, nil, "NULL"},
		{SQLite, true, "1"},
		{Postgres, true, "TRUE"},
		{SQLite, int32(-4), "-4"},
		{SQLite, 1.5, "1.5"},
		{SQLite, "it's", "'it''s'"},
		{Postgres, time.UnixMilli(1500).UTC(), "'1970-01-01 00:00:01.500'"},
	}
	for _, tt := range tests {
		got, err := tt.dialect.Literal(tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SQLite.Literal(struct{}{})
	assert.Error(t, err)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "$3", d.Placeholder(3))

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

// ==================== Writer Tests ====================

func TestTextWriter_ChunksStatements(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf, SQLite, 2)

	err := w.Insert(context.Background(), "t", []string{"a", "b"}, [][]any{
		{int64(1), "x"}, {int64(2), nil}, {int64(3), "z"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	want := "INSERT INTO \"t\" (\"a\", \"b\") VALUES\n  (1, 'x'),\n  (2, NULL);\n" +
		"INSERT INTO \"t\" (\"a\", \"b\") VALUES\n  (3, 'z');\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, 2, w.Statements())
}

func TestTextWriter_RejectsShortRow(t *testing.T) {
	w := NewTextWriter(&bytes.Buffer{}, SQLite, 0)
	err := w.Insert(context.Background(), "t", []string{"a", "b"}, [][]any{{int64(1)}})
	assert.Error(t, err)
}

func TestExecWriter_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE t (a INTEGER, b TEXT)`)
	require.NoError(t, err)

	w := NewExecWriter(db, SQLite, 2)
	err = w.Insert(context.Background(), "t", []string{"a", "b"}, [][]any{
		{int64(1), "x"}, {int64(2), "y"}, {int64(3), nil},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t WHERE a > 1").Scan(&count))
	assert.Equal(t, 2, count)
}

type fakeCopy struct {
	calls int
	rows  [][]any
	table pgx.Identifier
}

func (f *fakeCopy) CopyFrom(_ context.Context, table pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	f.calls++
	f.table = table
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		f.rows = append(f.rows, vals)
		n++
	}
	return n, src.Err()
}

func TestCopyWriter_Chunks(t *testing.T) {
	fc := &fakeCopy{}
	w := NewCopyWriter(fc, 2)

	err := w.Insert(context.Background(), "FOO", []string{"a"}, [][]any{{1}, {2}, {3}})
	require.NoError(t, err)
	assert.Equal(t, 2, fc.calls)
	assert.Equal(t, pgx.Identifier{"FOO"}, fc.table)
	assert.Len(t, fc.rows, 3)
	assert.Equal(t, int64(3), w.Copied())
}
