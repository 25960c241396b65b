package sqlsink

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// Bookkeeping tables written on Finish.
const (
	RevisionTable = "revision"
	BranchTable   = "branch"
	SequenceTable = "sequence"
)

// Version columns leading every object row.
const (
	ColBranch    = "branch"
	ColName      = "name"
	ColRevMin    = "rev_min"
	ColRevMax    = "rev_max"
	ColRevCreate = "rev_create"
)

var versionColumns = []string{ColBranch, ColName, ColRevMin, ColRevMax, ColRevCreate}

// DefaultBufferSize is the number of rows buffered per table before an insert.
const DefaultBufferSize = 10000

// DefaultMaxDataSize is the approximate number of buffered bytes across all
// tables that forces a flush.
const DefaultMaxDataSize = 10 << 20

// BuilderStats counts what a Builder produced.
type BuilderStats struct {
	Rows      int
	Revisions int
	Branches  int
	Dropped   int
}

// version is the open row version of one object.
type version struct {
	typ       *schema.Type
	branch    int64
	name      string
	revMin    int64
	revCreate int64
	values    models.Values
}

type revisionRow struct {
	rev     int64
	author  string
	date    time.Time
	message string
}

// buffer holds rows of one table sharing a column set.
type buffer struct {
	columns []string
	rows    [][]any
	size    int
}

// Builder converts change sets into versioned object rows. Each object
// version is a row valid from rev_min to rev_max; current versions are held
// until Finish and written with rev_max set to models.CurrentRevision.
// Events that contradict the known state are logged and dropped.
type Builder struct {
	out         InsertWriter
	bufferSize  int
	maxDataSize int
	logger      *slog.Logger

	open      map[models.ObjectKey]*version
	buffers   map[string]*buffer
	declared  map[*schema.Type][]string
	dataSize  int
	revisions []revisionRow
	branches  [][]any

	maxRev    int64
	maxBranch int64
	stats     BuilderStats
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBufferSize sets the number of rows buffered per table.
func WithBufferSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMaxDataSize sets the approximate buffered byte count that flushes all
// tables.
func WithMaxDataSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxDataSize = n
		}
	}
}

// WithBuilderLogger sets the logger anomalies are reported to.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder writing to out.
func NewBuilder(out InsertWriter, opts ...BuilderOption) *Builder {
	b := &Builder{
		out:         out,
		bufferSize:  DefaultBufferSize,
		maxDataSize: DefaultMaxDataSize,
		logger:      slog.Default(),
		open:        make(map[models.ObjectKey]*version),
		buffers:     make(map[string]*buffer),
		declared:    make(map[*schema.Type][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stats returns the counters so far.
func (b *Builder) Stats() BuilderStats { return b.stats }

// ApplyChangeSet turns the events of cs into row versions. Synthetic change
// sets hold current unversioned instances and become final rows directly.
func (b *Builder) ApplyChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	rev := cs.Revision
	b.maxRev = max(b.maxRev, rev)

	if cs.Synthetic {
		for _, c := range cs.Creations {
			v := &version{typ: c.ID.Type, branch: c.ID.Branch, name: c.ID.Name, revMin: rev, revCreate: rev, values: c.Values}
			if err := b.emit(ctx, v, models.CurrentRevision); err != nil {
				return err
			}
		}
		return nil
	}

	if err := b.addRevision(ctx, cs.Commit); err != nil {
		return err
	}
	for _, br := range cs.Branches {
		b.maxBranch = max(b.maxBranch, br.Branch)
		b.branches = append(b.branches, []any{br.Branch, br.BaseBranch, br.BaseRevision, rev})
		b.stats.Branches++
	}

	for _, d := range cs.Deletions {
		v, ok := b.current(d.ID, rev, "delete")
		if !ok {
			continue
		}
		delete(b.open, d.ID.Key())
		if err := b.emit(ctx, v, rev-1); err != nil {
			return err
		}
	}

	for _, c := range cs.Creations {
		key := c.ID.Key()
		if _, exists := b.open[key]; exists {
			b.drop("creation of existing object", c.ID, rev)
			continue
		}
		b.open[key] = &version{
			typ: c.ID.Type, branch: c.ID.Branch, name: c.ID.Name,
			revMin: rev, revCreate: rev, values: c.Values.Clone(),
		}
	}

	for _, u := range cs.Updates {
		v, ok := b.current(u.ID, rev, "update")
		if !ok {
			continue
		}
		if err := b.emit(ctx, v, rev-1); err != nil {
			return err
		}
		merged := v.values.Clone()
		if merged == nil {
			merged = make(models.Values, len(u.Values))
		}
		for k, val := range u.Values {
			merged[k] = val
		}
		b.open[u.ID.Key()] = &version{
			typ: v.typ, branch: v.branch, name: v.name,
			revMin: rev, revCreate: v.revCreate, values: merged,
		}
	}
	return nil
}

// current returns the open version an update or deletion applies to.
func (b *Builder) current(id models.ObjectBranchID, rev int64, op string) (*version, bool) {
	v, ok := b.open[id.Key()]
	if !ok {
		b.drop(op+" of unknown object", id, rev)
		return nil, false
	}
	if v.revMin >= rev {
		b.drop("object modified twice in one revision", id, rev)
		return nil, false
	}
	return v, true
}

func (b *Builder) drop(reason string, id models.ObjectBranchID, rev int64) {
	b.stats.Dropped++
	b.logger.Error(reason, "type", id.TypeName(), "id", id.String(), "revision", rev)
}

// addRevision buffers a revision row, moving earlier buffered dates back so
// that dates never decrease with the revision number.
func (b *Builder) addRevision(ctx context.Context, c models.CommitEvent) error {
	for i := len(b.revisions) - 1; i >= 0 && b.revisions[i].date.After(c.Time); i-- {
		b.revisions[i].date = c.Time
	}
	b.revisions = append(b.revisions, revisionRow{rev: c.Revision, author: c.Author, date: c.Time, message: c.Message})
	b.stats.Revisions++
	if len(b.revisions) < b.bufferSize {
		return nil
	}
	return b.flushRevisions(ctx)
}

func (b *Builder) flushRevisions(ctx context.Context) error {
	if len(b.revisions) == 0 {
		return nil
	}
	rows := make([][]any, len(b.revisions))
	for i, r := range b.revisions {
		rows[i] = []any{r.rev, r.author, r.date, r.message}
	}
	b.revisions = b.revisions[:0]
	return b.out.Insert(ctx, RevisionTable, []string{"rev", "author", "date", "log"}, rows)
}

// emit writes v as a closed version ending at revMax. The attribute columns
// are those declared by the type, NULL where v has no value, followed by any
// undeclared attribute v carries.
func (b *Builder) emit(ctx context.Context, v *version, revMax int64) error {
	if v.typ == nil || v.typ.StorageName() == "" {
		return fmt.Errorf("object %d/%s has no type", v.branch, v.name)
	}

	byColumn := make(map[string]any, len(v.values))
	for name, val := range v.values {
		col := name
		if a, ok := v.typ.Attribute(name); ok {
			col = a.ColumnName()
		}
		byColumn[col] = columnValue(val)
	}
	attrs := b.attributeColumns(v.typ, byColumn)

	columns := append(slices.Clone(versionColumns), attrs...)
	row := make([]any, 0, len(columns))
	row = append(row, v.branch, v.name, v.revMin, revMax, v.revCreate)
	for _, col := range attrs {
		row = append(row, byColumn[col])
	}
	return b.add(ctx, v.typ.StorageName(), columns, row)
}

// attributeColumns returns the declared columns of t, extended by the sorted
// columns of values t does not declare.
func (b *Builder) attributeColumns(t *schema.Type, values map[string]any) []string {
	declared, ok := b.declared[t]
	if !ok {
		for cur := t; cur != nil; cur = cur.Super() {
			for _, a := range cur.Attributes() {
				declared = append(declared, a.ColumnName())
			}
		}
		sort.Strings(declared)
		declared = slices.Compact(declared)
		b.declared[t] = declared
	}

	var extra []string
	for col := range values {
		if _, found := slices.BinarySearch(declared, col); !found {
			extra = append(extra, col)
		}
	}
	if len(extra) == 0 {
		return declared
	}
	sort.Strings(extra)
	return append(slices.Clone(declared), extra...)
}

// add buffers a row, flushing the table first when its column set changes.
// Rows of one type share a column set unless they carry undeclared values.
func (b *Builder) add(ctx context.Context, table string, columns []string, row []any) error {
	buf := b.buffers[table]
	if buf != nil && !slices.Equal(buf.columns, columns) {
		if err := b.flush(ctx, table); err != nil {
			return err
		}
		buf = nil
	}
	if buf == nil {
		buf = &buffer{columns: columns}
		b.buffers[table] = buf
	}
	size := rowSize(row)
	buf.rows = append(buf.rows, row)
	buf.size += size
	b.dataSize += size
	b.stats.Rows++
	if b.dataSize > b.maxDataSize {
		return b.flushAll(ctx)
	}
	if len(buf.rows) >= b.bufferSize {
		return b.flush(ctx, table)
	}
	return nil
}

func (b *Builder) flush(ctx context.Context, table string) error {
	buf := b.buffers[table]
	delete(b.buffers, table)
	if buf == nil || len(buf.rows) == 0 {
		return nil
	}
	b.dataSize -= buf.size
	return b.out.Insert(ctx, table, buf.columns, buf.rows)
}

// flushAll writes every table buffer in table name order.
func (b *Builder) flushAll(ctx context.Context) error {
	tables := make([]string, 0, len(b.buffers))
	for t := range b.buffers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if err := b.flush(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// rowSize approximates the encoded size of a row in bytes.
func rowSize(row []any) int {
	n := 0
	for _, v := range row {
		switch x := v.(type) {
		case string:
			n += len(x)
		case []byte:
			n += len(x)
		default:
			n += 8
		}
	}
	return n
}

// ApplyRows buffers plain table rows. The declared columns of table come
// first, sorted by name, then any other column a row carries.
func (b *Builder) ApplyRows(ctx context.Context, table *schema.Type, rows []models.Row) error {
	name := table.StorageName()
	for _, r := range rows {
		columns := b.attributeColumns(table, r)
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = columnValue(r[col])
		}
		if err := b.add(ctx, name, columns, row); err != nil {
			return err
		}
	}
	return nil
}

// Finish writes all current versions and the bookkeeping tables, then closes
// the output.
func (b *Builder) Finish(ctx context.Context) error {
	keys := make([]models.ObjectKey, 0, len(b.open))
	for k := range b.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, c := keys[i], keys[j]
		if a.Type != c.Type {
			return a.Type < c.Type
		}
		if a.Branch != c.Branch {
			return a.Branch < c.Branch
		}
		return a.Name < c.Name
	})
	for _, k := range keys {
		if err := b.emit(ctx, b.open[k], models.CurrentRevision); err != nil {
			return err
		}
		delete(b.open, k)
	}

	if err := b.flushRevisions(ctx); err != nil {
		return err
	}
	if len(b.branches) > 0 {
		rows := b.branches
		b.branches = nil
		if err := b.out.Insert(ctx, BranchTable, []string{"branch", "base_branch", "base_rev", "rev"}, rows); err != nil {
			return err
		}
	}

	if err := b.flushAll(ctx); err != nil {
		return err
	}

	err := b.out.Insert(ctx, SequenceTable, []string{"name", "value"}, [][]any{
		{"revision", b.maxRev},
		{"branch", b.maxBranch},
	})
	if cerr := b.out.Close(); err == nil {
		err = cerr
	}
	return err
}

// columnValue maps a model value onto a plain SQL value. References are
// stored in their "<branch>/<name>" form.
func columnValue(v any) any {
	switch x := v.(type) {
	case models.Char:
		return string(rune(x))
	case models.ExtID:
		return string(x)
	case models.ObjectBranchID:
		return codec.FormatID(x.Branch, x.Name)
	case *models.ObjectBranchID:
		if x == nil {
			return nil
		}
		return codec.FormatID(x.Branch, x.Name)
	case models.ObjectRef:
		return codec.FormatID(x.Branch, x.Name)
	case models.Identifiable:
		id := x.ObjectBranchID()
		return codec.FormatID(id.Branch, id.Name)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}
