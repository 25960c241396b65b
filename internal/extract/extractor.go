package extract

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/kilupskalvis/kbdump/internal/dump"
	"github.com/kilupskalvis/kbdump/internal/metrics"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// Blacklist names bookkeeping types that are never dumped.
var Blacklist = []string{
	"Revision", "Branch", "BranchSwitch", "RevisionXref",
	"Principal", "Permission", "AccessRight",
}

// Options configures an Extractor.
type Options struct {
	ChunkSize  int
	FlushEvery int
	Include    []string
	Exclude    []string
	Version    *models.VersionDescriptor
}

// Result summarizes an extraction.
type Result struct {
	ChangeSets int
	Types      int
	Items      int
	Tables     int
	Rows       int
	Errors     []error
}

// Extractor writes the history, unversioned instances and plain tables of a
// store to a dump Writer.
type Extractor struct {
	repo      schema.Repository
	changes   ChangeSetSource
	instances InstanceSource
	tables    TableSource
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an Extractor. Any source may be nil to leave its section empty.
func New(repo schema.Repository, changes ChangeSetSource, instances InstanceSource, tables TableSource, opts Options, logger *slog.Logger, m *metrics.Metrics) *Extractor {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1000
	}
	if opts.FlushEvery < 1 {
		opts.FlushEvery = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		repo:      repo,
		changes:   changes,
		instances: instances,
		tables:    tables,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

// Run writes a complete document. Failures of single change sets, types or
// tables are isolated by the writer; the returned error is fatal.
func (e *Extractor) Run(ctx context.Context, w *dump.Writer) (Result, error) {
	var res Result

	if err := w.StartDocument(e.opts.Version); err != nil {
		return res, err
	}

	if err := w.BeginChangeSets(); err != nil {
		return res, err
	}
	n, err := e.writeChangeSets(ctx, w)
	res.ChangeSets = n
	if err != nil {
		return res, err
	}
	if err := w.EndChangeSets(); err != nil {
		return res, err
	}

	if err := w.BeginTypes(); err != nil {
		return res, err
	}
	if err := e.writeTypes(ctx, w, &res); err != nil {
		return res, err
	}
	if err := w.EndTypes(); err != nil {
		return res, err
	}

	if err := w.BeginTables(); err != nil {
		return res, err
	}
	if err := e.writeTables(ctx, w, &res); err != nil {
		return res, err
	}
	if err := w.EndTables(); err != nil {
		return res, err
	}

	if err := w.EndDocument(); err != nil {
		return res, err
	}
	res.Errors = w.Errors()
	e.logger.Info("dump complete",
		"changesets", res.ChangeSets,
		"types", res.Types,
		"items", res.Items,
		"tables", res.Tables,
		"rows", res.Rows,
		"errors", len(res.Errors),
	)
	return res, nil
}

// blocked returns the blacklisted and excluded type names.
func (e *Extractor) blocked() map[string]bool {
	blocked := make(map[string]bool, len(Blacklist)+len(e.opts.Exclude))
	for _, name := range Blacklist {
		blocked[name] = true
	}
	for _, name := range e.opts.Exclude {
		blocked[name] = true
	}
	return blocked
}

// VersionedTypes returns the names of the types whose events are dumped. The
// result is never nil: an empty list keeps no events.
func (e *Extractor) VersionedTypes() []string {
	blocked := e.blocked()

	names := []string{}
	if len(e.opts.Include) > 0 {
		for _, name := range e.opts.Include {
			if !blocked[name] {
				names = append(names, name)
			}
		}
		return names
	}
	for _, t := range e.repo.Types() {
		if t.IsAbstract() || t.IsUnversioned() || t.IsPlain() || blocked[t.Name()] {
			continue
		}
		names = append(names, t.Name())
	}
	return names
}

func (e *Extractor) writeChangeSets(ctx context.Context, w *dump.Writer) (int, error) {
	if e.changes == nil {
		return 0, nil
	}
	cur, err := e.changes.ChangeSets(ctx, e.VersionedTypes())
	if err != nil {
		return 0, fmt.Errorf("open change sets: %w", err)
	}
	defer cur.Close()

	blocked := e.blocked()
	var n, seq int
	for cur.Next(ctx) {
		cs := cur.Value()
		seq++
		if uerr := cur.UnitErr(); uerr != nil {
			if err := w.FailChangeSet(cs.Revision, uerr); err != nil {
				return n, err
			}
			e.metrics.UnitError("changeset")
			continue
		}
		stripBlocked(cs, blocked)
		before := len(w.Errors())
		if err := w.WriteChangeSet(cs); err != nil {
			return n, err
		}
		if len(w.Errors()) > before {
			e.metrics.UnitError("changeset")
		} else {
			n++
			e.metrics.ChangeSet(metrics.PhaseDump)
			for _, ev := range cs.Events() {
				e.metrics.Event(metrics.PhaseDump, ev.Kind().String())
			}
		}
		if seq%e.opts.FlushEvery == 0 {
			e.logger.Info("dump progress", "changesets", n, "revision", cs.Revision)
		}
	}
	if err := cur.Err(); err != nil {
		return n, fmt.Errorf("read change sets: %w", err)
	}
	return n, nil
}

// stripBlocked drops events of blocked types a source may have returned.
func stripBlocked(cs *models.ChangeSet, blocked map[string]bool) {
	keep := func(id models.ObjectBranchID) bool { return !blocked[id.TypeName()] }
	cs.Deletions = slices.DeleteFunc(cs.Deletions, func(ev models.ItemDeletion) bool { return !keep(ev.ID) })
	cs.Creations = slices.DeleteFunc(cs.Creations, func(ev models.ObjectCreation) bool { return !keep(ev.ID) })
	cs.Updates = slices.DeleteFunc(cs.Updates, func(ev models.ItemUpdate) bool { return !keep(ev.ID) })
}

// UnversionedTypes returns the concrete unversioned item types to scan.
func (e *Extractor) UnversionedTypes() []*schema.Type {
	excluded := make(map[string]bool)
	for _, name := range append(append([]string(nil), Blacklist...), e.opts.Exclude...) {
		excluded[name] = true
	}
	var out []*schema.Type
	for _, t := range e.repo.Types() {
		if !t.IsUnversioned() || t.IsAbstract() || !t.IsA(schema.ItemTypeName) || excluded[t.Name()] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Extractor) writeTypes(ctx context.Context, w *dump.Writer, res *Result) error {
	if e.instances == nil {
		return nil
	}
	for _, t := range e.UnversionedTypes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := w.Stats().Items
		errsBefore := len(w.Errors())
		var items dump.CreationIterator
		it, err := NewChunkIterator(ctx, e.instances, t, e.opts.ChunkSize)
		if err != nil {
			items = failed{err: err}
		} else {
			items = it
		}

		werr := w.WriteUnversionedType(t, items)
		if it != nil {
			it.Close()
		}
		if werr != nil {
			return werr
		}
		count := w.Stats().Items - before
		res.Items += count
		if len(w.Errors()) > errsBefore {
			e.metrics.UnitError("type")
			continue
		}
		res.Types++
		e.metrics.Item(metrics.PhaseDump, count)
		e.logger.Debug("dumped unversioned type", "type", t.Name(), "items", count, "chunks", it.Windows())
	}
	return nil
}

// PlainTables returns the catalog tables that no live type is stored in.
func (e *Extractor) PlainTables(ctx context.Context) ([]string, error) {
	if e.tables == nil {
		return nil, nil
	}
	names, err := e.tables.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	owned := make(map[string]bool)
	for _, t := range e.repo.Types() {
		if t.IsPlain() {
			continue
		}
		if table := t.TableName(); table != "" {
			owned[strings.ToLower(table)] = true
		}
	}
	var out []string
	for _, name := range names {
		if !owned[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Extractor) writeTables(ctx context.Context, w *dump.Writer, res *Result) error {
	tables, err := e.PlainTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := w.Stats().Rows
		errsBefore := len(w.Errors())

		var rows dump.RowIterator
		cur, err := e.tables.Rows(ctx, table)
		if err != nil {
			rows = failed{err: err}
		} else {
			rows = cur
		}
		werr := w.WriteTable(table, rows)
		if cur != nil {
			cur.Close()
		}
		if werr != nil {
			return werr
		}

		count := w.Stats().Rows - before
		res.Rows += count
		if len(w.Errors()) > errsBefore {
			e.metrics.UnitError("table")
			continue
		}
		res.Tables++
		e.metrics.Row(metrics.PhaseDump, count)
	}
	return nil
}

// failed is an empty iterator reporting err, so a unit that cannot be opened
// is isolated like one that fails midway.
type failed struct{ err error }

func (failed) Next() bool                   { return false }
func (failed) Value() models.ObjectCreation { return models.ObjectCreation{} }
func (failed) Row() models.Row              { return nil }
func (f failed) Err() error                 { return f.err }
