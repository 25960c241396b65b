package dump

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// CreationIterator yields the current instances of an unversioned type.
type CreationIterator interface {
	Next() bool
	Value() models.ObjectCreation
	Err() error
}

// RowIterator yields the rows of a plain table.
type RowIterator interface {
	Next() bool
	Row() models.Row
	Err() error
}

type writerState int

const (
	stateNew writerState = iota
	stateDocument
	stateChangeSets
	stateChangeSetsDone
	stateTypes
	stateTypesDone
	stateTables
	stateTablesDone
	stateDone
	stateClosed
)

var stateNames = [...]string{
	"new", "document", "changesets", "changesets-done", "types",
	"types-done", "tables", "tables-done", "done", "closed",
}

func (s writerState) String() string { return stateNames[s] }

// WriterStats counts what a Writer has emitted.
type WriterStats struct {
	ChangeSets int
	Events     int
	Types      int
	Items      int
	Tables     int
	Rows       int
	Errors     int
}

// Writer emits a dump document. Its methods must be called in document order:
// StartDocument, BeginChangeSets, WriteChangeSet*, EndChangeSets, BeginTypes,
// WriteUnversionedType*, EndTypes, BeginTables, WriteTable*, EndTables,
// EndDocument, Close. Calls out of order panic.
//
// A failure inside one change set, one type or one table closes the unit,
// records an inline error element and continues, unless the writer fails fast.
type Writer struct {
	tw       *TagWriter
	codec    *codec.Codec
	closer   io.Closer
	logger   *slog.Logger
	failFast bool

	state writerState
	errs  *multierror.Error
	stats WriterStats
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFailFast makes the first unit failure abort the write.
func WithFailFast(failFast bool) WriterOption {
	return func(w *Writer) { w.failFast = failFast }
}

// WithWriterLogger sets the logger for isolated failures.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter creates a Writer on out. If out is an io.Closer, Close closes it.
func NewWriter(out io.Writer, c *codec.Codec, opts ...WriterOption) *Writer {
	w := &Writer{
		tw:     NewTagWriter(out),
		codec:  c,
		logger: slog.Default(),
	}
	if cl, ok := out.(io.Closer); ok {
		w.closer = cl
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) expect(op string, s writerState) {
	if w.state != s {
		panic(fmt.Sprintf("dump: %s called in state %s, want %s", op, w.state, s))
	}
}

// StartDocument opens the document and records module versions.
func (w *Writer) StartDocument(version *models.VersionDescriptor) error {
	w.expect("StartDocument", stateNew)
	w.state = stateDocument

	w.tw.Start(elemData)
	if version != nil && len(version.Modules) > 0 {
		w.tw.Start(elemVersion)
		for _, name := range sortedKeys(version.Modules) {
			w.tw.Empty(elemModule, attrName, name, attrVersion, version.Modules[name])
		}
		w.tw.End()
	}
	w.tw.Empty(elemModel)
	return w.tw.Err()
}

// BeginChangeSets opens the change set section.
func (w *Writer) BeginChangeSets() error {
	w.expect("BeginChangeSets", stateDocument)
	w.state = stateChangeSets
	return w.tw.Start(elemChangeSets)
}

// WriteChangeSet writes one change set: branch events, then deletions, then
// creations, then updates. All values are encoded before any tag is written,
// so a value failure produces no partial change set.
func (w *Writer) WriteChangeSet(cs *models.ChangeSet) error {
	w.expect("WriteChangeSet", stateChangeSets)

	depth := w.tw.Depth()
	if err := w.writeChangeSet(cs); err != nil {
		return w.isolate(depth, fmt.Errorf("changeset %d: %w", cs.Revision, err))
	}
	w.stats.ChangeSets++
	w.stats.Events += cs.Len()
	return nil
}

// FailChangeSet records a change set the source could not read. It is
// isolated like a change set that fails to encode.
func (w *Writer) FailChangeSet(rev int64, err error) error {
	w.expect("FailChangeSet", stateChangeSets)
	return w.isolate(w.tw.Depth(), fmt.Errorf("changeset %d: %w", rev, err))
}

type encodedProp struct {
	name              string
	kind, value       string
	hasOld            bool
	oldKind, oldValue string
}

type encodedEvent struct {
	elem  string
	typ   string
	id    string
	props []encodedProp
}

func (w *Writer) writeChangeSet(cs *models.ChangeSet) error {
	events := make([]encodedEvent, 0, cs.Len())
	for _, ev := range cs.Events() {
		enc, err := w.encodeEvent(ev)
		if err != nil {
			return err
		}
		events = append(events, enc)
	}

	w.tw.Start(elemChangeSet,
		attrRevision, strconv.FormatInt(cs.Revision, 10),
		attrAuthor, cs.Commit.Author,
		attrDate, strconv.FormatInt(cs.Commit.Time.UnixMilli(), 10),
		attrMessage, cs.Commit.Message,
	)
	for _, b := range cs.Branches {
		w.tw.Start(elemBranch,
			attrID, strconv.FormatInt(b.Branch, 10),
			attrBaseBranch, strconv.FormatInt(b.BaseBranch, 10),
			attrBaseRef, strconv.FormatInt(b.BaseRevision, 10),
		)
		for _, name := range b.Types {
			w.tw.Empty(elemType, attrName, name)
		}
		w.tw.End()
	}
	for _, ev := range events {
		w.tw.Start(ev.elem, attrType, ev.typ, attrID, ev.id)
		w.writeProps(ev.props)
		w.tw.End()
	}
	w.tw.End()
	return w.tw.Err()
}

func (w *Writer) encodeEvent(ev models.ItemEvent) (encodedEvent, error) {
	id := ev.ObjectID()
	if id.Type == nil {
		return encodedEvent{}, fmt.Errorf("%s %s: missing type", ev.Kind(), id)
	}
	out := encodedEvent{typ: id.Type.Name(), id: id.String()}

	var err error
	switch e := ev.(type) {
	case models.ObjectCreation:
		out.elem = elemAdd
		out.props, err = w.encodeValues(e.Values, nil, false)
	case models.ItemUpdate:
		out.elem = elemUpdate
		out.props, err = w.encodeValues(e.Values, e.OldValues, true)
	case models.ItemDeletion:
		out.elem = elemDelete
		out.props, err = w.encodeValues(e.Values, nil, false)
	}
	if err != nil {
		return encodedEvent{}, fmt.Errorf("%s %s %s: %w", ev.Kind(), out.typ, out.id, err)
	}
	return out, nil
}

func (w *Writer) encodeValues(values, old models.Values, withOld bool) ([]encodedProp, error) {
	props := make([]encodedProp, 0, len(values))
	for _, name := range sortedKeys(values) {
		p := encodedProp{name: name}
		k, text, err := w.codec.EncodeValue(values[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		p.kind, p.value = k.String(), text

		if withOld {
			if ov, ok := old[name]; ok && ov != nil {
				oldKind, otext, err := w.codec.EncodeValue(ov)
				if err != nil {
					return nil, fmt.Errorf("attribute %s old value: %w", name, err)
				}
				p.hasOld, p.oldKind, p.oldValue = true, oldKind.String(), otext
			}
		}
		props = append(props, p)
	}
	return props, nil
}

func (w *Writer) writeProps(props []encodedProp) {
	for _, p := range props {
		attrs := []string{attrName, p.name}
		if p.kind != "" {
			attrs = append(attrs, attrType, p.kind, attrValue, p.value)
		}
		if p.hasOld {
			attrs = append(attrs, attrOldType, p.oldKind, attrOldValue, p.oldValue)
		}
		w.tw.Empty(elemProp, attrs...)
	}
}

// EndChangeSets closes the change set section.
func (w *Writer) EndChangeSets() error {
	w.expect("EndChangeSets", stateChangeSets)
	w.state = stateChangeSetsDone
	return w.tw.End()
}

// BeginTypes opens the unversioned type section.
func (w *Writer) BeginTypes() error {
	w.expect("BeginTypes", stateChangeSetsDone)
	w.state = stateTypes
	return w.tw.Start(elemTypes)
}

// WriteUnversionedType writes every item of typ pulled from items.
func (w *Writer) WriteUnversionedType(typ *schema.Type, items CreationIterator) error {
	w.expect("WriteUnversionedType", stateTypes)

	depth := w.tw.Depth()
	if err := w.writeType(typ, items); err != nil {
		return w.isolate(depth, fmt.Errorf("type %s: %w", typ.Name(), err))
	}
	w.stats.Types++
	return nil
}

func (w *Writer) writeType(typ *schema.Type, items CreationIterator) error {
	if err := w.tw.Start(elemType, attrName, typ.Name()); err != nil {
		return err
	}
	for items.Next() {
		item := items.Value()
		props, err := w.encodeValues(item.Values, nil, false)
		if err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
		w.tw.Start(elemItem, attrID, item.ID.String())
		w.writeProps(props)
		if err := w.tw.End(); err != nil {
			return err
		}
		w.stats.Items++
	}
	if err := items.Err(); err != nil {
		return err
	}
	return w.tw.End()
}

// EndTypes closes the unversioned type section.
func (w *Writer) EndTypes() error {
	w.expect("EndTypes", stateTypes)
	w.state = stateTypesDone
	return w.tw.End()
}

// BeginTables opens the plain table section.
func (w *Writer) BeginTables() error {
	w.expect("BeginTables", stateTypesDone)
	w.state = stateTables
	return w.tw.Start(elemTables)
}

// WriteTable writes every row pulled from rows.
func (w *Writer) WriteTable(table string, rows RowIterator) error {
	w.expect("WriteTable", stateTables)

	depth := w.tw.Depth()
	if err := w.writeTable(table, rows); err != nil {
		return w.isolate(depth, fmt.Errorf("table %s: %w", table, err))
	}
	w.stats.Tables++
	return nil
}

func (w *Writer) writeTable(table string, rows RowIterator) error {
	if err := w.tw.Start(elemTable, attrName, table); err != nil {
		return err
	}
	for rows.Next() {
		props, err := w.encodeValues(models.Values(rows.Row()), nil, false)
		if err != nil {
			return fmt.Errorf("row %d: %w", w.stats.Rows, err)
		}
		w.tw.Start(elemRow)
		w.writeProps(props)
		if err := w.tw.End(); err != nil {
			return err
		}
		w.stats.Rows++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.tw.End()
}

// EndTables closes the plain table section.
func (w *Writer) EndTables() error {
	w.expect("EndTables", stateTables)
	w.state = stateTablesDone
	return w.tw.End()
}

// EndDocument closes the document and flushes output.
func (w *Writer) EndDocument() error {
	w.expect("EndDocument", stateTablesDone)
	w.state = stateDone
	w.tw.End()
	return w.tw.Flush()
}

// Close releases the underlying output. It may be called in any state; a
// document that was not ended is left incomplete.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return nil
	}
	w.state = stateClosed
	flushErr := w.tw.Flush()
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return err
		}
	}
	return flushErr
}

// isolate closes the failed unit back to depth and records the failure. It
// returns an error only for output failures or in fail-fast mode.
func (w *Writer) isolate(depth int, err error) error {
	if w.tw.Err() != nil {
		return w.tw.Err()
	}
	w.errs = multierror.Append(w.errs, err)
	w.stats.Errors++
	w.logger.Error("dump unit failed", "error", err)

	if w.failFast {
		return err
	}
	if cerr := w.tw.CloseTo(depth); cerr != nil {
		return cerr
	}
	w.tw.Start(elemError)
	w.tw.Text(err.Error())
	return w.tw.End()
}

// Errors returns the failures isolated so far.
func (w *Writer) Errors() []error {
	if w.errs == nil {
		return nil
	}
	return w.errs.Errors
}

// Err returns the isolated failures combined, or nil.
func (w *Writer) Err() error { return w.errs.ErrorOrNil() }

// Stats returns counts of what has been written.
func (w *Writer) Stats() WriterStats { return w.stats }

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
