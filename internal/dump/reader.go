package dump

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

const (
	secChangeSets = iota
	secTypes
	secTables
	secNone = -1
)

var sectionElems = [...]string{secChangeSets: elemChangeSets, secTypes: elemTypes, secTables: elemTables}

func sectionIndex(name string) int {
	for i, s := range sectionElems {
		if s == name {
			return i
		}
	}
	return secNone
}

// Reader pulls change sets, unversioned items and table rows from a document in
// a single forward pass. Each Next method returns io.EOF once its section is
// exhausted. Calling a later section's method skips what is left of earlier
// ones.
//
// Elements whose type does not resolve to a live type are skipped with their
// children. Inline error elements are skipped and their text kept.
type Reader struct {
	dec      *xml.Decoder
	resolver *schema.Resolver
	codec    *codec.Codec
	logger   *slog.Logger
	onStart  func(rev int64)

	started bool
	ended   bool
	pending *xml.StartElement
	passed  int
	inside  int

	nested     bool
	nestedType *schema.Type

	version      *models.VersionDescriptor
	inlineErrors []string
	skipped      int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderLogger sets the logger used for skipped elements.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// WithChangeSetStart sets a function called with the revision of each change
// set before its children are read.
func WithChangeSetStart(fn func(rev int64)) ReaderOption {
	return func(r *Reader) { r.onStart = fn }
}

// NewReader creates a Reader resolving type names through res.
func NewReader(in io.Reader, res *schema.Resolver, opts ...ReaderOption) *Reader {
	dec := xml.NewDecoder(in)
	dec.Strict = true
	r := &Reader{
		dec:      dec,
		resolver: res,
		codec:    codec.New(res),
		logger:   slog.Default(),
		inside:   secNone,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDocument, fmt.Sprintf(format, args...))
}

// ReadHeader consumes the document start and returns the recorded module
// versions, or nil if none were recorded.
func (r *Reader) ReadHeader() (*models.VersionDescriptor, error) {
	if r.started {
		return r.version, nil
	}
	r.started = true

	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, malformed("empty document")
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local != elemData {
				return nil, malformed("root element <%s>, want <%s>", se.Name.Local, elemData)
			}
			break
		}
	}

	for {
		se, err := r.next()
		if err != nil {
			return nil, err
		}
		if se == nil {
			r.ended = true
			return r.version, nil
		}
		switch se.Name.Local {
		case elemVersion:
			if err := r.readVersion(); err != nil {
				return nil, err
			}
		case elemModel:
			if err := r.skipElement(); err != nil {
				return nil, err
			}
		default:
			r.pending = se
			return r.version, nil
		}
	}
}

func (r *Reader) readVersion() error {
	v := &models.VersionDescriptor{Modules: make(map[string]string)}
	for {
		se, err := r.next()
		if err != nil {
			return err
		}
		if se == nil {
			break
		}
		if se.Name.Local != elemModule {
			return malformed("unexpected <%s> in <%s>", se.Name.Local, elemVersion)
		}
		name, ok := attr(se, attrName)
		if !ok {
			return malformed("<%s> without %s", elemModule, attrName)
		}
		v.Modules[name], _ = attr(se, attrVersion)
		if err := r.skipElement(); err != nil {
			return err
		}
	}
	r.version = v
	return nil
}

// next returns the next child element of the current element, or nil once the
// current element ends. Inline error elements are consumed and recorded.
func (r *Reader) next() (*xml.StartElement, error) {
	if r.pending != nil {
		se := r.pending
		r.pending = nil
		return se, nil
	}
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, malformed("unexpected end of document")
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == elemError {
				text, err := r.readText()
				if err != nil {
					return nil, err
				}
				r.inlineErrors = append(r.inlineErrors, text)
				r.logger.Warn("dump contains inline error", "error", text)
				continue
			}
			se := t.Copy()
			return &se, nil
		case xml.EndElement:
			return nil, nil
		}
	}
}

func (r *Reader) readText() (string, error) {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := r.dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Reader) skipElement() error {
	if err := r.dec.Skip(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return nil
}

// openSection positions the reader inside section idx. It reports false if the
// section is absent or already passed.
func (r *Reader) openSection(idx int) (bool, error) {
	if _, err := r.ReadHeader(); err != nil {
		return false, err
	}
	if r.inside == idx {
		return true, nil
	}
	if err := r.leaveSection(); err != nil {
		return false, err
	}
	if r.ended || r.passed > idx {
		return false, nil
	}

	for {
		se, err := r.next()
		if err != nil {
			return false, err
		}
		if se == nil {
			r.ended = true
			return false, nil
		}
		k := sectionIndex(se.Name.Local)
		switch {
		case k == secNone:
			return false, malformed("unexpected <%s> in <%s>", se.Name.Local, elemData)
		case k < idx:
			if err := r.skipElement(); err != nil {
				return false, err
			}
			r.passed = k + 1
		case k == idx:
			r.inside = idx
			r.passed = idx + 1
			return true, nil
		default:
			r.pending = se
			r.passed = idx + 1
			return false, nil
		}
	}
}

func (r *Reader) leaveSection() error {
	if r.inside == secNone {
		return nil
	}
	if r.nested {
		if err := r.skipElement(); err != nil {
			return err
		}
		r.nested = false
	}
	r.inside = secNone
	return r.skipElement()
}

// NextChangeSet returns the next change set.
func (r *Reader) NextChangeSet() (*models.ChangeSet, error) {
	ok, err := r.openSection(secChangeSets)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}

	se, err := r.next()
	if err != nil {
		return nil, err
	}
	if se == nil {
		r.inside = secNone
		return nil, io.EOF
	}
	if se.Name.Local != elemChangeSet {
		return nil, malformed("unexpected <%s> in <%s>", se.Name.Local, elemChangeSets)
	}
	return r.readChangeSet(se)
}

func (r *Reader) readChangeSet(se *xml.StartElement) (*models.ChangeSet, error) {
	rev, err := intAttr(se, attrRevision, true)
	if err != nil {
		return nil, err
	}
	date, err := intAttr(se, attrDate, false)
	if err != nil {
		return nil, err
	}
	author, _ := attr(se, attrAuthor)
	message, _ := attr(se, attrMessage)
	cs := models.NewChangeSet(models.NewCommitEvent(rev, author, time.UnixMilli(date), message))
	if r.onStart != nil {
		r.onStart(rev)
	}

	for {
		child, err := r.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return cs, nil
		}
		switch child.Name.Local {
		case elemBranch:
			b, err := r.readBranch(child)
			if err != nil {
				return nil, fmt.Errorf("changeset %d: %w", rev, err)
			}
			cs.AddBranch(b)
		case elemAdd, elemUpdate, elemDelete:
			ev, err := r.readEvent(child)
			if err != nil {
				return nil, fmt.Errorf("changeset %d: %w", rev, err)
			}
			if ev != nil {
				cs.Add(ev)
			}
		default:
			return nil, malformed("unexpected <%s> in changeset %d", child.Name.Local, rev)
		}
	}
}

func (r *Reader) readBranch(se *xml.StartElement) (models.BranchEvent, error) {
	var b models.BranchEvent
	var err error
	if b.Branch, err = intAttr(se, attrID, true); err != nil {
		return b, err
	}
	if b.BaseBranch, err = intAttr(se, attrBaseBranch, true); err != nil {
		return b, err
	}
	if b.BaseRevision, err = intAttr(se, attrBaseRef, true); err != nil {
		return b, err
	}
	for {
		child, err := r.next()
		if err != nil {
			return b, err
		}
		if child == nil {
			return b, nil
		}
		if child.Name.Local != elemType {
			return b, malformed("unexpected <%s> in <%s>", child.Name.Local, elemBranch)
		}
		name, _ := attr(child, attrName)
		b.Types = append(b.Types, name)
		if err := r.skipElement(); err != nil {
			return b, err
		}
	}
}

// readEvent returns nil after skipping an event of an unresolved type.
func (r *Reader) readEvent(se *xml.StartElement) (models.ItemEvent, error) {
	typeName, ok := attr(se, attrType)
	if !ok || typeName == "" {
		return nil, malformed("<%s> without %s", se.Name.Local, attrType)
	}
	id, err := r.objectID(se)
	if err != nil {
		return nil, err
	}

	typ := r.resolver.Resolve(typeName)
	if typ.IsPlaceholder() {
		r.skipped++
		r.logger.Debug("skipping event of unknown type", "type", typeName, "id", id.String(), "event", se.Name.Local)
		return nil, r.skipElement()
	}
	id.Type = typ

	withOld := se.Name.Local == elemUpdate
	values, old, err := r.readProps(withOld)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", se.Name.Local, typeName, id, err)
	}
	switch se.Name.Local {
	case elemAdd:
		return models.ObjectCreation{ID: id, Values: values}, nil
	case elemUpdate:
		return models.ItemUpdate{ID: id, Values: values, OldValues: old}, nil
	default:
		return models.ItemDeletion{ID: id, Values: values}, nil
	}
}

func (r *Reader) objectID(se *xml.StartElement) (models.ObjectBranchID, error) {
	text, ok := attr(se, attrID)
	if !ok {
		return models.ObjectBranchID{}, malformed("<%s> without %s", se.Name.Local, attrID)
	}
	branch, name, err := codec.ParseID(text)
	if err != nil {
		return models.ObjectBranchID{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return models.ObjectBranchID{Branch: branch, Name: name}, nil
}

// readProps reads prop children. With withOld set, an attribute lacking an old
// type gets a nil old value: the previous value is unknown.
func (r *Reader) readProps(withOld bool) (models.Values, models.Values, error) {
	values := make(models.Values)
	var old models.Values
	if withOld {
		old = make(models.Values)
	}
	for {
		se, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if se == nil {
			return values, old, nil
		}
		if se.Name.Local != elemProp {
			return nil, nil, malformed("unexpected <%s>, want <%s>", se.Name.Local, elemProp)
		}
		name, ok := attr(se, attrName)
		if !ok {
			return nil, nil, malformed("<%s> without %s", elemProp, attrName)
		}
		v, err := r.decode(se, attrType, attrValue)
		if err != nil {
			return nil, nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		values[name] = v
		if withOld {
			ov, err := r.decode(se, attrOldType, attrOldValue)
			if err != nil {
				return nil, nil, fmt.Errorf("attribute %s old value: %w", name, err)
			}
			old[name] = ov
		}
		if err := r.skipElement(); err != nil {
			return nil, nil, err
		}
	}
}

func (r *Reader) decode(se *xml.StartElement, typeAttr, valueAttr string) (any, error) {
	kindText, ok := attr(se, typeAttr)
	if !ok {
		return nil, nil
	}
	k, err := codec.ParseKind(kindText)
	if err != nil {
		return nil, err
	}
	text, _ := attr(se, valueAttr)
	return r.codec.Decode(k, text)
}

// NextType returns the next unversioned type whose items follow. Types that do
// not resolve are skipped.
func (r *Reader) NextType() (*schema.Type, error) {
	return r.nextContainer(secTypes, elemType, r.resolver.Resolve)
}

// NextItem returns the next item of the current type.
func (r *Reader) NextItem() (models.ObjectCreation, error) {
	se, err := r.nextChild(secTypes, elemItem)
	if err != nil {
		return models.ObjectCreation{}, err
	}
	id, err := r.objectID(se)
	if err != nil {
		return models.ObjectCreation{}, err
	}
	id.Type = r.nestedType
	values, _, err := r.readProps(false)
	if err != nil {
		return models.ObjectCreation{}, fmt.Errorf("item %s %s: %w", id.TypeName(), id, err)
	}
	return models.ObjectCreation{ID: id, Values: values}, nil
}

// NextTable returns the next plain table whose rows follow. Tables that do not
// resolve are skipped.
func (r *Reader) NextTable() (*schema.Type, error) {
	return r.nextContainer(secTables, elemTable, r.resolver.ResolveTable)
}

// NextRow returns the next row of the current table.
func (r *Reader) NextRow() (models.Row, error) {
	if _, err := r.nextChild(secTables, elemRow); err != nil {
		return nil, err
	}
	values, _, err := r.readProps(false)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", r.nestedType.Name(), err)
	}
	return models.Row(values), nil
}

func (r *Reader) nextContainer(sec int, elem string, resolve func(string) *schema.Type) (*schema.Type, error) {
	ok, err := r.openSection(sec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	if r.nested {
		if err := r.skipElement(); err != nil {
			return nil, err
		}
		r.nested = false
	}

	for {
		se, err := r.next()
		if err != nil {
			return nil, err
		}
		if se == nil {
			r.inside = secNone
			return nil, io.EOF
		}
		if se.Name.Local != elem {
			return nil, malformed("unexpected <%s> in <%s>", se.Name.Local, sectionElems[sec])
		}
		name, _ := attr(se, attrName)
		typ := resolve(name)
		if typ == nil || typ.IsPlaceholder() {
			r.skipped++
			r.logger.Debug("skipping unknown "+elem, "name", name)
			if err := r.skipElement(); err != nil {
				return nil, err
			}
			continue
		}
		r.nested = true
		r.nestedType = typ
		return typ, nil
	}
}

func (r *Reader) nextChild(sec int, elem string) (*xml.StartElement, error) {
	if r.inside != sec || !r.nested {
		return nil, io.EOF
	}
	se, err := r.next()
	if err != nil {
		return nil, err
	}
	if se == nil {
		r.nested = false
		return nil, io.EOF
	}
	if se.Name.Local != elem {
		return nil, malformed("unexpected <%s>, want <%s>", se.Name.Local, elem)
	}
	return se, nil
}

// InlineErrors returns the text of every inline error element read so far.
// Errors inside content skipped by jumping to a later section are not seen.
func (r *Reader) InlineErrors() []string { return r.inlineErrors }

// Skipped returns the number of elements skipped because their type did not
// resolve.
func (r *Reader) Skipped() int { return r.skipped }

func attr(se *xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func intAttr(se *xml.StartElement, name string, required bool) (int64, error) {
	text, ok := attr(se, name)
	if !ok {
		if required {
			return 0, malformed("<%s> without %s", se.Name.Local, name)
		}
		return 0, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, malformed("<%s> %s=%q: %v", se.Name.Local, name, text, err)
	}
	return n, nil
}
