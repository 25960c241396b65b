// Package schema holds type descriptors for the objects and tables of a knowledge
// base, together with the repositories and the name resolver used during dump and
// replay sessions.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ItemTypeName is the name of the root type every object type derives from.
const ItemTypeName = "Item"

// CollectionSuffix marks a derived collection type, e.g. "Foo[]".
const CollectionSuffix = "[]"

var (
	// ErrUnknownType is returned when a type name cannot be found.
	ErrUnknownType = errors.New("unknown type")
	// ErrFrozenType is returned when a frozen type is mutated.
	ErrFrozenType = errors.New("type is frozen")
)

// Attribute describes one attribute of a type and the column it is stored in.
type Attribute struct {
	Name   string `json:"name"`
	Column string `json:"column,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// ColumnName returns the physical column name, defaulting to the attribute name.
func (a Attribute) ColumnName() string {
	if a.Column != "" {
		return a.Column
	}
	return a.Name
}

// Type describes an object type, a plain table or a placeholder for a name that
// the target schema does not know.
type Type struct {
	name        string
	table       string
	abstract    bool
	unversioned bool
	plain       bool
	placeholder bool
	frozen      bool

	super       *Type
	superName   string
	element     *Type
	elementName string
	attributes  []Attribute
}

// TypeOption configures a new Type.
type TypeOption func(*Type)

// WithTable sets the physical table name.
func WithTable(table string) TypeOption {
	return func(t *Type) { t.table = table }
}

// WithSuper sets the supertype.
func WithSuper(super *Type) TypeOption {
	return func(t *Type) {
		t.super = super
		if super != nil {
			t.superName = super.name
		}
	}
}

// WithAttributes appends attribute descriptors.
func WithAttributes(attrs ...Attribute) TypeOption {
	return func(t *Type) { t.attributes = append(t.attributes, attrs...) }
}

// Abstract marks the type as owning no storage of its own.
func Abstract() TypeOption {
	return func(t *Type) { t.abstract = true }
}

// Unversioned marks the type as excluded from revision history.
func Unversioned() TypeOption {
	return func(t *Type) { t.unversioned = true }
}

// NewType creates a live type descriptor.
func NewType(name string, opts ...TypeOption) *Type {
	t := &Type{name: name}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTable creates a descriptor for a plain relational table that has no object
// model representation.
func NewTable(name string, columns ...Attribute) *Type {
	return &Type{name: name, table: name, plain: true, attributes: columns}
}

// NewPlaceholder creates a mutable placeholder carrying only a name.
func NewPlaceholder(name string) *Type {
	t := &Type{name: name, placeholder: true}
	if elem, ok := strings.CutSuffix(name, CollectionSuffix); ok && elem != "" {
		t.elementName = elem
	}
	return t
}

func (t *Type) Name() string { return t.name }

// TableName returns the physical table name, or "" for types without storage.
func (t *Type) TableName() string {
	if t.abstract {
		return ""
	}
	return t.table
}

func (t *Type) IsAbstract() bool    { return t.abstract }
func (t *Type) IsUnversioned() bool { return t.unversioned }
func (t *Type) IsPlain() bool       { return t.plain }
func (t *Type) IsPlaceholder() bool { return t.placeholder }
func (t *Type) IsFrozen() bool      { return t.frozen }
func (t *Type) Super() *Type        { return t.super }
func (t *Type) SuperName() string   { return t.superName }
func (t *Type) Element() *Type      { return t.element }
func (t *Type) ElementName() string { return t.elementName }
func (t *Type) IsCollection() bool  { return t.elementName != "" }

// Attributes returns a copy of the attribute descriptors.
func (t *Type) Attributes() []Attribute {
	out := make([]Attribute, len(t.attributes))
	copy(out, t.attributes)
	return out
}

// Attribute looks up an attribute by name, walking the supertype chain.
func (t *Type) Attribute(name string) (Attribute, bool) {
	for cur := t; cur != nil; cur = cur.super {
		for _, a := range cur.attributes {
			if a.Name == name {
				return a, true
			}
		}
	}
	return Attribute{}, false
}

// IsA reports whether t is the named type or derives from it.
func (t *Type) IsA(name string) bool {
	for cur := t; cur != nil; cur = cur.super {
		if cur.name == name {
			return true
		}
	}
	return false
}

// StorageName is the table rows of this type are written to.
func (t *Type) StorageName() string {
	if t.table != "" {
		return t.table
	}
	return t.name
}

func (t *Type) String() string {
	if t.placeholder {
		return t.name + " (placeholder)"
	}
	return t.name
}

// SetSuperName records the name of a supertype that is resolved later.
func (t *Type) SetSuperName(name string) error {
	if t.frozen {
		return fmt.Errorf("set super of %s: %w", t.name, ErrFrozenType)
	}
	t.superName = name
	return nil
}

// SetSuper sets the supertype.
func (t *Type) SetSuper(super *Type) error {
	if t.frozen {
		return fmt.Errorf("set super of %s: %w", t.name, ErrFrozenType)
	}
	t.super = super
	if super != nil {
		t.superName = super.name
	}
	return nil
}

// SetElement sets the element type of a collection type.
func (t *Type) SetElement(elem *Type) error {
	if t.frozen {
		return fmt.Errorf("set element of %s: %w", t.name, ErrFrozenType)
	}
	t.element = elem
	if elem != nil {
		t.elementName = elem.name
	}
	return nil
}

// SetTable sets the physical table name.
func (t *Type) SetTable(table string) error {
	if t.frozen {
		return fmt.Errorf("set table of %s: %w", t.name, ErrFrozenType)
	}
	t.table = table
	return nil
}

// AddAttribute appends an attribute descriptor.
func (t *Type) AddAttribute(a Attribute) error {
	if t.frozen {
		return fmt.Errorf("add attribute %s to %s: %w", a.Name, t.name, ErrFrozenType)
	}
	t.attributes = append(t.attributes, a)
	return nil
}

// Freeze makes the type immutable.
func (t *Type) Freeze() { t.frozen = true }
