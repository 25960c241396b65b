// Package models defines the change-log data structures shared by the dump
// writer, reader, extractor and replay pipeline.
package models

import (
	"strconv"

	"github.com/kilupskalvis/kbdump/internal/schema"
)

// CurrentRevision marks a row version that has not been superseded.
const CurrentRevision int64 = 1<<63 - 1

// ObjectBranchID identifies a versioned object independent of revision.
type ObjectBranchID struct {
	Branch int64
	Type   *schema.Type
	Name   string
}

// String returns the "<branch>/<name>" form of the id.
func (id ObjectBranchID) String() string {
	return strconv.FormatInt(id.Branch, 10) + "/" + id.Name
}

// TypeName returns the name of the object type, or "" if unset.
func (id ObjectBranchID) TypeName() string {
	if id.Type == nil {
		return ""
	}
	return id.Type.Name()
}

// Key returns a map key unique per type, branch and name.
func (id ObjectBranchID) Key() ObjectKey {
	return ObjectKey{Type: id.TypeName(), Branch: id.Branch, Name: id.Name}
}

// ObjectKey is a comparable form of ObjectBranchID.
type ObjectKey struct {
	Type   string
	Branch int64
	Name   string
}

// ObjectRef references an object by type name without a resolved type.
type ObjectRef struct {
	TypeName string
	Branch   int64
	Name     string
}

// Identifiable is implemented by values that reference a stored object.
type Identifiable interface {
	ObjectBranchID() ObjectBranchID
}

// ExtID is an external identifier value.
type ExtID string

// Char is a single character value.
type Char rune

// Values maps attribute names to typed values. A nil entry is a value recorded
// as null; a missing entry is a value that was not recorded.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Row is one row of a plain table keyed by column name.
type Row map[string]any

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// VersionDescriptor records module versions of the store a dump was taken from.
type VersionDescriptor struct {
	Modules map[string]string
}

// Module returns the recorded version of a module.
func (v *VersionDescriptor) Module(name string) (string, bool) {
	if v == nil || v.Modules == nil {
		return "", false
	}
	ver, ok := v.Modules[name]
	return ver, ok
}
