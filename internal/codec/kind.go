// Package codec converts typed attribute values to and from their textual form
// in dump documents.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilupskalvis/kbdump/internal/models"
)

var (
	// ErrMalformedValue is returned when text cannot be parsed as a kind.
	ErrMalformedValue = errors.New("malformed value")
	// ErrUnsupportedValueKind is returned for runtime values without a kind.
	ErrUnsupportedValueKind = errors.New("unsupported value kind")
	// ErrMalformedID is returned for object ids lacking a branch separator.
	ErrMalformedID = errors.New("malformed object id")
)

// Kind is the type tag stored next to every value.
type Kind uint8

const (
	// KindAbsent means no type attribute: the value is null.
	KindAbsent Kind = iota
	KindBoolean
	KindByte
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindChar
	KindString
	KindDate
	KindExtID
	KindReference
)

var kindNames = [...]string{
	KindAbsent:    "",
	KindBoolean:   "boolean",
	KindByte:      "byte",
	KindShort:     "short",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindDouble:    "double",
	KindChar:      "char",
	KindString:    "string",
	KindDate:      "date",
	KindExtID:     "extid",
	KindReference: "ref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the kind for a type attribute. The empty string is
// KindAbsent.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindAbsent, fmt.Errorf("%w: unknown kind %q", ErrMalformedValue, s)
}

// KindOf returns the kind of a runtime value. Every object reference shape maps
// to KindReference.
func KindOf(v any) (Kind, error) {
	switch v.(type) {
	case nil:
		return KindAbsent, nil
	case bool:
		return KindBoolean, nil
	case int8:
		return KindByte, nil
	case int16:
		return KindShort, nil
	case int32:
		return KindInt, nil
	case int64, int:
		return KindLong, nil
	case float32:
		return KindFloat, nil
	case float64:
		return KindDouble, nil
	case models.Char:
		return KindChar, nil
	case string:
		return KindString, nil
	case time.Time:
		return KindDate, nil
	case models.ExtID:
		return KindExtID, nil
	case models.ObjectBranchID, *models.ObjectBranchID, models.ObjectRef, models.Identifiable:
		return KindReference, nil
	default:
		return KindAbsent, fmt.Errorf("%w: %T", ErrUnsupportedValueKind, v)
	}
}
