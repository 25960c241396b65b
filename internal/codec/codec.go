package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// TypeResolver resolves type names carried by reference values.
type TypeResolver interface {
	Resolve(name string) *schema.Type
}

// Codec encodes and decodes values. It caches resolved reference types and
// belongs to a single session.
type Codec struct {
	resolver TypeResolver
	types    map[string]*schema.Type
}

// New creates a codec resolving reference types through r.
func New(r TypeResolver) *Codec {
	return &Codec{resolver: r, types: make(map[string]*schema.Type)}
}

// EncodeValue infers the kind of v and encodes it. A nil value yields
// KindAbsent and empty text.
func (c *Codec) EncodeValue(v any) (Kind, string, error) {
	k, err := KindOf(v)
	if err != nil {
		return KindAbsent, "", err
	}
	if k == KindAbsent {
		return KindAbsent, "", nil
	}
	text, err := c.Encode(k, v)
	return k, text, err
}

// Encode renders v, which must be a runtime value of kind k.
func (c *Codec) Encode(k Kind, v any) (string, error) {
	mismatch := func() (string, error) {
		return "", fmt.Errorf("%w: %T is not %s", ErrUnsupportedValueKind, v, k)
	}

	switch k {
	case KindAbsent:
		return "", nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		return strconv.FormatBool(b), nil
	case KindByte, KindShort, KindInt, KindLong:
		n, ok := asInt(v)
		if !ok {
			return mismatch()
		}
		return strconv.FormatInt(n, 10), nil
	case KindFloat:
		f, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
	case KindDouble:
		f, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case KindChar:
		r, ok := v.(models.Char)
		if !ok {
			return mismatch()
		}
		return string(rune(r)), nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return mismatch()
		}
		return s, nil
	case KindDate:
		t, ok := v.(time.Time)
		if !ok {
			return mismatch()
		}
		return strconv.FormatInt(t.UnixMilli(), 10), nil
	case KindExtID:
		id, ok := v.(models.ExtID)
		if !ok {
			return mismatch()
		}
		return string(id), nil
	case KindReference:
		ref, ok := asRef(v)
		if !ok {
			return mismatch()
		}
		if ref.TypeName == "" {
			return "", fmt.Errorf("%w: reference %s without type", ErrUnsupportedValueKind, FormatID(ref.Branch, ref.Name))
		}
		return ref.TypeName + ":" + FormatID(ref.Branch, ref.Name), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedValueKind, k)
	}
}

// Decode parses text as kind k.
func (c *Codec) Decode(k Kind, text string) (any, error) {
	malformed := func(err error) (any, error) {
		if err != nil {
			return nil, fmt.Errorf("%w: %q as %s: %v", ErrMalformedValue, text, k, err)
		}
		return nil, fmt.Errorf("%w: %q as %s", ErrMalformedValue, text, k)
	}

	switch k {
	case KindAbsent:
		return nil, nil
	case KindBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return malformed(err)
		}
		return b, nil
	case KindByte:
		n, err := strconv.ParseInt(text, 10, 8)
		if err != nil {
			return malformed(err)
		}
		return int8(n), nil
	case KindShort:
		n, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return malformed(err)
		}
		return int16(n), nil
	case KindInt:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return malformed(err)
		}
		return int32(n), nil
	case KindLong:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return malformed(err)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return malformed(err)
		}
		return float32(f), nil
	case KindDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return malformed(err)
		}
		return f, nil
	case KindChar:
		r, size := utf8.DecodeRuneInString(text)
		if size == 0 || size != len(text) || r == utf8.RuneError {
			return malformed(nil)
		}
		return models.Char(r), nil
	case KindString:
		return text, nil
	case KindDate:
		ms, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return malformed(err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case KindExtID:
		return models.ExtID(text), nil
	case KindReference:
		typeName, idText, ok := strings.Cut(text, ":")
		if !ok || typeName == "" {
			return malformed(nil)
		}
		branch, name, err := ParseID(idText)
		if err != nil {
			return nil, err
		}
		return models.ObjectBranchID{Branch: branch, Type: c.resolve(typeName), Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedValueKind, k)
	}
}

func (c *Codec) resolve(name string) *schema.Type {
	if t, ok := c.types[name]; ok {
		return t
	}
	var t *schema.Type
	if c.resolver != nil {
		t = c.resolver.Resolve(name)
	}
	if t == nil {
		t = schema.NewPlaceholder(name)
		t.Freeze()
	}
	c.types[name] = t
	return t
}

// FormatID renders an object id as "<branch>/<name>".
func FormatID(branch int64, name string) string {
	return strconv.FormatInt(branch, 10) + "/" + name
}

// ParseID splits an object id on the first "/".
func ParseID(s string) (int64, string, error) {
	branchText, name, ok := strings.Cut(s, "/")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedID, s)
	}
	branch, err := strconv.ParseInt(branchText, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", ErrMalformedID, s, err)
	}
	return branch, name, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func asRef(v any) (models.ObjectRef, bool) {
	switch r := v.(type) {
	case models.ObjectBranchID:
		return models.ObjectRef{TypeName: r.TypeName(), Branch: r.Branch, Name: r.Name}, true
	case *models.ObjectBranchID:
		if r == nil {
			return models.ObjectRef{}, false
		}
		return models.ObjectRef{TypeName: r.TypeName(), Branch: r.Branch, Name: r.Name}, true
	case models.ObjectRef:
		return r, true
	case models.Identifiable:
		id := r.ObjectBranchID()
		return models.ObjectRef{TypeName: id.TypeName(), Branch: id.Branch, Name: id.Name}, true
	default:
		return models.ObjectRef{}, false
	}
}
