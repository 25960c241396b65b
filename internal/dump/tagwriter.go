package dump

import (
	"encoding/xml"
	"fmt"
	"io"
)

// TagWriter emits elements one tag at a time and tracks the open element stack
// so a failed unit can be closed back to a known depth.
type TagWriter struct {
	enc   *xml.Encoder
	stack []string
	err   error
}

// NewTagWriter creates a TagWriter writing indented output to w.
func NewTagWriter(w io.Writer) *TagWriter {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &TagWriter{enc: enc}
}

// Start opens an element. attrs alternates attribute names and values.
func (t *TagWriter) Start(name string, attrs ...string) error {
	if t.err != nil {
		return t.err
	}
	if len(attrs)%2 != 0 {
		panic(fmt.Sprintf("dump: odd attribute list for <%s>", name))
	}
	se := xml.StartElement{Name: xml.Name{Local: name}}
	for i := 0; i < len(attrs); i += 2 {
		se.Attr = append(se.Attr, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	if err := t.enc.EncodeToken(se); err != nil {
		t.err = err
		return err
	}
	t.stack = append(t.stack, name)
	return nil
}

// End closes the innermost open element.
func (t *TagWriter) End() error {
	if t.err != nil {
		return t.err
	}
	if len(t.stack) == 0 {
		panic("dump: End without open element")
	}
	name := t.stack[len(t.stack)-1]
	if err := t.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}}); err != nil {
		t.err = err
		return err
	}
	t.stack = t.stack[:len(t.stack)-1]
	return nil
}

// Empty writes an element without content.
func (t *TagWriter) Empty(name string, attrs ...string) error {
	if err := t.Start(name, attrs...); err != nil {
		return err
	}
	return t.End()
}

// Text writes character data inside the current element.
func (t *TagWriter) Text(s string) error {
	if t.err != nil {
		return t.err
	}
	if err := t.enc.EncodeToken(xml.CharData(s)); err != nil {
		t.err = err
		return err
	}
	return nil
}

// Depth returns the number of open elements.
func (t *TagWriter) Depth() int { return len(t.stack) }

// CloseTo closes open elements until depth remain.
func (t *TagWriter) CloseTo(depth int) error {
	for len(t.stack) > depth {
		if err := t.End(); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered output.
func (t *TagWriter) Flush() error {
	if t.err != nil {
		return t.err
	}
	if err := t.enc.Flush(); err != nil {
		t.err = err
	}
	return t.err
}

// Err returns the first output error.
func (t *TagWriter) Err() error { return t.err }

