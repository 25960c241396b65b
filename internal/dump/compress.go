package dump

import (
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Compressed reports whether a document name or declared content type denotes a
// gzip stream. Content is never sniffed.
func Compressed(name, contentType string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".gzip":
		return true
	}
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/gzip", "application/x-gzip":
		return true
	}
	return false
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewSource wraps in with a gzip reader when compressed is set.
func NewSource(in io.ReadCloser, compressed bool) (io.ReadCloser, error) {
	if !compressed {
		return in, nil
	}
	zr, err := gzip.NewReader(in)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, in}}, nil
}

// Open opens a document file, decompressing by extension.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	return NewSource(f, Compressed(path, ""))
}

// FileSink writes a document to a temporary file that replaces the target path
// on Close. Abort discards it.
type FileSink struct {
	path string
	tmp  *os.File
	zw   *gzip.Writer
	w    io.Writer
	done bool
}

// Create starts a document file at path, compressing by extension.
func Create(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dump-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	s := &FileSink{path: path, tmp: tmp, w: tmp}
	if Compressed(path, "") {
		s.zw = gzip.NewWriter(tmp)
		s.w = s.zw
	}
	return s, nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close finishes the file and moves it into place.
func (s *FileSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	tmpPath := s.tmp.Name()
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			s.tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("finish gzip stream: %w", err)
		}
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename dump: %w", err)
	}
	return nil
}

// Abort discards the partial file.
func (s *FileSink) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.tmp.Close()
	os.Remove(s.tmp.Name())
}
