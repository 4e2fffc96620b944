// Package reader streams versioned, delimited extract files.
//
// A Reader is bound to one file and one schema version. The header is
// validated before any record is produced; each record carries the file,
// record number and line it was read from so that failures can be reported
// precisely.
package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/endeavourhealth/transforms/internal/schema"
)

// Option configures a Reader.
type Option func(*Reader)

// WithEncoding overrides the definition's character set.
func WithEncoding(name string) Option {
	return func(r *Reader) { r.encodingName = name }
}

// WithDelimiter overrides the definition's field separator.
func WithDelimiter(d rune) Option {
	return func(r *Reader) { r.delimiter = d }
}

// Reader reads the records of one extract file lazily.
//
// Next closes the file when it reaches the end. Calling Next again after
// that reopens the file and starts a new pass from the first record.
type Reader struct {
	path         string
	def          schema.Definition
	encodingName string
	delimiter    rune

	file    *os.File
	stream  *stream
	csv     *csv.Reader
	columns []string
	index   map[string]int

	record   int
	current  ParsedRecord
	err      error
	restrict map[int]struct{}
	last     int
	passes   int
}

// New returns a reader for path. The file is not touched until
// OpenAndValidate or Next is called.
func New(path string, def schema.Definition, opts ...Option) *Reader {
	r := &Reader{
		path:         path,
		def:          def,
		encodingName: def.Encoding,
		delimiter:    def.Delimiter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Definition() schema.Definition { return r.def }

// Name returns the file's base name, used in record coordinates.
func (r *Reader) Name() string { return filepath.Base(r.path) }

// IsOpen reports whether the underlying file is currently open.
func (r *Reader) IsOpen() bool { return r.file != nil }

// Passes returns how many times the file has been opened.
func (r *Reader) Passes() int { return r.passes }

// BytesRead reports raw bytes consumed in the current pass.
func (r *Reader) BytesRead() int64 {
	if r.stream == nil {
		return 0
	}
	return r.stream.BytesRead()
}

// OpenAndValidate opens the file and checks its header against the
// definition's columns, in order. It is a no-op when already open.
func (r *Reader) OpenAndValidate() error {
	if r.file != nil {
		return nil
	}

	enc, err := lookupEncoding(r.encodingName)
	if err != nil {
		return err
	}

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.Name(), err)
	}

	s := wrapStream(f, enc)
	cr := newCSVReader(s, r.delimiter)

	header, err := cr.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("file is empty")
		}
		return fmt.Errorf("read header of %s: %w", r.Name(), err)
	}

	if !HeaderMatches(r.def.Columns, header) {
		f.Close()
		return &SchemaMismatchError{
			File:     r.Name(),
			Version:  r.def.Version,
			Expected: r.def.Columns,
			Actual:   header,
		}
	}

	r.file = f
	r.stream = s
	r.csv = cr
	r.columns = r.def.Columns
	r.index = make(map[string]int, len(r.columns))
	for i, col := range r.columns {
		r.index[normalizeColumn(col)] = i
	}
	r.record = 0
	r.current = ParsedRecord{}
	r.passes++
	return nil
}

// RestrictTo limits iteration to the given 1-based record numbers. Calling
// it with no numbers removes the restriction. It takes effect from the
// next record read.
func (r *Reader) RestrictTo(numbers ...int) {
	if len(numbers) == 0 {
		r.restrict = nil
		r.last = 0
		return
	}
	r.restrict = make(map[int]struct{}, len(numbers))
	r.last = 0
	for _, n := range numbers {
		r.restrict[n] = struct{}{}
		r.last = max(r.last, n)
	}
}

// Next advances to the next record. It returns false at the end of the
// file or on error; check Err to tell them apart.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if r.file == nil {
		if err := r.OpenAndValidate(); err != nil {
			r.err = err
			return false
		}
	}

	for {
		if r.restrict != nil && r.record >= r.last {
			r.closeFile()
			return false
		}

		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.closeFile()
			return false
		}
		if err != nil {
			r.err = fmt.Errorf("read %s after record %d: %w", r.Name(), r.record, err)
			r.closeFile()
			return false
		}
		if blankRow(fields) {
			continue
		}

		r.record++
		if r.restrict != nil {
			if _, ok := r.restrict[r.record]; !ok {
				continue
			}
		}

		line, _ := r.csv.FieldPos(0)
		r.current = ParsedRecord{
			coord:   Coordinate{File: r.Name(), Record: r.record, Line: line},
			values:  fields,
			columns: r.columns,
			index:   r.index,
		}
		return true
	}
}

// Record returns the record read by the last successful Next.
func (r *Reader) Record() ParsedRecord { return r.current }

// Err returns the first error encountered by Next.
func (r *Reader) Err() error { return r.err }

// Close releases the file. It is safe to call more than once.
func (r *Reader) Close() error {
	err := r.closeFile()
	r.err = nil
	return err
}

func (r *Reader) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.stream = nil
	r.csv = nil
	return err
}

// HeaderMatches compares a header row to expected columns, in order. Cells
// are trimmed and compared case-insensitively.
func HeaderMatches(expected, header []string) bool {
	if len(expected) != len(header) {
		return false
	}
	for i := range expected {
		if !strings.EqualFold(cleanHeader(expected[i]), cleanHeader(header[i])) {
			return false
		}
	}
	return true
}

func newCSVReader(r io.Reader, delimiter rune) *csv.Reader {
	cr := csv.NewReader(r)
	if delimiter != 0 {
		cr.Comma = delimiter
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

func blankRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func normalizeColumn(name string) string {
	return strings.ToLower(cleanHeader(name))
}

// DetectCompatibleVersions reads only the header of path and returns every
// candidate whose columns match it, in candidate order.
func DetectCompatibleVersions(path string, candidates []schema.Definition) ([]schema.Definition, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	enc, err := lookupEncoding(candidates[0].Encoding)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	header, err := newCSVReader(wrapStream(f, enc), candidates[0].Delimiter).Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", filepath.Base(path), err)
	}

	var matches []schema.Definition
	for _, def := range candidates {
		if HeaderMatches(def.Columns, header) {
			matches = append(matches, def)
		}
	}
	return matches, nil
}
