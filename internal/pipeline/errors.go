package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/endeavourhealth/transforms/internal/reader"
)

var (
	// ErrFileNotFound marks a run missing a file a stage needs.
	ErrFileNotFound = errors.New("required file not found")
	// ErrFileFormat marks a .csv file the run cannot place.
	ErrFileFormat = errors.New("unrecognised extract file")
	// ErrRecordMapping marks records that could not be mapped.
	ErrRecordMapping = errors.New("record mapping failed")
)

// FileNotFoundError names the content type that was missing.
type FileNotFoundError struct {
	ContentType string
	Stage       string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("no %s file supplied (needed by stage %s)", e.ContentType, e.Stage)
}

func (e *FileNotFoundError) Unwrap() error { return ErrFileNotFound }

// FileFormatError describes a file whose name could not be placed in the run.
type FileFormatError struct {
	File   string
	Reason string
}

func (e *FileFormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

func (e *FileFormatError) Unwrap() error { return ErrFileFormat }

// RecordError is a mapping failure at a specific record.
type RecordError struct {
	Stage string
	Coord reader.Coordinate
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Coord, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{ErrRecordMapping, e.Err} }

// RecordFailure is a record skipped under the tolerant policy.
type RecordFailure struct {
	Stage       string            `json:"stage"`
	ContentType string            `json:"content_type"`
	Coord       reader.Coordinate `json:"coordinate"`
	Reason      string            `json:"reason"`
}

// AggregateError is returned once a run completes with tolerated record
// failures.
type AggregateError struct {
	Failures []RecordFailure
}

func (e *AggregateError) Error() string {
	if len(e.Failures) == 0 {
		return "no record failures"
	}
	first := e.Failures[0]
	var b strings.Builder
	fmt.Fprintf(&b, "%d record(s) failed to map; first at %s: %s", len(e.Failures), first.Coord, first.Reason)
	return b.String()
}

func (e *AggregateError) Unwrap() error { return ErrRecordMapping }
