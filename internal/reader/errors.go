package reader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaMismatch is the sentinel for a file whose header does not match
// the expected columns of its declared version.
var ErrSchemaMismatch = errors.New("schema mismatch")

// SchemaMismatchError describes a header that did not validate.
type SchemaMismatchError struct {
	File     string
	Version  string
	Expected []string
	Actual   []string
}

func (e *SchemaMismatchError) Error() string {
	pos, want, got := firstDifference(e.Expected, e.Actual)
	return fmt.Sprintf("%s: header does not match version %s at column %d: want %q, got %q",
		e.File, e.Version, pos+1, want, got)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

func firstDifference(expected, actual []string) (int, string, string) {
	n := max(len(expected), len(actual))
	for i := 0; i < n; i++ {
		var want, got string
		if i < len(expected) {
			want = expected[i]
		}
		if i < len(actual) {
			got = actual[i]
		}
		if !strings.EqualFold(cleanHeader(want), cleanHeader(got)) {
			return i, want, got
		}
	}
	return n, "", ""
}
