package reader

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ErrInvalidValue is returned by typed accessors for non-empty cells that
// cannot be parsed.
var ErrInvalidValue = errors.New("invalid cell value")

// Coordinate locates a record inside an extract file.
type Coordinate struct {
	File   string
	Record int // 1-based data record number, header excluded
	Line   int // 1-based physical line the record starts on
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s record %d (line %d)", c.File, c.Record, c.Line)
}

// Cell is a single immutable value read from a file, together with where
// it came from. An empty cell is distinct from a zero or false value.
type Cell struct {
	raw    string
	coord  Coordinate
	column int
	name   string
}

// Raw returns the value exactly as read.
func (c Cell) Raw() string { return c.raw }

// String returns the value with surrounding whitespace removed.
func (c Cell) String() string { return strings.TrimSpace(c.raw) }

func (c Cell) IsEmpty() bool { return strings.TrimSpace(c.raw) == "" }

func (c Cell) Coordinate() Coordinate { return c.coord }

// Column returns the zero-based column index, or -1 for a column the
// file does not have.
func (c Cell) Column() int { return c.column }

func (c Cell) Name() string { return c.name }

func (c Cell) invalid(kind string) error {
	return fmt.Errorf("%w: %s %q in column %s at %s", ErrInvalidValue, kind, c.String(), c.name, c.coord)
}

// Text returns the trimmed value; empty cells are not Valid.
func (c Cell) Text() pgtype.Text {
	if c.IsEmpty() {
		return pgtype.Text{}
	}
	return pgtype.Text{String: c.String(), Valid: true}
}

// Int parses a whole number.
func (c Cell) Int() (pgtype.Int8, error) {
	if c.IsEmpty() {
		return pgtype.Int8{}, nil
	}
	i, err := strconv.ParseInt(c.String(), 10, 64)
	if err != nil {
		return pgtype.Int8{}, c.invalid("integer")
	}
	return pgtype.Int8{Int64: i, Valid: true}, nil
}

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Numeric parses a decimal value. Thousands separators are ignored.
func (c Cell) Numeric() (pgtype.Numeric, error) {
	if c.IsEmpty() {
		return pgtype.Numeric{}, nil
	}
	s := strings.ReplaceAll(c.String(), ",", "")
	if !numericPattern.MatchString(s) {
		return pgtype.Numeric{}, c.invalid("number")
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}, c.invalid("number")
	}
	return n, nil
}

// Bool accepts true/false, yes/no, t/f, y/n and 1/0.
func (c Cell) Bool() (pgtype.Bool, error) {
	if c.IsEmpty() {
		return pgtype.Bool{}, nil
	}
	switch strings.ToLower(c.String()) {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}, nil
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}, nil
	}
	return pgtype.Bool{}, c.invalid("boolean")
}

// twoDigitYearLookahead is how many years into the future a two-digit year
// may land before it is moved back a century.
const twoDigitYearLookahead = 0

var (
	dateLayouts = []string{
		"2006-01-02", "02/01/2006", "2/1/2006", "02-01-2006", "02.01.2006",
		"20060102", "02-Jan-2006", "2 Jan 2006", "02 Jan 2006",
	}
	shortDateLayouts = []string{"02/01/06", "2/1/06", "02-Jan-06"}
	dateTimeLayouts  = []string{
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04",
		"02/01/2006 15:04:05", "02/01/2006 15:04", "20060102150405",
	}
)

// Date parses ISO or day-first dates.
func (c Cell) Date() (pgtype.Date, error) {
	if c.IsEmpty() {
		return pgtype.Date{}, nil
	}
	s := c.String()
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: t, Valid: true}, nil
		}
	}
	pivot := time.Now().Year() + twoDigitYearLookahead
	for _, layout := range shortDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}, nil
		}
	}
	return pgtype.Date{}, c.invalid("date")
}

// DateTime parses a timestamp. A bare date is accepted as midnight.
func (c Cell) DateTime() (pgtype.Timestamp, error) {
	if c.IsEmpty() {
		return pgtype.Timestamp{}, nil
	}
	s := c.String()
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Timestamp{Time: t, Valid: true}, nil
		}
	}
	d, err := c.Date()
	if err != nil {
		return pgtype.Timestamp{}, c.invalid("timestamp")
	}
	return pgtype.Timestamp{Time: d.Time, Valid: true}, nil
}

// cleanHeader normalises a header cell for comparison.
func cleanHeader(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	return strings.Trim(s, `"'`)
}
