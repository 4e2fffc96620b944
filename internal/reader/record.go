package reader

import "fmt"

// ParsedRecord is one data row of an extract file. Cells are addressed by
// column name (case-insensitive) or index.
type ParsedRecord struct {
	coord   Coordinate
	values  []string
	columns []string
	index   map[string]int
}

func (r ParsedRecord) Coordinate() Coordinate { return r.coord }

// Number returns the 1-based record number.
func (r ParsedRecord) Number() int { return r.coord.Record }

func (r ParsedRecord) Line() int { return r.coord.Line }

// Len returns the number of fields actually present on the row.
func (r ParsedRecord) Len() int { return len(r.values) }

// Cell returns the named column. A column unknown to the file yields an
// empty cell with Column() == -1.
func (r ParsedRecord) Cell(name string) Cell {
	i, ok := r.index[normalizeColumn(name)]
	if !ok {
		return Cell{coord: r.coord, column: -1, name: name}
	}
	return r.CellAt(i)
}

// Lookup is like Cell but reports whether the column exists.
func (r ParsedRecord) Lookup(name string) (Cell, bool) {
	c := r.Cell(name)
	return c, c.column >= 0
}

// CellAt returns the cell at a zero-based column index. Missing trailing
// fields read as empty.
func (r ParsedRecord) CellAt(i int) Cell {
	c := Cell{coord: r.coord, column: i}
	if i >= 0 && i < len(r.columns) {
		c.name = r.columns[i]
	}
	if i >= 0 && i < len(r.values) {
		c.raw = r.values[i]
	}
	return c
}

// Values returns a copy of the raw field values.
func (r ParsedRecord) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Malformed reports a row whose field count differs from the header.
func (r ParsedRecord) Malformed() error {
	if len(r.values) == len(r.columns) {
		return nil
	}
	return fmt.Errorf("%s: expected %d fields, got %d", r.coord, len(r.columns), len(r.values))
}
