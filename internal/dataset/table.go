package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType is the inferred type of a column.
type ColumnType string

const (
	TypeNumber   ColumnType = "number"
	TypeString   ColumnType = "string"
	TypeBool     ColumnType = "bool"
	TypeDatetime ColumnType = "datetime"
)

var (
	ErrEmptyTable    = errors.New("no usable table")
	ErrColumnMissing = errors.New("column not found")
	ErrRaggedRows    = errors.New("rows have inconsistent lengths")
)

// Column holds one named column. Values are float64, string, bool or nil.
type Column struct {
	Name   string     `json:"name"`
	Type   ColumnType `json:"type"`
	Values []any      `json:"values"`
}

// Field is a column name with its type, without the data.
type Field struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Table is a rectangular dataset with named, typed columns.
type Table struct {
	Name    string    `json:"name"`
	Columns []*Column `json:"columns"`
}

// New builds a table from columns, checking that every column has the same length.
func New(name string, cols ...*Column) (*Table, error) {
	t := &Table{Name: name, Columns: cols}
	if len(cols) == 0 {
		return t, nil
	}
	n := len(cols[0].Values)
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if len(c.Values) != n {
			return nil, fmt.Errorf("%w: column %q has %d values, want %d", ErrRaggedRows, c.Name, len(c.Values), n)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	return t, nil
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	if t == nil || len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

// Empty reports whether the table has no columns or no rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Columns) == 0 || t.NumRows() == 0
}

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema returns the column names and types.
func (t *Table) Schema() []Field {
	fields := make([]Field, len(t.Columns))
	for i, c := range t.Columns {
		fields[i] = Field{Name: c.Name, Type: c.Type}
	}
	return fields
}

// Lookup finds a column by exact name, falling back to a case-insensitive match.
func (t *Table) Lookup(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, c := range t.Columns {
		if strings.ToLower(c.Name) == lower {
			return c, true
		}
	}
	return nil, false
}

// Row returns row i as a map keyed by column name.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

// Records returns every row as a map.
func (t *Table) Records() []map[string]any {
	n := t.NumRows()
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = t.Row(i)
	}
	return out
}

// Clone returns a deep copy. Mutations to the copy never reach the original.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{Name: t.Name, Columns: make([]*Column, len(t.Columns))}
	for i, c := range t.Columns {
		out.Columns[i] = c.Clone()
	}
	return out
}

// Clone returns a copy of the column with its own value slice.
func (c *Column) Clone() *Column {
	vals := make([]any, len(c.Values))
	copy(vals, c.Values)
	return &Column{Name: c.Name, Type: c.Type, Values: vals}
}

// Head returns a copy of the first n rows.
func (t *Table) Head(n int) *Table {
	return t.Slice(0, n)
}

// Tail returns a copy of the last n rows.
func (t *Table) Tail(n int) *Table {
	rows := t.NumRows()
	if n > rows {
		n = rows
	}
	return t.Slice(rows-n, rows)
}

// Slice returns a copy of rows [from, to), clamped to the table bounds.
func (t *Table) Slice(from, to int) *Table {
	rows := t.NumRows()
	if from < 0 {
		from = 0
	}
	if to > rows {
		to = rows
	}
	if to < from {
		to = from
	}
	out := &Table{Name: t.Name, Columns: make([]*Column, len(t.Columns))}
	for i, c := range t.Columns {
		vals := make([]any, to-from)
		copy(vals, c.Values[from:to])
		out.Columns[i] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

// Take returns a copy holding only the given row indexes, in order.
func (t *Table) Take(idx []int) *Table {
	out := &Table{Name: t.Name, Columns: make([]*Column, len(t.Columns))}
	for i, c := range t.Columns {
		vals := make([]any, len(idx))
		for j, r := range idx {
			vals[j] = c.Values[r]
		}
		out.Columns[i] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

// Select returns a copy with only the named columns.
func (t *Table) Select(names ...string) (*Table, error) {
	out := &Table{Name: t.Name}
	for _, n := range names {
		c, ok := t.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrColumnMissing, n)
		}
		out.Columns = append(out.Columns, c.Clone())
	}
	return out, nil
}

// SetColumn replaces or appends a column. The value count must match the row count
// unless the table has no columns yet.
func (t *Table) SetColumn(name string, values []any) error {
	if len(t.Columns) > 0 && len(values) != t.NumRows() {
		return fmt.Errorf("%w: column %q has %d values, want %d", ErrRaggedRows, name, len(values), t.NumRows())
	}
	col := &Column{Name: name, Type: InferValues(values), Values: values}
	for i, c := range t.Columns {
		if c.Name == name {
			t.Columns[i] = col
			return nil
		}
	}
	t.Columns = append(t.Columns, col)
	return nil
}

// InferValues picks a column type for already-typed values.
func InferValues(values []any) ColumnType {
	var typ ColumnType
	for _, v := range values {
		var vt ColumnType
		switch v.(type) {
		case nil:
			continue
		case float64, int, int64:
			vt = TypeNumber
		case bool:
			vt = TypeBool
		default:
			vt = TypeString
		}
		if typ == "" {
			typ = vt
		} else if typ != vt {
			return TypeString
		}
	}
	if typ == "" {
		return TypeString
	}
	return typ
}
