package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DateLayouts are the layouts a cell must match to be inferred as a datetime.
var DateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"2006-01",
}

// ReadCSV reads a header row and data rows, inferring a type per column.
// A header-only input yields an empty table, not an error.
func ReadCSV(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{Name: name}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	raw := make([][]string, len(header))
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrFieldCount) {
				return nil, fmt.Errorf("%w: line %d", ErrRaggedRows, pe.Line)
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		for i, cell := range rec {
			raw[i] = append(raw[i], strings.TrimSpace(cell))
		}
	}

	cols := make([]*Column, len(header))
	for i, h := range header {
		cols[i] = buildColumn(columnName(h, i), raw[i])
	}
	return New(name, dedupe(cols)...)
}

func columnName(h string, i int) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	if h == "" {
		return fmt.Sprintf("column_%d", i+1)
	}
	return h
}

func dedupe(cols []*Column) []*Column {
	seen := make(map[string]int, len(cols))
	for _, c := range cols {
		if n, ok := seen[c.Name]; ok {
			seen[c.Name] = n + 1
			c.Name = fmt.Sprintf("%s_%d", c.Name, n+1)
			continue
		}
		seen[c.Name] = 1
	}
	return cols
}

func buildColumn(name string, cells []string) *Column {
	typ := InferCells(cells)
	vals := make([]any, len(cells))
	for i, cell := range cells {
		vals[i] = parseCell(cell, typ)
	}
	return &Column{Name: name, Type: typ, Values: vals}
}

// InferCells returns the narrowest type every non-empty cell parses as.
func InferCells(cells []string) ColumnType {
	number, boolean, date := true, true, true
	nonEmpty := 0
	for _, c := range cells {
		if c == "" {
			continue
		}
		nonEmpty++
		if number {
			if _, ok := parseNumber(c); !ok {
				number = false
			}
		}
		if boolean {
			if _, ok := parseBool(c); !ok {
				boolean = false
			}
		}
		if date {
			if _, ok := parseDate(c); !ok {
				date = false
			}
		}
		if !number && !boolean && !date {
			break
		}
	}
	switch {
	case nonEmpty == 0:
		return TypeString
	case number:
		return TypeNumber
	case boolean:
		return TypeBool
	case date:
		return TypeDatetime
	}
	return TypeString
}

func parseCell(cell string, typ ColumnType) any {
	if cell == "" {
		return nil
	}
	switch typ {
	case TypeNumber:
		f, _ := parseNumber(cell)
		return f
	case TypeBool:
		b, _ := parseBool(cell)
		return b
	}
	// datetimes stay as their source text
	return cell
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	if s == "" || !strings.ContainsAny(s[:1], "0123456789+-.") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
