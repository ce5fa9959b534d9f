// Package classify turns the output bindings of a successful execution into a
// renderable result.
package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"csv-chat-sandbox/internal/chart"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/library"
)

type Kind string

const (
	KindTable  Kind = "table"
	KindChart  Kind = "chart"
	KindScalar Kind = "scalar"
	KindNone   Kind = "none"
)

// DefaultMaxRows caps the rows kept for a table result.
const DefaultMaxRows = 1000

// Renderable is the display-ready form of an execution's output.
type Renderable struct {
	Kind      Kind           `json:"kind"`
	Source    string         `json:"source,omitempty"` // Binding the value came from
	Table     *dataset.Table `json:"table,omitempty"`
	TotalRows int            `json:"total_rows,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Figure    *chart.Figure  `json:"figure,omitempty"`
	Value     any            `json:"value,omitempty"`
	Text      string         `json:"text,omitempty"`
}

// Found reports whether any output binding was set.
func (r Renderable) Found() bool { return r.Kind != KindNone }

type Classifier struct {
	MaxRows int
}

// Classify uses DefaultMaxRows.
func Classify(bindings map[string]any) Renderable {
	return Classifier{MaxRows: DefaultMaxRows}.Classify(bindings)
}

// Classify picks the first bound output name in priority order and
// classifies its value. A nil value counts as unbound.
func (c Classifier) Classify(bindings map[string]any) Renderable {
	for _, name := range library.OutputNames {
		v, ok := bindings[name]
		if !ok || v == nil {
			continue
		}
		r := c.classify(v)
		r.Source = name
		return r
	}
	return Renderable{Kind: KindNone}
}

func (c Classifier) classify(v any) Renderable {
	max := c.MaxRows
	if max <= 0 {
		max = DefaultMaxRows
	}
	switch x := v.(type) {
	case *dataset.Table:
		n := x.NumRows()
		t := x.Head(max)
		for _, col := range t.Columns {
			col.Values = sanitizeSlice(col.Values)
		}
		return Renderable{
			Kind:      KindTable,
			Table:     t,
			TotalRows: n,
			Truncated: n > max,
			Text:      fmt.Sprintf("%d rows x %d columns", n, len(x.Columns)),
		}
	case *chart.Figure:
		f := x.Clone()
		for i := range f.Traces {
			tr := &f.Traces[i]
			tr.X, tr.Y = sanitizeSlice(tr.X), sanitizeSlice(tr.Y)
			tr.Labels, tr.Values = sanitizeSlice(tr.Labels), sanitizeSlice(tr.Values)
		}
		return Renderable{Kind: KindChart, Figure: f, Text: f.Title}
	case *library.Series:
		values := sanitizeSlice(x.Values)
		return Renderable{Kind: KindScalar, Value: values, Text: seriesText(x.Name, values)}
	}
	value := sanitize(v)
	return Renderable{Kind: KindScalar, Value: value, Text: Text(value)}
}

// Text renders a scalar or object for display. Whole numbers print without a
// decimal point; lists and objects render as JSON.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatFloat(x)
	case []any, map[string]any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	case reflect.Func:
		return "[function]"
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func seriesText(name string, values []any) string {
	var b strings.Builder
	if name != "" {
		b.WriteString(name)
		b.WriteString(": ")
	}
	b.WriteString(Text(values))
	return b.String()
}

// sanitize replaces values JSON cannot carry: NaN and infinities become nil.
func sanitize(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case []any:
		return sanitizeSlice(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = sanitize(it)
		}
		return out
	case *dataset.Table:
		return x.Records()
	case *library.Series:
		return sanitizeSlice(x.Values)
	case *chart.Figure:
		return x.Title
	}
	return v
}

func sanitizeSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, it := range in {
		out[i] = sanitize(it)
	}
	return out
}

// Equal reports whether two results would render identically.
func Equal(a, b Renderable) bool {
	if a.Kind != b.Kind || a.Source != b.Source || a.TotalRows != b.TotalRows || a.Text != b.Text {
		return false
	}
	switch a.Kind {
	case KindTable:
		return tablesEqual(a.Table, b.Table)
	case KindChart:
		return reflect.DeepEqual(a.Figure, b.Figure)
	case KindScalar:
		return reflect.DeepEqual(a.Value, b.Value)
	}
	return true
}

func tablesEqual(a, b *dataset.Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		ca, cb := a.Columns[i], b.Columns[i]
		if ca.Name != cb.Name || ca.Type != cb.Type || !reflect.DeepEqual(ca.Values, cb.Values) {
			return false
		}
	}
	return true
}

// Names lists the bound output names in priority order, for diagnostics.
func Names(bindings map[string]any) []string {
	rank := make(map[string]int, len(library.OutputNames))
	for i, name := range library.OutputNames {
		rank[name] = i
	}
	var out []string
	for name, v := range bindings {
		if _, ok := rank[name]; ok && v != nil {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}
