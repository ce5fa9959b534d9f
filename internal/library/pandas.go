package library

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
)

// pandasLib is pd: frame and series constructors plus a few module-level helpers.
type pandasLib struct{}

func (pandasLib) Name() string      { return "pd" }
func (pandasLib) Aliases() []string { return []string{"pandas"} }

func (pandasLib) Object(e *Env) goja.Value {
	obj := e.object(map[string]func(goja.FunctionCall) goja.Value{
		"isna":    e.nullTest(true),
		"isnull":  e.nullTest(true),
		"notna":   e.nullTest(false),
		"notnull": e.nullTest(false),
		"to_numeric": func(call goja.FunctionCall) goja.Value {
			conv := func(vals []any) []any {
				out := make([]any, len(vals))
				for i, v := range vals {
					if f, ok, _ := toFloat(v); ok {
						out[i] = f
					}
				}
				return out
			}
			switch x := Export(call.Argument(0)).(type) {
			case *Series:
				return e.SeriesValue(&Series{Name: x.Name, Values: conv(x.Values)})
			case []any:
				return e.Value(conv(x))
			default:
				return e.Value(conv([]any{x})[0])
			}
		},
		"concat": func(call goja.FunctionCall) goja.Value {
			return e.Frame(e.concat(e.list(call.Argument(0), "pd.concat")))
		},
	})
	// Constructors work with and without new.
	_ = obj.Set("DataFrame", func(call goja.ConstructorCall) *goja.Object {
		return e.Frame(e.newTable(call.Argument(0)))
	})
	_ = obj.Set("Series", func(call goja.ConstructorCall) *goja.Object {
		name := ""
		if !isMissing(call.Argument(1)) {
			name = call.Argument(1).String()
		}
		return e.SeriesValue(&Series{Name: name, Values: cellsOf(e.list(call.Argument(0), "pd.Series"))})
	})
	return obj
}

func (e *Env) nullTest(want bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		switch x := Export(call.Argument(0)).(type) {
		case *Series:
			out := make([]any, len(x.Values))
			for i, v := range x.Values {
				_, _, null := toFloat(v)
				out[i] = null == want
			}
			return e.SeriesValue(&Series{Name: x.Name, Values: out})
		default:
			_, _, null := toFloat(x)
			return e.vm.ToValue(null == want)
		}
	}
}

// newTable builds a table from an array of row objects, an object of column
// arrays, or another frame. Column order follows key insertion order.
func (e *Env) newTable(v goja.Value) *dataset.Table {
	switch x := Export(v).(type) {
	case nil:
		return &dataset.Table{}
	case *dataset.Table:
		return x.Clone()
	case []any:
		return e.tableFromRecords(v.ToObject(e.vm), len(x))
	case map[string]any:
		obj := v.ToObject(e.vm)
		var cols []*dataset.Column
		for _, k := range obj.Keys() {
			vals := cellsOf(e.list(obj.Get(k), "pd.DataFrame"))
			cols = append(cols, &dataset.Column{Name: k, Type: dataset.InferValues(vals), Values: vals})
		}
		t, err := dataset.New("", cols...)
		if err != nil {
			e.throw("pd.DataFrame: %v", err)
		}
		return t
	}
	e.throw("pd.DataFrame expects an array of rows or an object of columns")
	return nil
}

func (e *Env) tableFromRecords(arr *goja.Object, n int) *dataset.Table {
	var order []string
	values := make(map[string][]any)
	for i := 0; i < n; i++ {
		row := arr.Get(strconv.Itoa(i))
		if isMissing(row) {
			e.throw("pd.DataFrame: row %d is null", i)
		}
		obj := row.ToObject(e.vm)
		for _, k := range obj.Keys() {
			if _, ok := values[k]; !ok {
				order = append(order, k)
				values[k] = make([]any, i, n)
			}
		}
		for _, k := range order {
			var cell any
			if val := obj.Get(k); val != nil {
				cell = scalar(Export(val))
			}
			values[k] = append(values[k], cell)
		}
	}
	t := &dataset.Table{}
	for _, k := range order {
		t.Columns = append(t.Columns, &dataset.Column{Name: k, Type: dataset.InferValues(values[k]), Values: values[k]})
	}
	return t
}

// concat stacks frames vertically. Missing columns are filled with nulls.
func (e *Env) concat(items []any) *dataset.Table {
	var order []string
	seen := make(map[string]bool)
	var tables []*dataset.Table
	for i, it := range items {
		t, ok := it.(*dataset.Table)
		if !ok {
			e.throw("pd.concat: item %d is %s, not a frame", i, kindOf(it))
		}
		tables = append(tables, t)
		for _, n := range t.ColumnNames() {
			if !seen[n] {
				seen[n] = true
				order = append(order, n)
			}
		}
	}
	out := &dataset.Table{}
	for _, n := range order {
		var vals []any
		for _, t := range tables {
			if c, ok := t.Lookup(n); ok && c.Name == n {
				vals = append(vals, c.Values...)
			} else {
				vals = append(vals, make([]any, t.NumRows())...)
			}
		}
		out.Columns = append(out.Columns, &dataset.Column{Name: n, Type: dataset.InferValues(vals), Values: vals})
	}
	return out
}

func kindOf(x any) string {
	switch x.(type) {
	case nil:
		return "null"
	case *Series:
		return "a series"
	case []any:
		return "an array"
	case map[string]any:
		return "an object"
	}
	return fmt.Sprintf("%T", x)
}
