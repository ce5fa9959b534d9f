package library

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
)

type frameObject struct {
	env *Env
	t   *dataset.Table
}

// Frame wraps t as a JS object. Column reads, writes and deletes act on t
// directly, so callers bind a private copy.
func (e *Env) Frame(t *dataset.Table) *goja.Object {
	if t == nil {
		t = &dataset.Table{}
	}
	return e.vm.NewDynamicObject(&frameObject{env: e, t: t})
}

func (o *frameObject) Get(k string) goja.Value {
	e, t := o.env, o.t
	switch k {
	case "columns":
		return e.Value(stringsToAny(t.ColumnNames()))
	case "length":
		return e.vm.ToValue(t.NumRows())
	case "shape":
		return e.Value([]any{float64(t.NumRows()), float64(len(t.Columns))})
	case "size":
		return e.vm.ToValue(t.NumRows() * len(t.Columns))
	case "empty":
		return e.vm.ToValue(t.Empty())
	case "dtypes":
		m := make(map[string]any, len(t.Columns))
		for _, c := range t.Columns {
			m[c.Name] = string(c.Type)
		}
		return e.Value(m)
	}
	if m := o.method(k); m != nil {
		return e.fn(m)
	}
	if c, ok := t.Lookup(k); ok {
		return e.SeriesValue(&Series{Name: c.Name, Values: c.Values})
	}
	if i, err := strconv.Atoi(k); err == nil {
		if i >= 0 && i < t.NumRows() {
			return o.row(i)
		}
		return goja.Undefined()
	}
	return nil
}

// Set assigns a column: a series or array of matching length, or a scalar
// broadcast to every row.
func (o *frameObject) Set(k string, val goja.Value) bool {
	values := o.columnValues(k, val)
	if err := o.t.SetColumn(k, values); err != nil {
		o.env.throw("%v", err)
	}
	return true
}

func (o *frameObject) columnValues(name string, val goja.Value) []any {
	n := o.t.NumRows()
	switch x := Export(val).(type) {
	case *Series:
		return cellsOf(x.Values)
	case []any:
		return cellsOf(x)
	case *dataset.Table:
		if len(x.Columns) == 1 {
			return cellsOf(x.Columns[0].Values)
		}
		o.env.throw("cannot assign a %d-column frame to column %q", len(x.Columns), name)
	case map[string]any:
		o.env.throw("cannot assign an object to column %q", name)
	default:
		out := make([]any, n)
		v := scalar(x)
		for i := range out {
			out[i] = v
		}
		return out
	}
	return nil
}

func (o *frameObject) Has(k string) bool {
	return o.Get(k) != nil
}

func (o *frameObject) Delete(k string) bool {
	for i, c := range o.t.Columns {
		if c.Name == k {
			o.t.Columns = append(o.t.Columns[:i], o.t.Columns[i+1:]...)
			break
		}
	}
	return true
}

func (o *frameObject) Keys() []string {
	return o.t.ColumnNames()
}

func (o *frameObject) row(i int) *goja.Object {
	obj := o.env.vm.NewObject()
	for _, c := range o.t.Columns {
		_ = obj.Set(c.Name, o.env.Value(c.Values[i]))
	}
	return obj
}

func (o *frameObject) records() goja.Value {
	n := o.t.NumRows()
	rows := make([]any, n)
	for i := 0; i < n; i++ {
		rows[i] = o.row(i)
	}
	return o.env.vm.NewArray(rows...)
}

func (o *frameObject) column(name string, what string) *dataset.Column {
	c, ok := o.t.Lookup(name)
	if !ok {
		o.env.throw("%s: no column %q (columns: %s)", what, name, strings.Join(o.t.ColumnNames(), ", "))
	}
	return c
}

func (o *frameObject) method(k string) func(goja.FunctionCall) goja.Value {
	e, t := o.env, o.t
	switch k {
	case "head", "tail":
		return func(call goja.FunctionCall) goja.Value {
			n := optInt(call.Argument(0), 5)
			if k == "head" {
				return e.Frame(t.Head(n))
			}
			return e.Frame(t.Tail(n))
		}
	case "col", "column", "get":
		return func(call goja.FunctionCall) goja.Value {
			c := o.column(call.Argument(0).String(), k)
			return e.SeriesValue(&Series{Name: c.Name, Values: c.Values})
		}
	case "select":
		return func(call goja.FunctionCall) goja.Value {
			var names []string
			for _, a := range call.Arguments {
				names = append(names, e.names(a, "select")...)
			}
			sel, err := t.Select(names...)
			if err != nil {
				e.throw("select: %v", err)
			}
			return e.Frame(sel)
		}
	case "filter", "where":
		return func(call goja.FunctionCall) goja.Value {
			fn := e.callable(call.Argument(0), k)
			var idx []int
			for i := 0; i < t.NumRows(); i++ {
				if e.call(fn, o.row(i), e.vm.ToValue(i)).ToBoolean() {
					idx = append(idx, i)
				}
			}
			return e.Frame(t.Take(idx))
		}
	case "sortBy", "sort_values", "sortValues":
		return func(call goja.FunctionCall) goja.Value {
			by, asc := o.sortArgs(call)
			return e.Frame(o.sorted(by, asc))
		}
	case "nlargest", "nsmallest":
		return func(call goja.FunctionCall) goja.Value {
			n := optInt(call.Argument(0), 5)
			col := o.column(call.Argument(1).String(), k).Name
			return e.Frame(o.sorted([]string{col}, k == "nsmallest").Head(n))
		}
	case "groupBy", "groupby", "group_by":
		return func(call goja.FunctionCall) goja.Value {
			return o.groupBy(e.names(call.Argument(0), k))
		}
	case "records", "rows", "toArray", "to_dict", "toJSON":
		return func(goja.FunctionCall) goja.Value { return o.records() }
	case "valueCounts", "value_counts":
		return func(call goja.FunctionCall) goja.Value {
			c := o.column(call.Argument(0).String(), k)
			return e.Frame(valueCounts(c.Name, c.Values))
		}
	case "describe":
		return func(goja.FunctionCall) goja.Value { return e.Frame(describe(t)) }
	case "dropna":
		return func(goja.FunctionCall) goja.Value {
			var idx []int
			for i := 0; i < t.NumRows(); i++ {
				complete := true
				for _, c := range t.Columns {
					if c.Values[i] == nil {
						complete = false
						break
					}
				}
				if complete {
					idx = append(idx, i)
				}
			}
			return e.Frame(t.Take(idx))
		}
	case "copy":
		return func(goja.FunctionCall) goja.Value { return e.Frame(t.Clone()) }
	case "assign", "withColumn":
		return func(call goja.FunctionCall) goja.Value {
			out := t.Clone()
			name := call.Argument(0).String()
			var values []any
			if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
				values = make([]any, t.NumRows())
				for i := range values {
					values[i] = scalar(Export(e.call(fn, o.row(i), e.vm.ToValue(i))))
				}
			} else {
				values = o.columnValues(name, call.Argument(1))
			}
			if err := out.SetColumn(name, values); err != nil {
				e.throw("%s: %v", k, err)
			}
			return e.Frame(out)
		}
	case "rename":
		return func(call goja.FunctionCall) goja.Value {
			mapping, ok := Export(call.Argument(0)).(map[string]any)
			if !ok {
				e.throw("rename expects an object of old: new names")
			}
			out := t.Clone()
			for _, c := range out.Columns {
				if n, ok := mapping[c.Name]; ok {
					c.Name = fmt.Sprint(n)
				}
			}
			return e.Frame(out)
		}
	case "drop":
		return func(call goja.FunctionCall) goja.Value {
			drop := make(map[string]bool)
			for _, a := range call.Arguments {
				for _, n := range e.names(a, "drop") {
					drop[n] = true
				}
			}
			out := &dataset.Table{Name: t.Name}
			for _, c := range t.Columns {
				if !drop[c.Name] {
					out.Columns = append(out.Columns, c.Clone())
				}
			}
			return e.Frame(out)
		}
	case "sum", "mean", "median", "min", "max", "count", "std":
		return func(call goja.FunctionCall) goja.Value {
			if !isMissing(call.Argument(0)) {
				c := o.column(call.Argument(0).String(), k)
				return e.Value(aggregate(e, k, c))
			}
			out := make(map[string]any)
			for _, c := range t.Columns {
				if k == "count" || c.Type == dataset.TypeNumber {
					out[c.Name] = aggregate(e, k, c)
				}
			}
			return e.Value(out)
		}
	case "toString":
		return func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(fmt.Sprintf("DataFrame(%d rows x %d columns: %s)",
				t.NumRows(), len(t.Columns), strings.Join(t.ColumnNames(), ", ")))
		}
	}
	return nil
}

// sortArgs accepts sortBy('col'), sortBy(['a', 'b'], false) and
// sortBy({by: 'col', ascending: false}).
func (o *frameObject) sortArgs(call goja.FunctionCall) ([]string, bool) {
	first := call.Argument(0)
	if opts, ok := Export(first).(map[string]any); ok {
		asc := true
		if v, ok := opts["ascending"].(bool); ok {
			asc = v
		}
		return o.env.names(o.env.Value(opts["by"]), "sortBy"), asc
	}
	return o.env.names(first, "sortBy"), optBool(call.Argument(1), true)
}

func (o *frameObject) sorted(by []string, asc bool) *dataset.Table {
	cols := make([]*dataset.Column, len(by))
	for i, b := range by {
		cols[i] = o.column(b, "sortBy")
	}
	idx := make([]int, o.t.NumRows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for _, c := range cols {
			cmp := compare(c.Values[idx[a]], c.Values[idx[b]])
			if cmp == 0 {
				continue
			}
			if asc {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return o.t.Take(idx)
}

// aggregate reduces one column. Numeric reductions skip nulls.
func aggregate(e *Env, op string, c *dataset.Column) any {
	switch op {
	case "count":
		n := 0
		for _, v := range c.Values {
			if v != nil {
				n++
			}
		}
		return float64(n)
	case "min", "max":
		var best any
		for _, v := range c.Values {
			if v == nil {
				continue
			}
			if best == nil || (op == "min" && compare(v, best) < 0) || (op == "max" && compare(v, best) > 0) {
				best = v
			}
		}
		return best
	}
	xs := e.floatsOf(c.Values, c.Name+"."+op)
	switch op {
	case "sum":
		return sum(xs)
	case "mean":
		return nanToNil(mean(xs))
	case "median":
		return nanToNil(median(xs))
	case "std":
		return nanToNil(std(xs))
	}
	e.throw("unknown aggregation %q", op)
	return nil
}

func describe(t *dataset.Table) *dataset.Table {
	stats := []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}
	out := &dataset.Table{Name: t.Name, Columns: []*dataset.Column{
		{Name: "stat", Type: dataset.TypeString, Values: stringsToAny(stats)},
	}}
	for _, c := range t.Columns {
		if c.Type != dataset.TypeNumber {
			continue
		}
		var xs []float64
		for _, v := range c.Values {
			if f, ok, _ := toFloat(v); ok {
				xs = append(xs, f)
			}
		}
		vals := []any{
			float64(len(xs)),
			nanToNil(mean(xs)),
			nanToNil(std(xs)),
			nanToNil(minOf(xs)),
			nanToNil(percentile(xs, 25)),
			nanToNil(percentile(xs, 50)),
			nanToNil(percentile(xs, 75)),
			nanToNil(maxOf(xs)),
		}
		out.Columns = append(out.Columns, &dataset.Column{Name: c.Name, Type: dataset.TypeNumber, Values: vals})
	}
	return out
}

func cellsOf(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = scalar(v)
	}
	return out
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
