package library

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
)

type group struct {
	key  []any
	rows []int
}

// groupBy partitions rows by the values of the key columns. Groups are
// ordered by key, nulls first.
func (o *frameObject) groupBy(by []string) goja.Value {
	e, t := o.env, o.t
	keys := make([]*dataset.Column, len(by))
	isKey := make(map[string]bool, len(by))
	for i, b := range by {
		keys[i] = o.column(b, "groupBy")
		isKey[keys[i].Name] = true
	}

	index := make(map[string]*group)
	var groups []*group
	for r := 0; r < t.NumRows(); r++ {
		tuple := make([]any, len(keys))
		parts := make([]string, len(keys))
		for i, c := range keys {
			tuple[i] = c.Values[r]
			parts[i] = key(c.Values[r])
		}
		id := strings.Join(parts, "\x1f")
		g, ok := index[id]
		if !ok {
			g = &group{key: tuple}
			index[id] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		for i := range keys {
			if c := compare(groups[a].key[i], groups[b].key[i]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	// keyTable starts every grouped result with one row per group.
	keyTable := func() *dataset.Table {
		out := &dataset.Table{Name: t.Name}
		for i, c := range keys {
			vals := make([]any, len(groups))
			for j, g := range groups {
				vals[j] = g.key[i]
			}
			out.Columns = append(out.Columns, &dataset.Column{Name: c.Name, Type: c.Type, Values: vals})
		}
		return out
	}

	valueColumns := func(op string, arg goja.Value) []*dataset.Column {
		if !isMissing(arg) {
			var cols []*dataset.Column
			for _, n := range e.names(arg, op) {
				cols = append(cols, o.column(n, op))
			}
			return cols
		}
		var cols []*dataset.Column
		for _, c := range t.Columns {
			if isKey[c.Name] {
				continue
			}
			if op == "count" || c.Type == dataset.TypeNumber {
				cols = append(cols, c)
			}
		}
		return cols
	}

	reduce := func(op string, c *dataset.Column) *dataset.Column {
		vals := make([]any, len(groups))
		for j, g := range groups {
			sub := &dataset.Column{Name: c.Name, Type: c.Type, Values: make([]any, len(g.rows))}
			for i, r := range g.rows {
				sub.Values[i] = c.Values[r]
			}
			vals[j] = aggregate(e, op, sub)
		}
		return &dataset.Column{Name: c.Name, Type: dataset.InferValues(vals), Values: vals}
	}

	agg := func(op string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			out := keyTable()
			for _, c := range valueColumns(op, call.Argument(0)) {
				out.Columns = append(out.Columns, reduce(op, c))
			}
			return e.Frame(out)
		}
	}

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"sum":    agg("sum"),
		"mean":   agg("mean"),
		"median": agg("median"),
		"min":    agg("min"),
		"max":    agg("max"),
		"count":  agg("count"),
		"std":    agg("std"),
		"size": func(goja.FunctionCall) goja.Value {
			out := keyTable()
			n := make([]any, len(groups))
			for j, g := range groups {
				n[j] = float64(len(g.rows))
			}
			out.Columns = append(out.Columns, &dataset.Column{Name: "size", Type: dataset.TypeNumber, Values: n})
			return e.Frame(out)
		},
		// agg('sum') applies one reduction; agg({amount: 'sum', qty: 'mean'}) one per column.
		"agg": func(call goja.FunctionCall) goja.Value {
			arg := call.Argument(0)
			if spec, ok := Export(arg).(map[string]any); ok {
				out := keyTable()
				names := make([]string, 0, len(spec))
				for n := range spec {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					op := fmt.Sprint(spec[n])
					out.Columns = append(out.Columns, reduce(op, o.column(n, "agg")))
				}
				return e.Frame(out)
			}
			return agg(arg.String())(goja.FunctionCall{})
		},
		"groups": func(goja.FunctionCall) goja.Value {
			out := make([]any, len(groups))
			for j, g := range groups {
				out[j] = e.Value(map[string]any{
					"key":  keyValue(g.key),
					"rows": e.Frame(t.Take(g.rows)),
				})
			}
			return e.vm.NewArray(out...)
		},
	}
	obj := e.object(methods)
	_ = obj.Set("length", len(groups))
	return obj
}

func keyValue(k []any) any {
	if len(k) == 1 {
		return k[0]
	}
	return append([]any(nil), k...)
}
