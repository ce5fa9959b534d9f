package library

import (
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/chart"
	"csv-chat-sandbox/internal/dataset"
)

// expressLib is px: one call per chart from a frame and column names.
type expressLib struct{}

func (expressLib) Name() string      { return "px" }
func (expressLib) Aliases() []string { return []string{"plotly.express"} }

func (expressLib) Object(e *Env) goja.Value {
	methods := make(map[string]func(goja.FunctionCall) goja.Value)
	for _, k := range []chart.Kind{chart.KindBar, chart.KindLine, chart.KindScatter, chart.KindArea, chart.KindHistogram, chart.KindPie} {
		kind := k
		methods[string(kind)] = func(call goja.FunctionCall) goja.Value {
			return e.Figure(e.express(kind, call))
		}
	}
	return e.object(methods)
}

// graphLib is go: figures assembled from explicit traces.
type graphLib struct{}

func (graphLib) Name() string      { return "go" }
func (graphLib) Aliases() []string { return []string{"plotly.graph_objects"} }

func (graphLib) Object(e *Env) goja.Value {
	obj := e.vm.NewObject()
	_ = obj.Set("Figure", func(call goja.ConstructorCall) *goja.Object {
		return e.Figure(e.graphFigure(call.Argument(0), call.Argument(1)))
	})
	for name, typ := range map[string]string{
		"Bar":       "bar",
		"Scatter":   "scatter",
		"Line":      "line",
		"Pie":       "pie",
		"Histogram": "histogram",
	} {
		typ := typ
		_ = obj.Set(name, func(call goja.ConstructorCall) *goja.Object {
			tr := e.trace(call.Argument(0))
			tr.Type = typ
			return e.traceObject(tr)
		})
	}
	return obj
}

// express builds px.<kind>(frame, {x, y, names, values, color, title}).
// x and y may name columns or carry the values directly.
func (e *Env) express(kind chart.Kind, call goja.FunctionCall) *chart.Figure {
	what := "px." + string(kind)
	var t *dataset.Table
	var opts map[string]any
	switch x := Export(call.Argument(0)).(type) {
	case *dataset.Table:
		t = x
		opts, _ = Export(call.Argument(1)).(map[string]any)
	case map[string]any:
		opts = x
	default:
		e.throw("%s expects a frame and an options object", what)
	}
	if opts == nil {
		opts = map[string]any{}
	}

	vector := func(key string) ([]any, string) {
		return e.vectorOf(what, key, opts[key], t)
	}

	f := &chart.Figure{Kind: kind}
	if title, ok := opts["title"].(string); ok {
		f.SetLayout(map[string]any{"title": title})
	}

	switch kind {
	case chart.KindPie:
		labels, _ := vector("names")
		values, _ := vector("values")
		if labels == nil && values == nil && t != nil && len(t.Columns) >= 2 {
			labels, values = t.Columns[0].Values, t.Columns[1].Values
		}
		if labels == nil || values == nil {
			e.throw("%s needs names and values", what)
		}
		f.Traces = []chart.Trace{{Type: "pie", Labels: cloneAny(labels), Values: cloneAny(values)}}
		return f
	case chart.KindHistogram:
		xs, name := vector("x")
		if xs == nil && t != nil {
			if c := firstNumeric(t, ""); c != nil {
				xs, name = c.Values, c.Name
			}
		}
		if xs == nil {
			e.throw("%s needs x", what)
		}
		f.Traces = []chart.Trace{{Type: "histogram", Name: name, X: cloneAny(xs)}}
		f.SetLayout(map[string]any{"xaxis_title": name})
		return f
	}

	xs, xname := vector("x")
	if xs == nil && t != nil && len(t.Columns) > 0 {
		xs, xname = t.Columns[0].Values, t.Columns[0].Name
	}
	var ys [][]any
	var ynames []string
	y, _ := opts["y"].([]any)
	switch {
	case opts["y"] == nil:
		if t != nil {
			if c := firstNumeric(t, xname); c != nil {
				ys, ynames = [][]any{c.Values}, []string{c.Name}
			}
		}
	case len(y) > 0 && t != nil && isStrings(y):
		for _, n := range y {
			vals, name := e.vectorOf(what, "y", n, t)
			ys, ynames = append(ys, vals), append(ynames, name)
		}
	default:
		vals, name := vector("y")
		ys, ynames = [][]any{vals}, []string{name}
	}
	if xs == nil || len(ys) == 0 {
		e.throw("%s needs x and y", what)
	}
	for i, y := range ys {
		if len(y) != len(xs) {
			e.throw("%s: x has %d values but %s has %d", what, len(xs), ynames[i], len(y))
		}
	}

	if colorName, ok := opts["color"].(string); ok && t != nil {
		c, found := t.Lookup(colorName)
		if !found {
			e.throw("%s: no column %q (columns: %v)", what, colorName, t.ColumnNames())
		}
		f.Traces = splitTraces(string(kind), c.Values, xs, ys[0])
	} else {
		for i, y := range ys {
			f.Traces = append(f.Traces, chart.Trace{Type: string(kind), Name: ynames[i], X: cloneAny(xs), Y: cloneAny(y)})
		}
	}
	layout := map[string]any{"xaxis_title": xname}
	if len(ynames) == 1 {
		layout["yaxis_title"] = ynames[0]
	}
	f.SetLayout(layout)
	return f
}

// vectorOf resolves an x/y/names/values option: a column name of t, a
// series or an array of values.
func (e *Env) vectorOf(what, key string, v any, t *dataset.Table) ([]any, string) {
	switch x := v.(type) {
	case nil:
		return nil, ""
	case string:
		if t == nil {
			e.throw("%s: %s names column %q but no frame was given", what, key, x)
		}
		c, ok := t.Lookup(x)
		if !ok {
			e.throw("%s: no column %q (columns: %v)", what, x, t.ColumnNames())
		}
		return c.Values, c.Name
	case *Series:
		return x.Values, x.Name
	case []any:
		return cellsOf(x), key
	}
	e.throw("%s: %s must be a column name or an array", what, key)
	return nil, ""
}

func isStrings(vals []any) bool {
	for _, v := range vals {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

// splitTraces makes one trace per distinct value of the color column.
func splitTraces(typ string, color, xs, ys []any) []chart.Trace {
	groups := unique(color)
	sort.SliceStable(groups, func(i, j int) bool { return compare(groups[i], groups[j]) < 0 })
	out := make([]chart.Trace, len(groups))
	pos := make(map[string]int, len(groups))
	for i, g := range groups {
		out[i] = chart.Trace{Type: typ, Name: display(g)}
		pos[key(g)] = i
	}
	for r, g := range color {
		i := pos[key(g)]
		out[i].X = append(out[i].X, xs[r])
		out[i].Y = append(out[i].Y, ys[r])
	}
	return out
}

func firstNumeric(t *dataset.Table, except string) *dataset.Column {
	for _, c := range t.Columns {
		if c.Type == dataset.TypeNumber && c.Name != except {
			return c
		}
	}
	return nil
}

func cloneAny(in []any) []any {
	return cellsOf(in)
}

// graphFigure accepts go.Figure({data, layout}), go.Figure([traces], layout)
// or go.Figure(trace).
func (e *Env) graphFigure(arg, layout goja.Value) *chart.Figure {
	f := &chart.Figure{}
	var data []any
	switch x := Export(arg).(type) {
	case nil:
	case []any:
		data = x
	case map[string]any:
		if d, ok := x["data"]; ok {
			switch dv := d.(type) {
			case []any:
				data = dv
			case map[string]any:
				data = []any{dv}
			}
			if l, ok := x["layout"].(map[string]any); ok {
				f.SetLayout(l)
			}
		} else {
			data = []any{x}
		}
	default:
		e.throw("go.Figure expects {data, layout} or an array of traces")
	}
	for _, d := range data {
		f.Traces = append(f.Traces, e.trace(e.Value(d)))
	}
	if l, ok := Export(layout).(map[string]any); ok {
		f.SetLayout(l)
	}
	f.Kind = kindOfTraces(f.Traces)
	return f
}

// kindOfTraces is the shared trace type, or custom for mixed figures.
func kindOfTraces(traces []chart.Trace) chart.Kind {
	if len(traces) == 0 {
		return chart.KindCustom
	}
	k := traces[0].Type
	for _, t := range traces[1:] {
		if t.Type != k {
			return chart.KindCustom
		}
	}
	f := &chart.Figure{Kind: chart.Kind(k), Traces: traces}
	if f.Validate() != nil {
		return chart.KindCustom
	}
	return f.Kind
}

// trace reads a plotly-style trace object.
func (e *Env) trace(v goja.Value) chart.Trace {
	m, ok := Export(v).(map[string]any)
	if !ok {
		e.throw("trace must be an object, got %s", kindOf(Export(v)))
	}
	vec := func(k string) []any {
		switch x := m[k].(type) {
		case nil:
			return nil
		case *Series:
			return cellsOf(x.Values)
		case []any:
			return cellsOf(x)
		}
		e.throw("trace %s must be an array", k)
		return nil
	}
	tr := chart.Trace{X: vec("x"), Y: vec("y"), Labels: vec("labels"), Values: vec("values")}
	if s, ok := m["type"].(string); ok {
		tr.Type = s
	}
	if tr.Type == "" {
		tr.Type = "scatter"
	}
	if s, ok := m["name"].(string); ok {
		tr.Name = s
	}
	return tr
}

func (e *Env) traceObject(tr chart.Trace) *goja.Object {
	m := map[string]any{"type": tr.Type}
	if tr.Name != "" {
		m["name"] = tr.Name
	}
	for k, v := range map[string][]any{"x": tr.X, "y": tr.Y, "labels": tr.Labels, "values": tr.Values} {
		if v != nil {
			m[k] = v
		}
	}
	return e.Value(m).(*goja.Object)
}

type figureObject struct {
	env  *Env
	f    *chart.Figure
	self *goja.Object
}

// Figure wraps f as a JS object.
func (e *Env) Figure(f *chart.Figure) *goja.Object {
	o := &figureObject{env: e, f: f}
	o.self = e.vm.NewDynamicObject(o)
	return o.self
}

func (o *figureObject) Get(k string) goja.Value {
	e, f := o.env, o.f
	switch k {
	case "title":
		return e.vm.ToValue(f.Title)
	case "kind":
		return e.vm.ToValue(string(f.Kind))
	case "data":
		items := make([]any, len(f.Traces))
		for i, tr := range f.Traces {
			items[i] = e.traceObject(tr)
		}
		return e.vm.NewArray(items...)
	case "layout":
		return e.Value(f.Layout)
	case "update_layout", "updateLayout":
		return e.fn(func(call goja.FunctionCall) goja.Value {
			kv, ok := Export(call.Argument(0)).(map[string]any)
			if !ok {
				e.throw("%s expects an object", k)
			}
			f.SetLayout(kv)
			return o.self
		})
	case "add_trace", "addTrace":
		return e.fn(func(call goja.FunctionCall) goja.Value {
			f.Traces = append(f.Traces, e.trace(call.Argument(0)))
			f.Kind = kindOfTraces(f.Traces)
			return o.self
		})
	case "show":
		return e.fn(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	case "toString":
		return e.fn(func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(fmt.Sprintf("Figure(%s, %d traces)", f.Kind, len(f.Traces)))
		})
	}
	return nil
}

func (o *figureObject) Set(k string, val goja.Value) bool {
	if k != "title" {
		return false
	}
	o.f.SetLayout(map[string]any{"title": val.String()})
	return true
}

func (o *figureObject) Has(k string) bool { return o.Get(k) != nil }

func (o *figureObject) Delete(string) bool { return false }

func (o *figureObject) Keys() []string {
	return []string{"kind", "title", "data", "layout"}
}
