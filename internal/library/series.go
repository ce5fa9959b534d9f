package library

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
)

// Series is a named one-dimensional column of values.
type Series struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

type seriesObject struct {
	env *Env
	s   *Series
}

// SeriesValue wraps s as a JS object.
func (e *Env) SeriesValue(s *Series) *goja.Object {
	return e.vm.NewDynamicObject(&seriesObject{env: e, s: s})
}

func (o *seriesObject) numbers(what string) []float64 {
	return o.env.floatsOf(o.s.Values, what)
}

func (o *seriesObject) Get(k string) goja.Value {
	e := o.env
	switch k {
	case "name":
		return e.vm.ToValue(o.s.Name)
	case "length", "size":
		return e.vm.ToValue(len(o.s.Values))
	case "values", "tolist", "toArray", "to_list":
		if k == "values" {
			return e.Value(o.s.Values)
		}
		return e.fn(func(goja.FunctionCall) goja.Value { return e.Value(o.s.Values) })
	}
	if m := o.method(k); m != nil {
		return e.fn(m)
	}
	if i, err := strconv.Atoi(k); err == nil {
		if i < 0 {
			i += len(o.s.Values)
		}
		if i >= 0 && i < len(o.s.Values) {
			return e.Value(o.s.Values[i])
		}
		return goja.Undefined()
	}
	return nil
}

func (o *seriesObject) method(k string) func(goja.FunctionCall) goja.Value {
	e, s := o.env, o.s
	num := func(name string, f func([]float64) float64) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(f(o.numbers(s.Name + "." + name)))
		}
	}
	switch k {
	case "sum":
		return num(k, sum)
	case "mean", "avg":
		return num(k, mean)
	case "median":
		return num(k, median)
	case "std":
		return num(k, std)
	case "min", "max":
		return func(goja.FunctionCall) goja.Value {
			var best any
			for _, v := range s.Values {
				if v == nil {
					continue
				}
				c := 0
				if best != nil {
					c = compare(v, best)
				}
				if best == nil || (k == "min" && c < 0) || (k == "max" && c > 0) {
					best = v
				}
			}
			return e.Value(best)
		}
	case "count":
		return func(goja.FunctionCall) goja.Value {
			n := 0
			for _, v := range s.Values {
				if v != nil {
					n++
				}
			}
			return e.vm.ToValue(n)
		}
	case "unique":
		return func(goja.FunctionCall) goja.Value { return e.Value(unique(s.Values)) }
	case "nunique":
		return func(goja.FunctionCall) goja.Value {
			n := 0
			for _, v := range unique(s.Values) {
				if v != nil {
					n++
				}
			}
			return e.vm.ToValue(n)
		}
	case "valueCounts", "value_counts":
		return func(goja.FunctionCall) goja.Value {
			return e.Frame(valueCounts(s.Name, s.Values))
		}
	case "head", "tail":
		return func(call goja.FunctionCall) goja.Value {
			n := optInt(call.Argument(0), 5)
			vals := s.Values
			if n > len(vals) {
				n = len(vals)
			}
			if n < 0 {
				n = 0
			}
			if k == "head" {
				vals = vals[:n]
			} else {
				vals = vals[len(vals)-n:]
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: append([]any(nil), vals...)})
		}
	case "map", "apply":
		return func(call goja.FunctionCall) goja.Value {
			fn := e.callable(call.Argument(0), s.Name+"."+k)
			out := make([]any, len(s.Values))
			for i, v := range s.Values {
				out[i] = scalar(Export(e.call(fn, e.Value(v), e.vm.ToValue(i))))
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "filter":
		return func(call goja.FunctionCall) goja.Value {
			fn := e.callable(call.Argument(0), s.Name+".filter")
			var out []any
			for i, v := range s.Values {
				if e.call(fn, e.Value(v), e.vm.ToValue(i)).ToBoolean() {
					out = append(out, v)
				}
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "round":
		return func(call goja.FunctionCall) goja.Value {
			d := optInt(call.Argument(0), 0)
			out := make([]any, len(s.Values))
			for i, v := range s.Values {
				if f, ok, _ := toFloat(v); ok {
					out[i] = roundTo(f, d)
				} else {
					out[i] = v
				}
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "cumsum":
		return func(goja.FunctionCall) goja.Value {
			return e.SeriesValue(&Series{Name: s.Name, Values: floatsToAny(cumsum(o.numbers(s.Name + ".cumsum")))})
		}
	case "sort", "sort_values", "sortValues":
		return func(call goja.FunctionCall) goja.Value {
			asc := optBool(call.Argument(0), true)
			out := append([]any(nil), s.Values...)
			sort.SliceStable(out, func(i, j int) bool {
				if asc {
					return compare(out[i], out[j]) < 0
				}
				return compare(out[i], out[j]) > 0
			})
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "isna", "isnull":
		return func(goja.FunctionCall) goja.Value {
			out := make([]any, len(s.Values))
			for i, v := range s.Values {
				out[i] = v == nil
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "dropna":
		return func(goja.FunctionCall) goja.Value {
			var out []any
			for _, v := range s.Values {
				if v != nil {
					out = append(out, v)
				}
			}
			return e.SeriesValue(&Series{Name: s.Name, Values: out})
		}
	case "toString":
		return func(goja.FunctionCall) goja.Value {
			return e.vm.ToValue(fmt.Sprintf("Series(%s, %d values)", s.Name, len(s.Values)))
		}
	}
	return nil
}

// valueCounts builds a two-column frame of distinct values and their counts.
func valueCounts(name string, vals []any) *dataset.Table {
	keys, n := counts(vals)
	if name == "" || name == "count" {
		name = "value"
	}
	return &dataset.Table{Name: name, Columns: []*dataset.Column{
		{Name: name, Type: dataset.InferValues(keys), Values: keys},
		{Name: "count", Type: dataset.TypeNumber, Values: floatsToAny(n)},
	}}
}

// Set only accepts in-range indexes.
func (o *seriesObject) Set(k string, val goja.Value) bool {
	i, err := strconv.Atoi(k)
	if err != nil || i < 0 || i >= len(o.s.Values) {
		return false
	}
	o.s.Values[i] = scalar(Export(val))
	return true
}

func (o *seriesObject) Has(k string) bool {
	return o.Get(k) != nil
}

func (o *seriesObject) Delete(string) bool { return false }

func (o *seriesObject) Keys() []string {
	keys := make([]string, len(o.s.Values))
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}
