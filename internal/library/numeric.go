package library

import (
	"math"
	"sort"

	"github.com/dop251/goja"
)

// numericLib is np: reductions and element-wise math over arrays and series.
type numericLib struct{}

func (numericLib) Name() string      { return "np" }
func (numericLib) Aliases() []string { return []string{"numpy"} }

func (numericLib) Object(e *Env) goja.Value {
	reduce := func(name string, f func([]float64) float64) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return e.Value(nanToNil(f(e.numbers(call.Argument(0), "np."+name))))
		}
	}
	elementwise := func(name string, f func(float64) float64) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			arg := call.Argument(0)
			switch x := Export(arg).(type) {
			case float64:
				return e.Value(nanToNil(f(x)))
			case *Series:
				return e.SeriesValue(&Series{Name: x.Name, Values: mapFloats(e, x.Values, "np."+name, f)})
			}
			return e.Value(mapFloats(e, e.list(arg, "np."+name), "np."+name, f))
		}
	}

	obj := e.object(map[string]func(goja.FunctionCall) goja.Value{
		"sum":    reduce("sum", sum),
		"mean":   reduce("mean", mean),
		"median": reduce("median", median),
		"std":    reduce("std", std),
		"min":    reduce("min", minOf),
		"max":    reduce("max", maxOf),
		"abs":    elementwise("abs", math.Abs),
		"sqrt":   elementwise("sqrt", math.Sqrt),
		"log":    elementwise("log", math.Log),
		"exp":    elementwise("exp", math.Exp),
		"floor":  elementwise("floor", math.Floor),
		"ceil":   elementwise("ceil", math.Ceil),
		"round": func(call goja.FunctionCall) goja.Value {
			d := optInt(call.Argument(1), 0)
			return elementwise("round", func(f float64) float64 { return roundTo(f, d) })(call)
		},
		"percentile": func(call goja.FunctionCall) goja.Value {
			xs := e.numbers(call.Argument(0), "np.percentile")
			return e.Value(nanToNil(percentile(xs, call.Argument(1).ToFloat())))
		},
		"cumsum": func(call goja.FunctionCall) goja.Value {
			return e.Value(floatsToAny(cumsum(e.numbers(call.Argument(0), "np.cumsum"))))
		},
		"unique": func(call goja.FunctionCall) goja.Value {
			vals := unique(e.list(call.Argument(0), "np.unique"))
			sortAny(vals)
			return e.Value(vals)
		},
		// arange(stop), arange(start, stop) or arange(start, stop, step).
		"arange": func(call goja.FunctionCall) goja.Value {
			start, stop, step := 0.0, call.Argument(0).ToFloat(), 1.0
			if len(call.Arguments) > 1 {
				start, stop = stop, call.Argument(1).ToFloat()
			}
			if len(call.Arguments) > 2 {
				step = call.Argument(2).ToFloat()
			}
			if step == 0 || math.IsNaN(step) {
				e.throw("np.arange: step must be non-zero")
			}
			n := math.Ceil((stop - start) / step)
			if n > maxRangeLen {
				e.throw("np.arange of %.0f items exceeds the limit of %d", n, maxRangeLen)
			}
			var out []any
			for i := 0; float64(i) < n; i++ {
				out = append(out, start+float64(i)*step)
			}
			return e.Value(out)
		},
	})
	_ = obj.Set("pi", math.Pi)
	_ = obj.Set("e", math.E)
	_ = obj.Set("nan", math.NaN())
	return obj
}

// mapFloats applies f to each numeric value. Nulls stay null.
func mapFloats(e *Env, vals []any, what string, f func(float64) float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		x, ok, null := toFloat(v)
		switch {
		case null:
			out[i] = nil
		case !ok:
			e.throw("%s: %v is not a number", what, v)
		default:
			out[i] = nanToNil(f(x))
		}
	}
	return out
}

func sortAny(vals []any) {
	sort.SliceStable(vals, func(i, j int) bool { return compare(vals[i], vals[j]) < 0 })
}
