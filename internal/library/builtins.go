package library

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
)

// BuiltinNames lists the helper functions bound into every namespace.
var BuiltinNames = []string{
	"len", "range", "min", "max", "sum", "abs", "round", "sorted",
	"str", "int", "float", "list", "print",
}

func (e *Env) installBuiltins() error {
	builtins := map[string]func(goja.FunctionCall) goja.Value{
		"len":    e.builtinLen,
		"range":  e.builtinRange,
		"min":    e.builtinExtreme("min"),
		"max":    e.builtinExtreme("max"),
		"sum":    e.builtinSum,
		"abs":    func(call goja.FunctionCall) goja.Value { return e.vm.ToValue(math.Abs(call.Argument(0).ToFloat())) },
		"round":  e.builtinRound,
		"sorted": e.builtinSorted,
		"str":    func(call goja.FunctionCall) goja.Value { return e.vm.ToValue(display(Export(call.Argument(0)))) },
		"int":    e.builtinInt,
		"float":  e.builtinFloat,
		"list":   func(call goja.FunctionCall) goja.Value { return e.Value(e.list(call.Argument(0), "list")) },
		"print":  e.builtinPrint,
	}
	for _, name := range BuiltinNames {
		if err := e.vm.Set(name, builtins[name]); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	console := e.object(map[string]func(goja.FunctionCall) goja.Value{
		"log":   e.builtinPrint,
		"info":  e.builtinPrint,
		"warn":  e.builtinPrint,
		"error": e.builtinPrint,
	})
	return e.vm.Set("console", console)
}

func (e *Env) builtinLen(call goja.FunctionCall) goja.Value {
	switch x := Export(call.Argument(0)).(type) {
	case nil:
		e.throw("len() of null")
	case string:
		return e.vm.ToValue(len([]rune(x)))
	case []any:
		return e.vm.ToValue(len(x))
	case map[string]any:
		return e.vm.ToValue(len(x))
	case *Series:
		return e.vm.ToValue(len(x.Values))
	case *dataset.Table:
		return e.vm.ToValue(x.NumRows())
	}
	e.throw("object has no len()")
	return nil
}

// builtinRange follows range(stop), range(start, stop) and range(start, stop, step).
func (e *Env) builtinRange(call goja.FunctionCall) goja.Value {
	var start, stop, step int64 = 0, 0, 1
	switch len(call.Arguments) {
	case 0:
		e.throw("range expected at least 1 argument")
	case 1:
		stop = call.Argument(0).ToInteger()
	default:
		start, stop = call.Argument(0).ToInteger(), call.Argument(1).ToInteger()
		if len(call.Arguments) > 2 {
			step = call.Argument(2).ToInteger()
		}
	}
	if step == 0 {
		e.throw("range() step must not be zero")
	}
	n := (stop - start + step - sign(step)) / step
	if n < 0 {
		n = 0
	}
	if n > maxRangeLen {
		e.throw("range() of %d items exceeds the limit of %d", n, maxRangeLen)
	}
	out := make([]any, 0, n)
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, i)
	}
	return e.vm.NewArray(out...)
}

const maxRangeLen = 1_000_000

func sign(x int64) int64 {
	if x < 0 {
		return -1
	}
	return 1
}

// builtinExtreme implements min/max over one iterable argument or several scalars.
func (e *Env) builtinExtreme(op string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var items []any
		if len(call.Arguments) == 1 {
			items = e.list(call.Argument(0), op)
		} else {
			for _, a := range call.Arguments {
				items = append(items, Export(a))
			}
		}
		var best any
		for _, it := range items {
			if it == nil {
				continue
			}
			if best == nil || (op == "min" && compare(it, best) < 0) || (op == "max" && compare(it, best) > 0) {
				best = it
			}
		}
		if best == nil {
			e.throw("%s() arg is an empty sequence", op)
		}
		return e.Value(best)
	}
}

func (e *Env) builtinSum(call goja.FunctionCall) goja.Value {
	total := sum(e.numbers(call.Argument(0), "sum"))
	if !isMissing(call.Argument(1)) {
		total += call.Argument(1).ToFloat()
	}
	return e.vm.ToValue(total)
}

func (e *Env) builtinRound(call goja.FunctionCall) goja.Value {
	d := optInt(call.Argument(1), 0)
	if s, ok := Export(call.Argument(0)).(*Series); ok {
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
	return e.vm.ToValue(roundTo(call.Argument(0).ToFloat(), d))
}

// builtinSorted returns a sorted copy: sorted(items, key?, reverse?).
func (e *Env) builtinSorted(call goja.FunctionCall) goja.Value {
	items := append([]any(nil), e.list(call.Argument(0), "sorted")...)
	keyFn, hasKey := goja.AssertFunction(call.Argument(1))
	reverse := optBool(call.Argument(2), false)
	if !hasKey {
		reverse = optBool(call.Argument(1), reverse)
	}

	keys := items
	if hasKey {
		keys = make([]any, len(items))
		for i, it := range items {
			keys[i] = Export(e.call(keyFn, e.Value(it)))
		}
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		c := compare(keys[idx[a]], keys[idx[b]])
		if reverse {
			return c > 0
		}
		return c < 0
	})
	out := make([]any, len(items))
	for i, j := range idx {
		out[i] = e.Value(items[j])
	}
	return e.vm.NewArray(out...)
}

func (e *Env) builtinInt(call goja.FunctionCall) goja.Value {
	f, ok, _ := toFloat(Export(call.Argument(0)))
	if !ok {
		e.throw("invalid literal for int(): %s", call.Argument(0).String())
	}
	return e.vm.ToValue(int64(math.Trunc(f)))
}

func (e *Env) builtinFloat(call goja.FunctionCall) goja.Value {
	f, ok, _ := toFloat(Export(call.Argument(0)))
	if !ok {
		e.throw("could not convert to float: %s", call.Argument(0).String())
	}
	return e.vm.ToValue(f)
}

func (e *Env) builtinPrint(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = display(Export(a))
	}
	e.logs.add(strings.Join(parts, " "))
	return goja.Undefined()
}

// display renders a value the way print shows it.
func display(x any) string {
	switch v := x.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case *dataset.Table:
		return fmt.Sprintf("DataFrame(%d rows x %d columns)", v.NumRows(), len(v.Columns))
	case *Series:
		return fmt.Sprintf("Series(%s, %d values)", v.Name, len(v.Values))
	case []any:
		parts := make([]string, len(v))
		for i, it := range v {
			parts[i] = display(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(x)
}
