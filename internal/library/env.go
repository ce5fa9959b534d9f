package library

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/chart"
	"csv-chat-sandbox/internal/dataset"
)

// Env is the binding context of a single execution. It is owned by the
// goroutine running the runtime and must not be shared.
type Env struct {
	vm   *goja.Runtime
	logs *logs
}

// VM returns the runtime the environment is bound to.
func (e *Env) VM() *goja.Runtime { return e.vm }

// Logs returns captured print and console output.
func (e *Env) Logs() []string { return e.logs.lines() }

// LogsTruncated reports whether output was dropped at the byte cap.
func (e *Env) LogsTruncated() bool { return e.logs.truncated }

// throw raises a catchable TypeError inside candidate code.
func (e *Env) throw(format string, args ...any) {
	panic(e.vm.NewTypeError("%s", fmt.Sprintf(format, args...)))
}

// call invokes a JS callback, re-raising its error into the running script.
func (e *Env) call(fn goja.Callable, args ...goja.Value) goja.Value {
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		panic(err)
	}
	return v
}

func (e *Env) callable(v goja.Value, what string) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		e.throw("%s expects a function", what)
	}
	return fn
}

func (e *Env) fn(f func(goja.FunctionCall) goja.Value) goja.Value {
	return e.vm.ToValue(f)
}

// object builds a plain object from named host functions.
func (e *Env) object(methods map[string]func(goja.FunctionCall) goja.Value) *goja.Object {
	obj := e.vm.NewObject()
	for name, f := range methods {
		_ = obj.Set(name, f)
	}
	return obj
}

// Value converts a Go value into its JS representation. Tables, series and
// figures become live handles; slices and maps become arrays and objects.
func (e *Env) Value(x any) goja.Value {
	switch v := x.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return v
	case *dataset.Table:
		return e.Frame(v)
	case *Series:
		return e.SeriesValue(v)
	case *chart.Figure:
		return e.Figure(v)
	case []any:
		items := make([]any, len(v))
		for i, it := range v {
			items[i] = e.Value(it)
		}
		return e.vm.NewArray(items...)
	case map[string]any:
		obj := e.vm.NewObject()
		for k, it := range v {
			_ = obj.Set(k, e.Value(it))
		}
		return obj
	}
	return e.vm.ToValue(x)
}

// Export converts a JS value to the Go form used outside the runtime: frames
// become *dataset.Table, series *Series, figures *chart.Figure, integers
// float64. Undefined and null become nil. Values past the export budget are
// replaced by a "[truncated]" marker.
func Export(v goja.Value) any {
	out, _ := ExportResult(v)
	return out
}

// ErrTooLarge reports a value with more nodes than an export may visit.
var ErrTooLarge = errors.New("result too large to export")

// ExportResult is Export for output bindings: a value that exceeds the
// export budget is an error rather than a truncated value.
func ExportResult(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "RegExp" {
		return obj.String(), nil
	}
	x := &exporter{limit: maxExportNodes, active: make(map[uintptr]bool)}
	out := x.walk(v.Export(), 0)
	if x.over {
		return out, fmt.Errorf("%w: more than %d values", ErrTooLarge, maxExportNodes)
	}
	return out, nil
}

const (
	// maxDepth bounds nested arrays and objects.
	maxDepth = 32
	// maxExportNodes bounds the values visited by one export. Shared
	// sub-objects are counted every time they are reached.
	maxExportNodes = 100_000
)

func normalize(x any) any {
	e := &exporter{limit: maxExportNodes, active: make(map[uintptr]bool)}
	return e.walk(x, 0)
}

// exporter walks an exported value. The walk is plain Go and cannot be
// interrupted, so it is bounded by node count and cuts reference cycles.
type exporter struct {
	nodes  int
	limit  int
	over   bool
	active map[uintptr]bool // Containers on the current path
}

func (x *exporter) walk(v any, depth int) any {
	x.nodes++
	if x.nodes > x.limit {
		x.over = true
		return "[truncated]"
	}
	switch t := v.(type) {
	case *frameObject:
		return t.t
	case *seriesObject:
		return t.s
	case *figureObject:
		return t.f
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case []any:
		if depth >= maxDepth {
			return "[nested]"
		}
		var key uintptr
		if len(t) > 0 {
			key = uintptr(unsafe.Pointer(&t[0]))
			if x.active[key] {
				return "[cycle]"
			}
			x.active[key] = true
			defer delete(x.active, key)
		}
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = x.walk(it, depth+1)
			if x.over {
				break
			}
		}
		return out
	case [][2]any:
		// Map entries.
		if depth >= maxDepth {
			return "[nested]"
		}
		out := make([]any, len(t))
		for i, kv := range t {
			out[i] = []any{x.walk(kv[0], depth+2), x.walk(kv[1], depth+2)}
			if x.over {
				break
			}
		}
		return out
	case map[string]any:
		if depth >= maxDepth {
			return "[nested]"
		}
		key := reflect.ValueOf(t).Pointer()
		if x.active[key] {
			return "[cycle]"
		}
		x.active[key] = true
		defer delete(x.active, key)
		if isHandle(t) {
			return "[object]"
		}
		out := make(map[string]any, len(t))
		for k, it := range t {
			if _, ok := it.(func(goja.FunctionCall) goja.Value); ok {
				continue
			}
			out[k] = x.walk(it, depth+1)
			if x.over {
				break
			}
		}
		return out
	case func(goja.FunctionCall) goja.Value:
		return "[function]"
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

// isHandle reports whether an object carries only methods, plus an optional
// length, as library handles such as a group do.
func isHandle(m map[string]any) bool {
	methods := 0
	for k, v := range m {
		if _, ok := v.(func(goja.FunctionCall) goja.Value); ok {
			methods++
		} else if k != "length" {
			return false
		}
	}
	return methods > 0
}

// scalar converts an exported cell value to a table value: float64, string,
// bool or nil.
func scalar(x any) any {
	switch v := normalize(x).(type) {
	case nil, float64, string, bool:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// list turns an array, series or frame column argument into Go values.
func (e *Env) list(v goja.Value, what string) []any {
	switch x := Export(v).(type) {
	case nil:
		return nil
	case *Series:
		return x.Values
	case []any:
		return x
	case *dataset.Table:
		if len(x.Columns) == 1 {
			return x.Columns[0].Values
		}
		e.throw("%s expects a single column, got a frame with %d columns", what, len(x.Columns))
	}
	e.throw("%s expects an array or series", what)
	return nil
}

// numbers returns the numeric values of v, skipping nulls. Booleans count as
// 0 and 1; numeric strings are parsed.
func (e *Env) numbers(v goja.Value, what string) []float64 {
	var items []any
	switch x := Export(v).(type) {
	case float64, bool, string:
		items = []any{x}
	default:
		items = e.list(v, what)
	}
	return e.floatsOf(items, what)
}

func (e *Env) floatsOf(items []any, what string) []float64 {
	out := make([]float64, 0, len(items))
	for _, it := range items {
		f, ok, null := toFloat(it)
		if null {
			continue
		}
		if !ok {
			e.throw("%s: %v is not a number", what, it)
		}
		out = append(out, f)
	}
	return out
}

// toFloat reports the numeric value of x, whether it is numeric, and whether
// it is a null that should be skipped.
func toFloat(x any) (f float64, ok bool, null bool) {
	switch v := x.(type) {
	case nil:
		return 0, false, true
	case float64:
		if math.IsNaN(v) {
			return 0, false, true
		}
		return v, true, false
	case int64:
		return float64(v), true, false
	case int:
		return float64(v), true, false
	case bool:
		if v {
			return 1, true, false
		}
		return 0, true, false
	case string:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err != nil {
			return 0, false, false
		}
		return n, true, false
	}
	return 0, false, false
}

func floatsToAny(fs []float64) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

// optInt reads an optional integer argument.
func optInt(v goja.Value, def int) int {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	return int(v.ToInteger())
}

// optBool reads an optional boolean argument.
func optBool(v goja.Value, def bool) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	return v.ToBoolean()
}

func isMissing(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// names converts a string or array-of-strings argument.
func (e *Env) names(v goja.Value, what string) []string {
	switch x := Export(v).(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, len(x))
		for i, it := range x {
			out[i] = fmt.Sprint(it)
		}
		return out
	case *Series:
		out := make([]string, len(x.Values))
		for i, it := range x.Values {
			out[i] = fmt.Sprint(it)
		}
		return out
	}
	e.throw("%s expects a column name or list of names", what)
	return nil
}

type logs struct {
	max       int
	size      int
	out       []string
	truncated bool
}

func newLogs(max int) *logs {
	if max <= 0 {
		max = 64 * 1024
	}
	return &logs{max: max}
}

func (l *logs) add(line string) {
	if l.truncated {
		return
	}
	if l.size+len(line) > l.max {
		l.truncated = true
		return
	}
	l.size += len(line)
	l.out = append(l.out, line)
}

func (l *logs) lines() []string {
	out := make([]string, len(l.out))
	copy(out, l.out)
	return out
}
