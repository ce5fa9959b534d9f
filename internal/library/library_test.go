package library

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/chart"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/policy"
)

func salesTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.New("sales",
		&dataset.Column{Name: "region", Type: dataset.TypeString, Values: []any{"north", "south", "north"}},
		&dataset.Column{Name: "amount", Type: dataset.TypeNumber, Values: []any{10.0, 20.0, 5.0}},
	)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return tbl
}

func run(t *testing.T, tbl *dataset.Table, p *policy.Policy, code string) (*goja.Runtime, *Env) {
	t.Helper()
	vm := goja.New()
	env, err := Install(vm, Options{Table: tbl, Policy: p})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := vm.RunString(code); err != nil {
		t.Fatalf("RunString(%q): %v", code, err)
	}
	return vm, env
}

func result(vm *goja.Runtime, name string) any {
	return Export(vm.Get(name))
}

func TestInstall_BindsNamespace(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(), "")
	for _, name := range append([]string{DataName, "pd", "np", "px", "go", "console"}, BuiltinNames...) {
		if vm.Get(name) == nil {
			t.Errorf("%s not bound", name)
		}
	}
	if vm.Get(policy.ImportFunc) != nil {
		t.Errorf("%s bound in %s mode", policy.ImportFunc, policy.ModeNoImports)
	}
}

func TestScalars(t *testing.T) {
	tests := []struct {
		code string
		want any
	}{
		{"result = df.amount.sum()", 35.0},
		{"result = df['amount'].mean()", 35.0 / 3},
		{"result = df.AMOUNT.max()", 20.0},
		{"result = df.region.nunique()", 2.0},
		{"result = len(df)", 3.0},
		{"result = np.median([3, 1, 2])", 2.0},
		{"result = np.mean([])", nil},
		{"result = sum([1, 2, 3], 10)", 16.0},
		{"result = round(3.14159, 2)", 3.14},
		{"result = int('42.9')", 42.0},
		{"result = max(3, 9, 4)", 9.0},
		{"result = str(df)", "DataFrame(3 rows x 2 columns)"},
		{"result = df.shape[0]", 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			vm, _ := run(t, salesTable(t), policy.Default(), tt.code)
			if got := result(vm, "result"); got != tt.want {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArrays(t *testing.T) {
	tests := []struct {
		code string
		want []any
	}{
		{"result = sorted([3, 1, 2])", []any{1.0, 2.0, 3.0}},
		{"result = sorted(df.amount, true)", []any{20.0, 10.0, 5.0}},
		{"result = range(1, 7, 2)", []any{1.0, 3.0, 5.0}},
		{"result = range(3, 0, -1)", []any{3.0, 2.0, 1.0}},
		{"result = df.columns", []any{"region", "amount"}},
		{"result = np.unique(df.region)", []any{"north", "south"}},
		{"result = np.cumsum(df.amount)", []any{10.0, 30.0, 35.0}},
		{"result = df.amount.tolist()", []any{10.0, 20.0, 5.0}},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			vm, _ := run(t, salesTable(t), policy.Default(), tt.code)
			if got := result(vm, "result"); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
		})
	}
}

func column(t *testing.T, tbl *dataset.Table, name string) []any {
	t.Helper()
	c, ok := tbl.Lookup(name)
	if !ok {
		t.Fatalf("no column %q in %v", name, tbl.ColumnNames())
	}
	return c.Values
}

func TestFrame_GroupBy(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(), "result = df.groupBy('region').sum('amount')")
	tbl, ok := result(vm, "result").(*dataset.Table)
	if !ok {
		t.Fatalf("result = %T, want *dataset.Table", result(vm, "result"))
	}
	if got, want := column(t, tbl, "region"), []any{"north", "south"}; !reflect.DeepEqual(got, want) {
		t.Errorf("region = %v, want %v", got, want)
	}
	if got, want := column(t, tbl, "amount"), []any{15.0, 20.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("amount = %v, want %v", got, want)
	}
}

func TestFrame_GroupByAgg(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(), "result = df.groupby('region').agg({amount: 'mean'})")
	tbl := result(vm, "result").(*dataset.Table)
	if got, want := column(t, tbl, "amount"), []any{7.5, 20.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("amount = %v, want %v", got, want)
	}

	vm, _ = run(t, salesTable(t), policy.Default(), "result = df.groupBy('region').size()")
	tbl = result(vm, "result").(*dataset.Table)
	if got, want := column(t, tbl, "size"), []any{2.0, 1.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("size = %v, want %v", got, want)
	}
}

func TestFrame_FilterSort(t *testing.T) {
	code := "result = df.filter(r => r.amount > 6).sortBy('amount', false)"
	vm, _ := run(t, salesTable(t), policy.Default(), code)
	tbl := result(vm, "result").(*dataset.Table)
	if got, want := column(t, tbl, "amount"), []any{20.0, 10.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("amount = %v, want %v", got, want)
	}
}

func TestFrame_ValueCounts(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(), "result = df.region.value_counts()")
	tbl := result(vm, "result").(*dataset.Table)
	if got, want := column(t, tbl, "count"), []any{2.0, 1.0}; !reflect.DeepEqual(got, want) {
		t.Errorf("count = %v, want %v", got, want)
	}
}

func TestFrame_AssignMutatesOnlyBoundCopy(t *testing.T) {
	orig := salesTable(t)
	vm, _ := run(t, orig.Clone(), policy.Default(), "df.double = df.amount.map(x => x * 2); result = df.double.sum()")
	if got := result(vm, "result"); got != 70.0 {
		t.Errorf("result = %v, want 70", got)
	}
	if len(orig.Columns) != 2 {
		t.Errorf("original has %d columns, want 2", len(orig.Columns))
	}
}

func TestFrame_MissingColumn(t *testing.T) {
	vm := goja.New()
	if _, err := Install(vm, Options{Table: salesTable(t), Policy: policy.Default()}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	_, err := vm.RunString("df.col('nosuch')")
	if err == nil {
		t.Fatal("expected error for missing column")
	}
	if !strings.Contains(err.Error(), `no column "nosuch"`) {
		t.Errorf("error = %v, want it to name the column", err)
	}
}

func TestPandas_DataFrame(t *testing.T) {
	vm, _ := run(t, nil, policy.Default(), "result = new pd.DataFrame([{a: 1, b: 'x'}, {a: 2}])")
	tbl := result(vm, "result").(*dataset.Table)
	if got, want := tbl.ColumnNames(), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("columns = %v, want %v", got, want)
	}
	if got, want := column(t, tbl, "b"), []any{"x", nil}; !reflect.DeepEqual(got, want) {
		t.Errorf("b = %v, want %v", got, want)
	}

	vm, _ = run(t, nil, policy.Default(), "result = pd.DataFrame({k: ['p', 'q'], v: [1, 2]})")
	tbl = result(vm, "result").(*dataset.Table)
	if tbl.NumRows() != 2 || tbl.Columns[1].Type != dataset.TypeNumber {
		t.Errorf("result = %d rows, v %s, want 2 rows of numbers", tbl.NumRows(), tbl.Columns[1].Type)
	}
}

func TestPlot_Express(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(), "fig = px.bar(df, {x: 'region', y: 'amount', title: 'Sales'})")
	f, ok := result(vm, "fig").(*chart.Figure)
	if !ok {
		t.Fatalf("fig = %T, want *chart.Figure", result(vm, "fig"))
	}
	if f.Kind != chart.KindBar || f.Title != "Sales" {
		t.Errorf("fig = %s %q, want bar %q", f.Kind, f.Title, "Sales")
	}
	if len(f.Traces) != 1 || len(f.Traces[0].X) != 3 {
		t.Errorf("traces = %+v, want one trace of 3 points", f.Traces)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestPlot_ExpressColor(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(),
		"fig = px.scatter(df, {x: 'amount', y: 'amount', color: 'region'})")
	f := result(vm, "fig").(*chart.Figure)
	if len(f.Traces) != 2 || f.Traces[0].Name != "north" || len(f.Traces[0].X) != 2 {
		t.Errorf("traces = %+v, want north (2 points) and south", f.Traces)
	}
}

func TestPlot_GraphObjects(t *testing.T) {
	code := `fig = new go.Figure({data: [go.Bar({x: ['a', 'b'], y: [1, 2]})], layout: {title: 'T'}})
fig.update_layout({height: 300})`
	vm, _ := run(t, nil, policy.Default(), code)
	f := result(vm, "fig").(*chart.Figure)
	if f.Kind != chart.KindBar || f.Title != "T" {
		t.Errorf("fig = %s %q, want bar %q", f.Kind, f.Title, "T")
	}
	if f.Layout["height"] != 300.0 && f.Layout["height"] != int64(300) {
		t.Errorf("layout.height = %v, want 300", f.Layout["height"])
	}
}

func TestPrint_CapturesOutput(t *testing.T) {
	_, env := run(t, salesTable(t), policy.Default(), "print('total', df.amount.sum()); console.log('done')")
	if got, want := env.Logs(), []string{"total 35", "done"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Logs() = %v, want %v", got, want)
	}
}

func TestPrint_Truncates(t *testing.T) {
	vm := goja.New()
	env, err := Install(vm, Options{Policy: policy.Default(), MaxLogBytes: 8})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := vm.RunString("print('12345'); print('67890'); print('x')"); err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if got := env.Logs(); len(got) != 1 || !env.LogsTruncated() {
		t.Errorf("Logs() = %v truncated=%v, want one line and truncated", got, env.LogsTruncated())
	}
}

func TestRequire_Allowlist(t *testing.T) {
	spec := policy.DefaultSpec()
	spec.Mode = policy.ModeAllowlist
	p, err := policy.New(spec)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	vm, _ := run(t, nil, p, "const n = require('numpy'); result = n.sum([1, 2])")
	if got := result(vm, "result"); got != 3.0 {
		t.Errorf("result = %v, want 3", got)
	}

	vm = goja.New()
	if _, err := Install(vm, Options{Policy: p}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := vm.RunString("require('os')"); err == nil {
		t.Error("require('os') succeeded, want error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got, want := r.Names(), []string{"go", "np", "pd", "px"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	l, err := r.Get("plotly.express")
	if err != nil || l.Name() != "px" {
		t.Errorf("Get(plotly.express) = %v, %v, want px", l, err)
	}
	if _, err := r.Get("os"); err == nil {
		t.Error("Get(os) succeeded, want error")
	}
}

func TestExport_Cycles(t *testing.T) {
	vm, _ := run(t, nil, policy.Default(), "const o = {n: 1}; o.self = o; const a = [1]; a.push(a); result = o; arr = a")

	o, ok := result(vm, "result").(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", result(vm, "result"))
	}
	if o["self"] != "[cycle]" || o["n"] != 1.0 {
		t.Errorf("result = %v, want {n: 1, self: [cycle]}", o)
	}
	if got, want := result(vm, "arr"), []any{1.0, "[cycle]"}; !reflect.DeepEqual(got, want) {
		t.Errorf("arr = %v, want %v", got, want)
	}
}

func TestExportResult_Budget(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"shared subarrays", "let a = [1]; for (let i = 0; i < 40; i++) a = [a, a]; result = a", true},
		{"long array", "const xs = []; for (let i = 0; i < 200000; i++) xs.push(i); result = xs", true},
		{"sibling reuse", "const row = {v: 1}; result = [row, row, row]", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, _ := run(t, nil, policy.Default(), tt.code)
			_, err := ExportResult(vm.Get("result"))
			if tt.wantErr && !errors.Is(err, ErrTooLarge) {
				t.Errorf("ExportResult error = %v, want ErrTooLarge", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ExportResult error = %v, want nil", err)
			}
		})
	}
}

func TestExport_Labels(t *testing.T) {
	vm, _ := run(t, salesTable(t), policy.Default(),
		"m = new Map([['a', 1]]); re = /ab+c/i; g = df.groupby('region')")

	if got, want := result(vm, "m"), []any{[]any{"a", 1.0}}; !reflect.DeepEqual(got, want) {
		t.Errorf("Map = %v, want %v", got, want)
	}
	if got := result(vm, "re"); got != "/ab+c/i" {
		t.Errorf("RegExp = %v, want /ab+c/i", got)
	}
	if got := result(vm, "g"); got != "[object]" {
		t.Errorf("group = %v, want [object]", got)
	}
}
