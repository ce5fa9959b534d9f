package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/policy"
)

func salesTable(t testing.TB) *dataset.Table {
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

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(policy.Default(), DefaultLimits())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func execute(t *testing.T, r *Runner, code string) *Result {
	t.Helper()
	res, err := r.Execute(context.Background(), Request{Code: code, Table: salesTable(t), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Execute(%q): %v", code, err)
	}
	return res
}

func TestExecute_Scalar(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "result = df['amount'].sum()")

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Message)
	}
	if got := res.Bindings["result"]; got != 35.0 {
		t.Errorf("result = %v, want 35", got)
	}
	if len(res.CodeHash) != 64 {
		t.Errorf("CodeHash = %q, want sha256 hex", res.CodeHash)
	}
}

func TestExecute_RejectedNeverLaunches(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "const os = require('os')\nos.system('ls')")

	if res.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %s, want validation_rejected", res.Outcome)
	}
	if len(res.Reasons) != 2 {
		t.Errorf("Reasons = %v, want 2 entries", res.Reasons)
	}
	if r.Launched() != 0 {
		t.Errorf("Launched() = %d, want 0", r.Launched())
	}
	if err := res.Err(); !IsValidation(err) {
		t.Errorf("Err() = %v, want validation error", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := newRunner(t)
	timeout := 200 * time.Millisecond

	start := time.Now()
	res, err := r.Execute(context.Background(), Request{Code: "while (true) {}", Table: salesTable(t), Timeout: timeout})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %s, want timeout", res.Outcome)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("elapsed = %s, want about %s", elapsed, timeout)
	}
	if err := res.Err(); !IsTimeout(err) {
		t.Errorf("Err() = %v, want timeout error", err)
	}

	// The interrupted worker releases its slot shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := r.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d after interrupt, want 0", n)
	}
}

func TestExecute_RuntimeError(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "result = totl")

	if res.Outcome != OutcomeRuntimeError {
		t.Fatalf("Outcome = %s, want runtime_error", res.Outcome)
	}
	if !strings.Contains(res.Message, "totl is not defined") {
		t.Errorf("Message = %q, want ReferenceError for totl", res.Message)
	}
	if res.Line != 1 {
		t.Errorf("Line = %d, want 1", res.Line)
	}
	if err := res.Err(); !IsRuntime(err) {
		t.Errorf("Err() = %v, want runtime error", err)
	}
}

func TestExecute_ErrorLine(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "const a = 1;\nconst b = null;\nresult = b.x;")
	if res.Outcome != OutcomeRuntimeError {
		t.Fatalf("Outcome = %s, want runtime_error", res.Outcome)
	}
	if res.Line != 3 {
		t.Errorf("Line = %d, want 3", res.Line)
	}
}

func TestExecute_NoOutput(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "const x = df.length")

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Message)
	}
	if len(res.Bindings) != 0 {
		t.Errorf("Bindings = %v, want none", res.Bindings)
	}
}

func TestExecute_Bindings(t *testing.T) {
	r := newRunner(t)
	tests := []struct {
		name string
		code string
		key  string
		want any
	}{
		{"let", "let output = 'hi'", "output", "hi"},
		{"const", "const result = 2 + 2", "result", 4.0},
		{"var", "var result = true", "result", true},
		{"null counts as bound", "result = null", "result", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, r, tt.code)
			if res.Outcome != OutcomeSuccess {
				t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Message)
			}
			got, ok := res.Bindings[tt.key]
			if !ok {
				t.Fatalf("Bindings = %v, missing %s", res.Bindings, tt.key)
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
			}
		})
	}

	res := execute(t, r, "result = undefined")
	if _, ok := res.Bindings["result"]; ok {
		t.Errorf("undefined result was bound: %v", res.Bindings)
	}
}

func TestExecute_FrameOutput(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "df_out = df.head(2)")
	tbl, ok := res.Bindings["df_out"].(*dataset.Table)
	if !ok {
		t.Fatalf("df_out = %T, want *dataset.Table", res.Bindings["df_out"])
	}
	if tbl.NumRows() != 2 {
		t.Errorf("rows = %d, want 2", tbl.NumRows())
	}
}

func TestExecute_TableIsolation(t *testing.T) {
	r := newRunner(t)
	tbl := salesTable(t)
	res, err := r.Execute(context.Background(), Request{Code: "df['amount'] = [0, 0, 0]\nresult = df['amount'].sum()", Table: tbl})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Bindings["result"] != 0.0 {
		t.Errorf("result = %v, want 0", res.Bindings["result"])
	}
	amount, _ := tbl.Lookup("amount")
	if amount.Values[0] != 10.0 {
		t.Errorf("caller table mutated: amount[0] = %v", amount.Values[0])
	}
}

func TestExecute_Idempotent(t *testing.T) {
	r := newRunner(t)
	code := "result = df['amount'].mean() + Math.random()"
	first := execute(t, r, code)
	second := execute(t, r, code)
	if first.Bindings["result"] != second.Bindings["result"] {
		t.Errorf("runs differ: %v vs %v", first.Bindings["result"], second.Bindings["result"])
	}
}

func TestExecute_Hardening(t *testing.T) {
	r := newRunner(t)
	tests := []struct {
		name string
		code string
		want any
	}{
		{"pruned global", "result = typeof Promise", "undefined"},
		{"kept global", "result = typeof Math", "object"},
		{"frozen intrinsic", "Math.max = null; result = typeof Math.max", "function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, r, tt.code)
			if res.Outcome != OutcomeSuccess {
				t.Fatalf("Outcome = %s (%s), want success", res.Outcome, res.Message)
			}
			if got := res.Bindings["result"]; got != tt.want {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecute_CodeGenerationDisabled(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "const k = 'constr' + 'uctor';\nresult = (() => 1)[k]('return 1')()")
	if res.Outcome != OutcomeRuntimeError {
		t.Fatalf("Outcome = %s, want runtime_error", res.Outcome)
	}
	if !strings.Contains(res.Message, "code generation is disabled") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestExecute_StackOverflow(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "function f(n) { return f(n + 1) + 1 }\nresult = f(0)")
	if res.Outcome != OutcomeRuntimeError {
		t.Fatalf("Outcome = %s, want runtime_error", res.Outcome)
	}
	if !strings.Contains(res.Message, "call stack") {
		t.Errorf("Message = %q, want stack overflow", res.Message)
	}
}

func TestExecute_CapturesLogs(t *testing.T) {
	r := newRunner(t)
	res := execute(t, r, "print('rows', df.length)\nconsole.log('done')\nresult = 1")
	if len(res.Logs) != 2 || res.Logs[0] != "rows 3" || res.Logs[1] != "done" {
		t.Errorf("Logs = %q, want [rows 3, done]", res.Logs)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	r := newRunner(t)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty code", Request{Code: "", Table: salesTable(t)}, ErrInvalidRequest},
		{"nil table", Request{Code: "result = 1"}, ErrEmptyTable},
		{"empty table", Request{Code: "result = 1", Table: &dataset.Table{Name: "empty"}}, ErrEmptyTable},
		{"timeout over max", Request{Code: "result = 1", Table: salesTable(t), Timeout: time.Hour}, ErrInvalidRequest},
		{"code too large", Request{Code: strings.Repeat("x", 65*1024), Table: salesTable(t)}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute() error = %v, want %v", err, tt.want)
			}
			var execErr *ExecutionError
			if !errors.As(err, &execErr) || execErr.Op != "validate_request" {
				t.Errorf("error = %#v, want ExecutionError from validate_request", err)
			}
		})
	}
	if r.Launched() != 0 {
		t.Errorf("Launched() = %d, want 0", r.Launched())
	}
}

func TestExecute_ContextCancel(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, Request{Code: "while (true) {}", Table: salesTable(t), Timeout: 5 * time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestExecute_PolicyOverride(t *testing.T) {
	r := newRunner(t)
	spec := policy.DefaultSpec()
	spec.Mode = policy.ModeAllowlist
	allow, err := policy.New(spec)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	res, err := r.Execute(context.Background(), Request{
		Code:   "const np = require('np')\nresult = np.sum([1, 2, 3])",
		Table:  salesTable(t),
		Policy: allow,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Bindings["result"] != 6.0 {
		t.Errorf("Outcome = %s (%s), result = %v, want success 6", res.Outcome, res.Message, res.Bindings["result"])
	}
}

func TestClose_RefusesNewWork(t *testing.T) {
	r, err := NewRunner(nil, DefaultLimits())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Execute(context.Background(), Request{Code: "result = 1", Table: salesTable(t)}); err == nil {
		t.Error("Execute after Close succeeded, want error")
	}
}

func TestNewRunner_InvalidLimits(t *testing.T) {
	l := DefaultLimits()
	l.MaxConcurrent = 0
	if _, err := NewRunner(nil, l); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("NewRunner() error = %v, want ErrInvalidRequest", err)
	}
}
