package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"csv-chat-sandbox/internal/policy"
)

func TestEscapeAttempts_Rejected(t *testing.T) {
	r := newRunner(t)

	tests := []struct {
		name string
		code string
		rule policy.Rule
	}{
		{"require node module", "const fs = require('fs')\nresult = fs.readFileSync('/etc/passwd')", policy.RuleImport},
		{"network fetch", "fetch('http://169.254.169.254/latest/meta-data/')", policy.RuleBlockedCall},
		{"eval string", "result = eval('1 + 1')", policy.RuleBlockedCall},
		{"timer callback", "setTimeout(() => { result = 1 }, 0)", policy.RuleBlockedCall},
		{"global object", "result = globalThis.process", policy.RuleBlockedName},
		{"proxy trap", "const p = new Proxy({}, {})\nresult = p", policy.RuleBlockedName},
		{"prototype walk", "result = Object.getPrototypeOf(df)", policy.RuleBlockedMember},
		{"constructor member", "result = df.constructor", policy.RuleBlockedMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, r, tt.code)
			if res.Outcome != OutcomeRejected {
				t.Fatalf("Outcome = %s (%s), want validation_rejected", res.Outcome, res.Message)
			}
			found := false
			for _, v := range res.Violations {
				if v.Rule == tt.rule {
					found = true
				}
			}
			if !found {
				t.Errorf("Violations = %v, want rule %s", res.Violations, tt.rule)
			}
		})
	}

	if r.Launched() != 0 {
		t.Errorf("Launched() = %d, want 0 for rejected code", r.Launched())
	}
}

func TestEscapeAttempts_Runtime(t *testing.T) {
	r := newRunner(t)

	tests := []struct {
		name string
		code string
		want Outcome
	}{
		{"infinite loop", "while (true) {}", OutcomeTimeout},
		{"unbounded recursion", "function f(n) { return f(n + 1) + 1 }\nresult = f(0)", OutcomeRuntimeError},
		{"computed constructor", "const k = 'constr' + 'uctor';\nresult = (() => 1)[k]('return this')()", OutcomeRuntimeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), Request{Code: tt.code, Table: salesTable(t), Timeout: 300 * time.Millisecond})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %s (%s), want %s", res.Outcome, res.Message, tt.want)
			}
		})
	}
}

func TestEscapeAttempts_Exports(t *testing.T) {
	r := newRunner(t)

	tests := []struct {
		name    string
		code    string
		want    Outcome
		message string
	}{
		{"self reference", "const o = {}; o.a = o; o.b = o; o.c = o; result = o", OutcomeSuccess, ""},
		{"shared subarrays", "let a = [1]; for (let i = 0; i < 40; i++) a = [a, a]; result = a", OutcomeRuntimeError, "too large"},
		{"huge array", "const xs = []; for (let i = 0; i < 500000; i++) xs.push(i); result = xs", OutcomeRuntimeError, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := execute(t, r, tt.code)
			if res.Outcome != tt.want {
				t.Fatalf("Outcome = %s (%s), want %s", res.Outcome, res.Message, tt.want)
			}
			if !strings.Contains(res.Message, tt.message) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.message)
			}
			if d := time.Since(start); d > time.Second {
				t.Errorf("Execute took %s, want under 1s", d)
			}
		})
	}

	res := execute(t, r, "const o = {}; o.a = o; result = o")
	if got, ok := res.Bindings["result"].(map[string]any); !ok || got["a"] != "[cycle]" {
		t.Errorf("result = %v, want {a: [cycle]}", res.Bindings["result"])
	}
}

func TestExecute_SlotWaitCountsAgainstTimeout(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConcurrent = 1
	r, err := NewRunner(policy.Default(), limits)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })

	tbl := salesTable(t)
	busy := make(chan *Result, 1)
	go func() {
		res, _ := r.Execute(context.Background(), Request{Code: "while (true) {}", Table: tbl, Timeout: 2 * time.Second})
		busy <- res
	}()
	for r.ActiveCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	res, err := r.Execute(context.Background(), Request{Code: "result = 1", Table: tbl, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("Outcome = %s (%s), want timeout", res.Outcome, res.Message)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Execute took %s, want about 200ms", d)
	}

	if first := <-busy; first == nil || first.Outcome != OutcomeTimeout {
		t.Errorf("busy run = %v, want timeout", first)
	}
}

func TestEscapeAttempts_GlobalsDoNotLeak(t *testing.T) {
	r := newRunner(t)

	first := execute(t, r, "Math.leaked = 1\nvar stash = 'x'\nresult = 1")
	if first.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s), want success", first.Outcome, first.Message)
	}

	second := execute(t, r, "result = typeof stash + ',' + typeof Math.leaked")
	if second.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s), want success", second.Outcome, second.Message)
	}
	if got := second.Bindings["result"]; got != "undefined,undefined" {
		t.Errorf("result = %v, want undefined,undefined", got)
	}
}

func TestExecute_Concurrent(t *testing.T) {
	r := newRunner(t)

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Execute(context.Background(), Request{Code: "result = df['amount'].sum()", Table: salesTable(t), Timeout: 2 * time.Second})
			if err != nil {
				errs <- err.Error()
				return
			}
			if res.Outcome != OutcomeSuccess || res.Bindings["result"] != 35.0 {
				errs <- string(res.Outcome) + ": " + res.Message
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func BenchmarkExecute(b *testing.B) {
	r, err := NewRunner(policy.Default(), DefaultLimits())
	if err != nil {
		b.Fatalf("NewRunner: %v", err)
	}
	defer r.Close(context.Background())

	tbl := salesTable(b)
	cases := []struct {
		name string
		code string
	}{
		{"scalar", "result = df['amount'].sum()"},
		{"rejected", "const os = require('os')"},
		{"groupby", "df_out = df.groupby('region').agg({amount: 'sum'})"},
	}

	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := r.Execute(context.Background(), Request{Code: c.code, Table: tbl, Timeout: 5 * time.Second}); err != nil {
					b.Fatalf("Execute: %v", err)
				}
			}
		})
	}
}

func BenchmarkValidate(b *testing.B) {
	p := policy.Default()
	code := "const totals = df.groupby('region').agg({amount: 'sum'})\nfig = px.bar(totals, {x: 'region', y: 'amount'})"
	for i := 0; i < b.N; i++ {
		policy.Validate(code, p)
	}
}
