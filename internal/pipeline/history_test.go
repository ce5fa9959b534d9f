package pipeline

import (
	"testing"

	"csv-chat-sandbox/internal/classify"
)

func TestNewHistory(t *testing.T) {
	h := NewHistory()
	if len(h) != 1 || h[0].Role != RoleAssistant || h[0].Content != Greeting {
		t.Errorf("NewHistory() = %+v, want the greeting", h)
	}
}

func TestHistory_Append(t *testing.T) {
	base := make(History, 1, 4)
	base[0] = Message{Role: RoleAssistant, Content: Greeting}

	a := base.Append(Message{Role: RoleUser, Content: "a"})
	b := base.Append(Message{Role: RoleUser, Content: "b"})

	if len(base) != 1 {
		t.Errorf("len(base) = %d, want 1", len(base))
	}
	if a[1].Content != "a" || b[1].Content != "b" {
		t.Errorf("appends share storage: a = %+v, b = %+v", a, b)
	}
}

func TestMessage_Distinct(t *testing.T) {
	scalar := classify.Renderable{Kind: classify.KindScalar, Text: "35"}
	attempts := []*Attempt{
		{Status: StatusOK},
		{Status: StatusNoOutput},
		{Status: StatusNoTable},
		{Status: StatusExtractionFailure},
		{Status: StatusRejected, Reasons: []string{"line 1: require is not allowed", "line 2: os is blocked"}},
		{Status: StatusTimeout, Message: "execution exceeded 6s timeout"},
		{Status: StatusRuntimeError, Message: "ReferenceError: x is not defined", Line: 2},
		{Status: StatusModelError},
	}

	seen := make(map[string]Status)
	for _, a := range attempts {
		got := message(a, scalar)
		if got == "" {
			t.Errorf("message(%s) is empty", a.Status)
			continue
		}
		if prev, ok := seen[got]; ok {
			t.Errorf("message(%s) duplicates message(%s): %q", a.Status, prev, got)
		}
		seen[got] = a.Status
	}
}

func TestMessage_Details(t *testing.T) {
	tests := []struct {
		name string
		a    *Attempt
		want string
	}{
		{"rejected lists reasons", &Attempt{Status: StatusRejected, Reasons: []string{"r1", "r2"}},
			"The generated code was blocked by the security policy:\n- r1\n- r2"},
		{"runtime with line", &Attempt{Status: StatusRuntimeError, Message: "boom", Line: 3},
			"The generated code failed on line 3: boom"},
		{"runtime without line", &Attempt{Status: StatusRuntimeError, Message: "boom"},
			"The generated code failed: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := message(tt.a, classify.Renderable{}); got != tt.want {
				t.Errorf("message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFailure(t *testing.T) {
	a := &Attempt{Status: StatusRuntimeError, Message: "ReferenceError: x is not defined", Line: 2}
	if got, want := failure(a), "ReferenceError: x is not defined (line 2)"; got != want {
		t.Errorf("failure() = %q, want %q", got, want)
	}
	r := &Attempt{Status: StatusRejected, Reasons: []string{"a", "b"}}
	if got, want := failure(r), "The code was rejected by the security policy:\n- a\n- b"; got != want {
		t.Errorf("failure() = %q, want %q", got, want)
	}
}
