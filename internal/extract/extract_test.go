package extract

import (
	"errors"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantCode   string
		wantMethod Method
	}{
		{
			name:       "tagged javascript",
			text:       "Here you go:\n```javascript\nresult = df['amount'].sum()\n```\nDone.",
			wantCode:   "result = df['amount'].sum()",
			wantMethod: MethodTagged,
		},
		{
			name:       "tagged block preferred over earlier generic",
			text:       "```\nnot this\n```\n```js\nresult = 1\n```",
			wantCode:   "result = 1",
			wantMethod: MethodTagged,
		},
		{
			name:       "tag is case-insensitive",
			text:       "```JavaScript\nresult = 2\n```",
			wantCode:   "result = 2",
			wantMethod: MethodTagged,
		},
		{
			name:       "generic fallback",
			text:       "```\nresult = 3\n```",
			wantCode:   "result = 3",
			wantMethod: MethodGeneric,
		},
		{
			name:       "other language counts as generic",
			text:       "```python\nresult = 4\n```",
			wantCode:   "result = 4",
			wantMethod: MethodGeneric,
		},
		{
			name:       "empty tagged block falls through",
			text:       "```js\n\n```\n```\nresult = 5\n```",
			wantCode:   "result = 5",
			wantMethod: MethodGeneric,
		},
		{
			name:       "tilde fence",
			text:       "~~~js\nresult = 6\n~~~",
			wantCode:   "result = 6",
			wantMethod: MethodTagged,
		},
		{
			name:       "unterminated fence runs to end",
			text:       "```js\nresult = 7",
			wantCode:   "result = 7",
			wantMethod: MethodTagged,
		},
		{
			name:       "whole text fallback",
			text:       "  result = 8  \n",
			wantCode:   "result = 8",
			wantMethod: MethodUnverified,
		},
		{
			name:       "crlf line endings",
			text:       "```js\r\nresult = 9\r\n```\r\n",
			wantCode:   "result = 9",
			wantMethod: MethodTagged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Extract(tt.text)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if a.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", a.Code, tt.wantCode)
			}
			if a.Method != tt.wantMethod {
				t.Errorf("Method = %s, want %s", a.Method, tt.wantMethod)
			}
			if a.Unverified() != (tt.wantMethod == MethodUnverified) {
				t.Errorf("Unverified() = %v", a.Unverified())
			}
		})
	}
}

func TestExtract_NoCode(t *testing.T) {
	for _, text := range []string{"", "   \n\t", "```js\n```"} {
		if _, err := Extract(text); !errors.Is(err, ErrNoCode) {
			t.Errorf("Extract(%q) error = %v, want ErrNoCode", text, err)
		}
	}
}
