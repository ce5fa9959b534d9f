// Package prompt builds the instruction text sent to the model.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"text/template"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/library"
	"csv-chat-sandbox/internal/policy"
)

// DefaultSampleRows is how many rows of the table the model sees.
const DefaultSampleRows = 5

const maxCellWidth = 40

var askTemplate = template.Must(template.New("ask").Parse(`You are a data analyst assistant. The user uploaded a table bound to a JavaScript variable named ` + "`{{.Data}}`" + ` with these columns:

{{.Schema}}
Here are the first {{.SampleRows}} rows:

{{.Sample}}
The user asked: {{.Question}}

Produce a JavaScript-only answer that performs the requested analysis on ` + "`{{.Data}}`" + `.

{{.Rules}}`))

var repairTemplate = template.Must(template.New("repair").Parse(`{{.Ask}}

Your previous answer was:

` + "```javascript" + `
{{.Code}}
` + "```" + `

It failed: {{.Failure}}

Return a corrected version that fixes this problem and follows every rule above.`))

// Builder renders prompts for one policy. It is safe for concurrent use.
type Builder struct {
	policy     *policy.Policy
	sampleRows int
}

// NewBuilder returns a builder for p. A nil policy means policy.Default().
func NewBuilder(p *policy.Policy) *Builder {
	if p == nil {
		p = policy.Default()
	}
	return &Builder{policy: p, sampleRows: DefaultSampleRows}
}

// WithSampleRows returns a copy of b that shows n sample rows.
func (b *Builder) WithSampleRows(n int) *Builder {
	out := *b
	if n > 0 {
		out.sampleRows = n
	}
	return &out
}

// Build renders the first-attempt prompt.
func (b *Builder) Build(t *dataset.Table, question string) (string, error) {
	if t == nil {
		return "", dataset.ErrEmptyTable
	}
	var buf bytes.Buffer
	err := askTemplate.Execute(&buf, map[string]any{
		"Data":       library.DataName,
		"Schema":     schema(t),
		"SampleRows": min(b.sampleRows, t.NumRows()),
		"Sample":     sample(t, b.sampleRows),
		"Question":   strings.TrimSpace(question),
		"Rules":      b.Rules(),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// Repair renders the follow-up prompt carrying the failed code and the reason
// it failed.
func (b *Builder) Repair(t *dataset.Table, question, code, failure string) (string, error) {
	ask, err := b.Build(t, question)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = repairTemplate.Execute(&buf, map[string]any{
		"Ask":     strings.TrimRight(ask, "\n"),
		"Code":    strings.TrimSpace(code),
		"Failure": strings.TrimSpace(failure),
	})
	if err != nil {
		return "", fmt.Errorf("render repair prompt: %w", err)
	}
	return buf.String(), nil
}

// Rules returns the fixed instruction block for the builder's policy mode.
func (b *Builder) Rules() string {
	handles := "pd, np, px, go"
	var rules []string
	rules = append(rules, "Output must contain a single fenced code block tagged javascript (```javascript ... ```).")
	if b.policy.ImportsAllowed() {
		rules = append(rules, fmt.Sprintf(
			"Only call require() with one of these string literals: %s. %s are also pre-bound.",
			strings.Join(b.policy.AllowedModules(), ", "), handles))
	} else {
		rules = append(rules, fmt.Sprintf(
			"Do NOT use require() or import statements; %s are already available as globals.", handles))
	}
	rules = append(rules,
		fmt.Sprintf("Use `%s` as the variable for the table.", library.DataName),
		"Put the final result into one of these variables: `result`, `df_out`, `fig`, or `output`.",
		"Keep code short and focused (prefer fewer than 40 lines).",
		"Do NOT use file, network, timer or process operations (no fetch, no eval, no Function, no process, no fs).",
		"Do NOT use names starting with __ or the constructor and prototype properties.",
		"If visualization is appropriate, build a figure with px or go and assign it to `fig`.",
	)
	var out strings.Builder
	for _, r := range rules {
		out.WriteString("- ")
		out.WriteString(r)
		out.WriteByte('\n')
	}
	return out.String()
}

func schema(t *dataset.Table) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	for _, f := range t.Schema() {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, f.Type)
	}
	w.Flush()
	return buf.String()
}

// sample renders the head of t as an aligned text table.
func sample(t *dataset.Table, n int) string {
	head := t.Head(n)
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(head.ColumnNames(), "\t"))
	for i := 0; i < head.NumRows(); i++ {
		cells := make([]string, len(head.Columns))
		for j, c := range head.Columns {
			cells[j] = cell(c.Values[i])
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	return buf.String()
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		s = "null"
	case float64:
		s = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.6f", x), "0"), ".")
	default:
		s = fmt.Sprint(x)
	}
	s = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return s
}
