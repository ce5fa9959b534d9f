package pipeline

import (
	"fmt"
	"strings"

	"csv-chat-sandbox/internal/classify"
)

// Status is the final state of a run as shown to the user.
type Status string

const (
	StatusOK                Status = "ok"
	StatusNoOutput          Status = "no_output"
	StatusNoTable           Status = "no_table"
	StatusExtractionFailure Status = "extraction_failure"
	StatusRejected          Status = "validation_rejected"
	StatusTimeout           Status = "timeout"
	StatusRuntimeError      Status = "runtime_error"
	StatusModelError        Status = "model_error"
)

// Failed reports whether the status is a failure. NoOutput is informational.
func (s Status) Failed() bool {
	return s != StatusOK && s != StatusNoOutput
}

// message renders the user-facing text for a finished attempt. Every status
// gets its own wording; rejections list every reason.
func message(a *Attempt, r classify.Renderable) string {
	switch a.Status {
	case StatusOK:
		return describe(r)
	case StatusNoOutput:
		return "The code ran but did not set result, df_out, fig or output, so there is nothing to show."
	case StatusNoTable:
		return "There is no usable table. Upload a CSV file with a header row and at least one data row."
	case StatusExtractionFailure:
		return "The model reply did not contain any code to run. Try rephrasing the question."
	case StatusRejected:
		var b strings.Builder
		b.WriteString("The generated code was blocked by the security policy:")
		for _, reason := range a.Reasons {
			b.WriteString("\n- ")
			b.WriteString(reason)
		}
		return b.String()
	case StatusTimeout:
		return fmt.Sprintf("The generated code did not finish in time and was stopped (%s).", a.Message)
	case StatusRuntimeError:
		if a.infra {
			return "The request could not be run: " + a.Message
		}
		if a.Line > 0 {
			return fmt.Sprintf("The generated code failed on line %d: %s", a.Line, a.Message)
		}
		return "The generated code failed: " + a.Message
	case StatusModelError:
		return "The language model could not be reached. Please try again in a moment."
	}
	return string(a.Status)
}

func describe(r classify.Renderable) string {
	switch r.Kind {
	case classify.KindTable:
		if r.Truncated {
			return fmt.Sprintf("Here is the result table (first %d of %d rows).", r.Table.NumRows(), r.TotalRows)
		}
		return fmt.Sprintf("Here is the result table (%d rows).", r.TotalRows)
	case classify.KindChart:
		return "Here is the chart."
	case classify.KindScalar:
		return "Result: " + r.Text
	}
	return ""
}

// failure is the text fed back to the model in a repair prompt.
func failure(a *Attempt) string {
	switch a.Status {
	case StatusRejected:
		return "The code was rejected by the security policy:\n- " + strings.Join(a.Reasons, "\n- ")
	case StatusRuntimeError:
		if a.infra {
			return "The request could not be run: " + a.Message
		}
		if a.Line > 0 {
			return fmt.Sprintf("%s (line %d)", a.Message, a.Line)
		}
		return a.Message
	case StatusTimeout:
		return "The code ran too long and was stopped: " + a.Message + ". Avoid unbounded loops."
	}
	return a.Message
}
