// Package pipeline runs one chat turn: prompt the model, extract the code,
// validate and execute it, classify the output and, at most once, ask the
// model to repair a failure.
package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"csv-chat-sandbox/internal/classify"
	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/extract"
	"csv-chat-sandbox/internal/llm"
	"csv-chat-sandbox/internal/monitor"
	"csv-chat-sandbox/internal/prompt"
	"csv-chat-sandbox/internal/sandbox"
	"csv-chat-sandbox/internal/storage"
)

// Progress stages reported through Request.Progress.
const (
	StagePrompt    = "prompt"
	StageModel     = "model"
	StageExtracted = "extracted"
	StageValidated = "validated"
	StageExecuted  = "executed"
	StageRepair    = "repair"
	StageDone      = "done"
)

// Event is a progress notification emitted while a run is in flight.
type Event struct {
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt,omitempty"`
	Status  Status `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Request struct {
	Table     *dataset.Table `json:"-"`
	TableName string         `json:"table_name,omitempty"`
	Question  string         `json:"question"`
	History   History        `json:"history,omitempty"`

	// Progress, when set, is called synchronously from Ask.
	Progress func(Event) `json:"-"`

	RequestIP  string `json:"-"`
	APIKeyHash string `json:"-"`
}

type Response struct {
	RunID      string              `json:"run_id"`
	Status     Status              `json:"status"`
	Message    string              `json:"message"`
	Result     classify.Renderable `json:"result"`
	Reasons    []string            `json:"reasons,omitempty"`
	Logs       []string            `json:"logs,omitempty"`
	Attempts   []Attempt           `json:"attempts"`
	Repaired   bool                `json:"repaired"`
	History    History             `json:"history"`
	DurationMS int64               `json:"duration_ms"`
}

// Attempt is one prompt, extract, validate and execute pass.
type Attempt struct {
	Number     int                 `json:"number"`
	Trigger    Status              `json:"trigger,omitempty"` // Failure that prompted this repair
	Status     Status              `json:"status"`
	Method     extract.Method      `json:"method,omitempty"`
	Code       string              `json:"code,omitempty"`
	ExecID     string              `json:"exec_id,omitempty"`
	CodeHash   string              `json:"code_hash,omitempty"`
	Reasons    []string            `json:"reasons,omitempty"`
	Message    string              `json:"message,omitempty"`
	Line       int                 `json:"line,omitempty"`
	Logs       []string            `json:"logs,omitempty"`
	DurationMS int64               `json:"duration_ms"`
	Detections []monitor.Detection `json:"detections,omitempty"`

	result classify.Renderable
	// infra marks failures of the host rather than the candidate code.
	infra bool
}

// Prompter renders the first and the repair prompt for a question.
type Prompter interface {
	Build(t *dataset.Table, question string) (string, error)
	Repair(t *dataset.Table, question, code, failure string) (string, error)
}

type Options struct {
	Backend  sandbox.Backend
	Model    llm.Client
	Prompts  Prompter // Built from the backend policy when nil
	MaxRows  int
	Timeout  time.Duration // Backend default when zero
	Repair   config.RepairConfig
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.EscapeDetector
	Audit    *storage.AuditWriter
}

type Pipeline struct {
	backend    sandbox.Backend
	model      llm.Client
	prompts    Prompter
	classifier classify.Classifier
	timeout    time.Duration
	repair     config.RepairConfig
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	detector   *monitor.EscapeDetector
	audit      *storage.AuditWriter
}

func New(opts Options) (*Pipeline, error) {
	if opts.Backend == nil {
		return nil, errors.New("pipeline: backend is required")
	}
	if opts.Model == nil {
		return nil, errors.New("pipeline: model client is required")
	}
	p := &Pipeline{
		backend:    opts.Backend,
		model:      opts.Model,
		prompts:    opts.Prompts,
		classifier: classify.Classifier{MaxRows: opts.MaxRows},
		timeout:    opts.Timeout,
		repair:     opts.Repair,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		detector:   opts.Detector,
		audit:      opts.Audit,
	}
	if p.prompts == nil {
		p.prompts = prompt.NewBuilder(opts.Backend.Policy())
	}
	if p.classifier.MaxRows <= 0 {
		p.classifier.MaxRows = classify.DefaultMaxRows
	}
	if p.tracer == nil {
		p.tracer = monitor.NewTracer()
	}
	if p.detector == nil {
		p.detector = monitor.NewEscapeDetector()
	}
	return p, nil
}

// Ask runs one chat turn. It never returns a nil Response: every failure is
// folded into Response.Status.
func (p *Pipeline) Ask(ctx context.Context, req Request) *Response {
	start := time.Now()
	runID := uuid.New().String()

	ctx, span := p.tracer.StartSpan(ctx, "ask",
		monitor.AttrRunID.String(runID),
		monitor.AttrTableName.String(req.TableName),
	)
	logger := log.With().Str("run_id", runID).Int("question_bytes", len(req.Question)).Logger()

	history := req.History
	if len(history) == 0 {
		history = NewHistory()
	}
	emit := func(ev Event) {
		if req.Progress != nil {
			req.Progress(ev)
		}
	}

	resp := &Response{RunID: runID, Result: classify.Renderable{Kind: classify.KindNone}}
	final := p.run(ctx, req, emit, resp, logger)

	resp.Status = final.Status
	resp.Message = message(final, final.result)
	resp.Reasons = final.Reasons
	if !final.Status.Failed() {
		resp.Result = final.result
		resp.Logs = final.Logs
	}
	resp.History = history.Append(
		Message{Role: RoleUser, Content: req.Question},
		Message{Role: RoleAssistant, Content: resp.Message},
	)
	resp.DurationMS = time.Since(start).Milliseconds()

	span.SetAttributes(
		monitor.AttrStatus.String(string(resp.Status)),
		attribute.Int("chat.attempts", len(resp.Attempts)),
		attribute.Bool("chat.repaired", resp.Repaired),
	)
	var spanErr error
	if resp.Status.Failed() {
		spanErr = errors.New(string(resp.Status))
	}
	monitor.EndSpan(span, spanErr)

	if p.metrics != nil {
		p.metrics.RecordRun(string(resp.Status), time.Since(start).Seconds())
	}
	p.logAudit(req, resp, start)
	emit(Event{Stage: StageDone, Status: resp.Status})

	logger.Info().
		Str("status", string(resp.Status)).
		Int("attempts", len(resp.Attempts)).
		Bool("repaired", resp.Repaired).
		Int64("duration_ms", resp.DurationMS).
		Msg("chat run finished")
	return resp
}

// run drives the first attempt and the optional repair and returns the
// attempt whose outcome is reported.
func (p *Pipeline) run(ctx context.Context, req Request, emit func(Event), resp *Response, logger zerolog.Logger) *Attempt {
	if req.Table == nil || req.Table.Empty() {
		a := &Attempt{Status: StatusNoTable}
		logger.Info().Msg("refusing to run without a usable table")
		return a
	}
	trace.SpanFromContext(ctx).SetAttributes(monitor.AttrTableRows.Int(req.Table.NumRows()))

	text, err := p.prompts.Build(req.Table, req.Question)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build prompt")
		return &Attempt{Status: StatusRuntimeError, Message: "building prompt: " + err.Error(), infra: true}
	}
	emit(Event{Stage: StagePrompt, Attempt: 1})

	first := p.attempt(ctx, req, 1, "", text, emit, logger)
	resp.Attempts = append(resp.Attempts, *first)
	if !p.shouldRepair(first) {
		return first
	}

	emit(Event{Stage: StageRepair, Attempt: 2, Status: first.Status, Detail: failure(first)})
	text, err = p.prompts.Repair(req.Table, req.Question, first.Code, failure(first))
	if err != nil {
		logger.Error().Err(err).Msg("failed to build repair prompt")
		return first
	}
	second := p.attempt(ctx, req, 2, first.Status, text, emit, logger)
	resp.Attempts = append(resp.Attempts, *second)

	succeeded := !second.Status.Failed()
	if p.metrics != nil {
		p.metrics.RecordRepair(string(first.Status), succeeded)
	}
	logger.Info().
		Str("trigger", string(first.Status)).
		Str("repair_status", string(second.Status)).
		Msg("repair attempt finished")
	if !succeeded {
		return first
	}
	resp.Repaired = true
	return second
}

func (p *Pipeline) shouldRepair(a *Attempt) bool {
	if !p.repair.Enabled || a.infra {
		return false
	}
	switch a.Status {
	case StatusRejected, StatusRuntimeError:
		return true
	case StatusTimeout:
		return p.repair.RetryTimeouts
	}
	return false
}

func (p *Pipeline) attempt(ctx context.Context, req Request, number int, trigger Status, text string, emit func(Event), logger zerolog.Logger) *Attempt {
	start := time.Now()
	a := &Attempt{Number: number, Trigger: trigger}
	ctx, span := p.tracer.StartSpan(ctx, "attempt", monitor.AttrAttempt.Int(number))
	defer func() {
		a.DurationMS = time.Since(start).Milliseconds()
		span.SetAttributes(monitor.AttrStatus.String(string(a.Status)))
		var err error
		if a.Status.Failed() {
			err = fmt.Errorf("%s: %s", a.Status, a.Message)
		}
		monitor.EndSpan(span, err)
	}()

	emit(Event{Stage: StageModel, Attempt: number})
	reply, err := p.generate(ctx, text)
	if err != nil {
		a.Status, a.Message, a.infra = StatusModelError, err.Error(), true
		logger.Warn().Err(err).Int("attempt", number).Msg("model request failed")
		return a
	}

	art, err := extract.Extract(reply)
	if err != nil {
		p.recordExtraction("failed")
		a.Status, a.Message = StatusExtractionFailure, err.Error()
		logger.Info().Int("attempt", number).Int("reply_bytes", len(reply)).Msg("no code in model reply")
		return a
	}
	p.recordExtraction(string(art.Method))
	a.Method, a.Code = art.Method, art.Code
	span.SetAttributes(monitor.AttrMethod.String(string(art.Method)))
	emit(Event{Stage: StageExtracted, Attempt: number, Detail: string(art.Method)})

	a.Detections = append(a.Detections, p.detector.AnalyzeCode(art.Code)...)

	res, err := p.backend.Execute(ctx, sandbox.Request{
		Code:    art.Code,
		Table:   req.Table,
		Timeout: p.timeout,
	})
	if err != nil {
		p.hostFailure(a, err)
		logger.Warn().Err(err).Int("attempt", number).Msg("execution request failed")
		return a
	}
	p.recordExecution(res, len(art.Code))
	a.ExecID, a.CodeHash, a.Logs = res.ExecID, res.CodeHash, res.Logs
	span.SetAttributes(
		monitor.AttrExecID.String(res.ExecID),
		monitor.AttrCodeHash.String(res.CodeHash),
		monitor.AttrOutcome.String(string(res.Outcome)),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	switch res.Outcome {
	case sandbox.OutcomeRejected:
		a.Status, a.Reasons = StatusRejected, res.Reasons
		emit(Event{Stage: StageValidated, Attempt: number, Status: a.Status, Detail: strings.Join(res.Reasons, "; ")})
		return a
	case sandbox.OutcomeTimeout:
		a.Status, a.Message = StatusTimeout, res.Message
	case sandbox.OutcomeRuntimeError:
		a.Status, a.Message, a.Line = StatusRuntimeError, res.Message, res.Line
	default:
		a.result = p.classifier.Classify(res.Bindings)
		a.Status = StatusOK
		if !a.result.Found() {
			a.Status = StatusNoOutput
		}
	}
	emit(Event{Stage: StageValidated, Attempt: number})
	emit(Event{Stage: StageExecuted, Attempt: number, Status: a.Status, Detail: a.Message})

	output := strings.Join(res.Logs, "\n")
	if a.result.Text != "" {
		output += "\n" + a.result.Text
	}
	a.Detections = append(a.Detections, p.detector.AnalyzeOutput(output)...)
	return a
}

// hostFailure maps an infrastructure error from the backend onto a status.
func (p *Pipeline) hostFailure(a *Attempt, err error) {
	a.Message = err.Error()
	switch {
	case errors.Is(err, sandbox.ErrEmptyTable):
		a.Status, a.infra = StatusNoTable, true
	case errors.Is(err, sandbox.ErrInvalidRequest):
		// Oversized or empty code is the model's fault and can be repaired.
		a.Status, a.Reasons = StatusRejected, []string{err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		a.Status, a.infra = StatusTimeout, true
	default:
		a.Status, a.infra = StatusRuntimeError, true
	}
}

func (p *Pipeline) generate(ctx context.Context, text string) (string, error) {
	ctx, span := p.tracer.StartSpan(ctx, "model", attribute.Int("chat.prompt_bytes", len(text)))
	start := time.Now()
	reply, err := p.model.Generate(ctx, text)
	if p.metrics != nil {
		p.metrics.RecordModelRequest(err, time.Since(start).Seconds())
	}
	monitor.EndSpan(span, err)
	return reply, err
}

func (p *Pipeline) recordExtraction(method string) {
	if p.metrics != nil {
		p.metrics.RecordExtraction(method)
	}
}

func (p *Pipeline) recordExecution(res *sandbox.Result, codeBytes int) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordExecution(string(res.Outcome), res.Duration.Seconds(), codeBytes)
	p.metrics.ActiveExecutions.Set(float64(p.backend.ActiveCount()))
	if len(res.Violations) > 0 {
		seen := make(map[string]bool)
		var rules []string
		for _, v := range res.Violations {
			if !seen[string(v.Rule)] {
				seen[string(v.Rule)] = true
				rules = append(rules, string(v.Rule))
			}
		}
		p.metrics.RecordViolations(rules)
	}
}

func (p *Pipeline) logAudit(req Request, resp *Response, start time.Time) {
	var events []storage.SecurityEventRecord
	for _, a := range resp.Attempts {
		for _, d := range a.Detections {
			if p.metrics != nil {
				p.metrics.RecordSecurityEvent(d.Pattern)
			}
			events = append(events, storage.SecurityEventRecord{
				RunID:     resp.RunID,
				Type:      d.Pattern,
				Severity:  d.Severity,
				Detail:    d.Detail,
				Line:      d.Line,
				CreatedAt: start,
			})
		}
	}
	if p.audit == nil {
		return
	}

	run := &storage.Run{
		ID:             resp.RunID,
		TableName:      req.TableName,
		QuestionHash:   fmt.Sprintf("%x", sha256.Sum256([]byte(req.Question))),
		Status:         string(resp.Status),
		Message:        resp.Message,
		Reasons:        resp.Reasons,
		ResultKind:     string(resp.Result.Kind),
		ResultSource:   resp.Result.Source,
		Repaired:       resp.Repaired,
		SecurityEvents: len(events),
		DurationMS:     resp.DurationMS,
		RequestIP:      req.RequestIP,
		APIKeyHash:     req.APIKeyHash,
		CreatedAt:      start,
		Events:         events,
	}
	if req.Table != nil {
		run.TableRows = req.Table.NumRows()
	}
	for _, a := range resp.Attempts {
		run.Attempts = append(run.Attempts, storage.Attempt{
			RunID:      resp.RunID,
			Number:     a.Number,
			ExecID:     a.ExecID,
			CodeHash:   a.CodeHash,
			Method:     string(a.Method),
			Outcome:    string(a.Status),
			Reasons:    a.Reasons,
			Message:    a.Message,
			Line:       a.Line,
			DurationMS: a.DurationMS,
		})
	}
	p.audit.Log(run)
}
