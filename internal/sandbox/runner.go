package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/library"
	"csv-chat-sandbox/internal/policy"
)

// Outcome tags an ExecutionResult.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRejected     Outcome = "validation_rejected"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeRuntimeError Outcome = "runtime_error"
)

type Request struct {
	ExecID  string         `json:"exec_id,omitempty"`
	Code    string         `json:"code"`
	Table   *dataset.Table `json:"-"`
	Policy  *policy.Policy `json:"-"`       // Runner policy when nil
	Timeout time.Duration  `json:"timeout"` // DefaultTimeout when zero
}

type Result struct {
	ExecID     string             `json:"exec_id"`
	Outcome    Outcome            `json:"outcome"`
	Reasons    []string           `json:"reasons,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Message    string             `json:"message,omitempty"`
	Line       int                `json:"line,omitempty"`
	// Bindings holds the output names candidate code defined, exported to Go
	// values. A name bound to null maps to nil.
	Bindings      map[string]any `json:"-"`
	Logs          []string       `json:"logs,omitempty"`
	LogsTruncated bool           `json:"logs_truncated,omitempty"`
	Duration      time.Duration  `json:"duration"`
	CodeHash      string         `json:"code_hash"`
}

// Err converts a failed outcome into an error wrapping the matching sentinel.
func (r *Result) Err() error {
	var err error
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeRejected:
		err = fmt.Errorf("%w: %s", ErrValidation, policy.Summary(policy.Verdict{Violations: r.Violations}))
	case OutcomeTimeout:
		err = fmt.Errorf("%w: %s", ErrTimeout, r.Message)
	default:
		err = fmt.Errorf("%w: %s", ErrRuntime, r.Message)
	}
	return &ExecutionError{ExecID: r.ExecID, Op: "execute", Err: err}
}

// Runner executes candidate code in fresh, locked-down goja runtimes.
type Runner struct {
	policy   *policy.Policy
	registry *library.Registry
	limits   Limits
	profile  SecurityProfile
	sem      chan struct{} // Held by live workers, abandoned ones included
	active   atomic.Int64  // Live worker count
	launched atomic.Int64  // Runtimes ever built
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects shutdown state
	closed   bool
}

// NewRunner creates a runner. A nil policy means policy.Default().
func NewRunner(p *policy.Policy, limits Limits) (*Runner, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		p = policy.Default()
	}
	profile := DefaultSecurityProfile()
	profile.MaxCallStackSize = limits.MaxCallStackSize
	return &Runner{
		policy:   p,
		registry: library.NewRegistry(),
		limits:   limits,
		profile:  profile,
		sem:      make(chan struct{}, limits.MaxConcurrent),
	}, nil
}

// Policy returns the runner's default policy.
func (r *Runner) Policy() *policy.Policy { return r.policy }

// Limits returns the runner's limits.
func (r *Runner) Limits() Limits { return r.limits }

// Execute validates and, when the policy accepts the code, runs it against a
// private copy of req.Table. Candidate-code failures are reported through
// Result.Outcome; the error is reserved for invalid requests, a cancelled
// context and a closed runner.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := req.ExecID
	if execID == "" {
		execID = uuid.New().String()
	}
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Int("code_bytes", len(req.Code)).
		Logger()

	timeout, err := r.validateRequest(req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate_request", Err: err}
	}

	p := req.Policy
	if p == nil {
		p = r.policy
	}
	start := time.Now()
	res := &Result{ExecID: execID, CodeHash: codeHash}

	verdict := policy.Validate(req.Code, p)
	if !verdict.OK {
		res.Outcome = OutcomeRejected
		res.Violations = verdict.Violations
		res.Reasons = verdict.Reasons()
		res.Duration = time.Since(start)
		logger.Info().Strs("rules", rulesOf(verdict)).Msg("code rejected by policy")
		return res, nil
	}

	prog, err := goja.CompileAST(verdict.Program, false)
	if err != nil {
		res.Outcome = OutcomeRuntimeError
		res.Message, res.Line = describeError(err)
		res.Duration = time.Since(start)
		return res, nil
	}

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if closed {
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: errors.New("runner closed")}
	}

	// The budget covers the wait for a slot as well as the run.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r.sem <- struct{}{}:
	case <-timer.C:
		r.wg.Done()
		res.Outcome = OutcomeTimeout
		res.Message = fmt.Sprintf("no execution slot became free within %s timeout", timeout)
		res.Duration = time.Since(start)
		logger.Warn().Dur("timeout", timeout).Msg("timed out waiting for execution slot")
		return res, nil
	case <-ctx.Done():
		r.wg.Done()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: fmt.Errorf("%w: %v", ErrCapacity, ctx.Err())}
	}

	vm := goja.New()
	r.launched.Add(1)
	r.active.Add(1)
	done := make(chan workerResult, 1)
	go func() {
		defer func() {
			r.active.Add(-1)
			<-r.sem
			r.wg.Done()
		}()
		done <- r.run(vm, prog, req.Table.Clone(), p)
	}()

	select {
	case out := <-done:
		res.Duration = time.Since(start)
		res.Logs, res.LogsTruncated = out.logs, out.logsTruncated
		if out.err != nil {
			res.Outcome = OutcomeRuntimeError
			res.Message, res.Line = describeError(out.err)
			logger.Info().Str("message", res.Message).Dur("duration", res.Duration).Msg("candidate code raised")
			return res, nil
		}
		res.Outcome = OutcomeSuccess
		res.Bindings = out.bindings
		logger.Info().Dur("duration", res.Duration).Int("bindings", len(out.bindings)).Msg("execution completed")
		return res, nil

	case <-timer.C:
		// The worker is abandoned: its result lands in the buffered channel
		// and is never read.
		vm.Interrupt(ErrTimeout)
		res.Outcome = OutcomeTimeout
		res.Message = fmt.Sprintf("execution exceeded %s timeout", timeout)
		res.Duration = time.Since(start)
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, interrupting runtime")
		return res, nil

	case <-ctx.Done():
		vm.Interrupt(ctx.Err())
		logger.Warn().Err(ctx.Err()).Msg("execution cancelled")
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ctx.Err()}
	}
}

type workerResult struct {
	bindings      map[string]any
	logs          []string
	logsTruncated bool
	err           error
}

// run owns vm for its whole life. Output bindings are exported here because a
// goja runtime must not be touched from two goroutines.
func (r *Runner) run(vm *goja.Runtime, prog *goja.Program, table *dataset.Table, p *policy.Policy) (out workerResult) {
	var env *library.Env
	defer func() {
		if rec := recover(); rec != nil {
			out = workerResult{err: fmt.Errorf("internal error: %v", rec)}
		}
		if env != nil {
			out.logs, out.logsTruncated = env.Logs(), env.LogsTruncated()
		}
	}()

	if err := ApplySecurityProfile(vm, r.profile); err != nil {
		return workerResult{err: err}
	}
	env, err := library.Install(vm, library.Options{
		Table:       table,
		Policy:      p,
		Registry:    r.registry,
		MaxLogBytes: r.limits.MaxLogBytes,
	})
	if err != nil {
		return workerResult{err: err}
	}

	if _, err := vm.RunProgram(prog); err != nil {
		return workerResult{err: err}
	}

	bindings := make(map[string]any)
	for _, name := range library.OutputNames {
		v := vm.Get(name)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		x, err := library.ExportResult(v)
		if err != nil {
			return workerResult{err: fmt.Errorf("%s: %w", name, err)}
		}
		bindings[name] = x
	}
	return workerResult{bindings: bindings}
}

func (r *Runner) validateRequest(req Request) (time.Duration, error) {
	if req.Code == "" {
		return 0, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > r.limits.MaxCodeBytes {
		return 0, fmt.Errorf("%w: code exceeds %d byte limit", ErrInvalidRequest, r.limits.MaxCodeBytes)
	}
	if req.Table == nil || req.Table.Empty() {
		return 0, ErrEmptyTable
	}
	return r.limits.timeout(req.Timeout)
}

// ActiveCount returns the number of live workers, including abandoned ones
// still running after a timeout.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Launched returns how many runtimes have been built. Rejected code never
// builds one.
func (r *Runner) Launched() int64 {
	return r.launched.Load()
}

// Close refuses new executions and waits for live workers, abandoned ones
// included, until ctx expires.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close runner: %d workers still running: %w", r.ActiveCount(), ctx.Err())
	}
}

func rulesOf(v policy.Verdict) []string {
	rules := v.Rules()
	out := make([]string, len(rules))
	for i, rule := range rules {
		out[i] = string(rule)
	}
	return out
}

// describeError turns a goja error into the message shown to users and the
// repair prompt, plus the first source line it points at.
func describeError(err error) (string, int) {
	var (
		interrupted *goja.InterruptedError
		overflow    *goja.StackOverflowError
		exception   *goja.Exception
		syntax      *goja.CompilerSyntaxError
	)
	switch {
	case errors.As(err, &interrupted):
		return "execution interrupted", 0
	case errors.As(err, &overflow):
		return "RangeError: maximum call stack size exceeded", firstLine(overflow.Stack())
	case errors.As(err, &exception):
		msg := exception.Error()
		if v := exception.Value(); v != nil {
			msg = v.String()
		}
		return msg, firstLine(exception.Stack())
	case errors.As(err, &syntax):
		line := 0
		if syntax.File != nil {
			line = syntax.File.Position(syntax.Offset).Line
		}
		return "SyntaxError: " + syntax.Message, line
	}
	return err.Error(), 0
}

// firstLine skips native frames (line 0) to find the first JS call site.
func firstLine(frames []goja.StackFrame) int {
	for i := range frames {
		if pos := frames[i].Position(); pos.Line > 0 {
			return pos.Line
		}
	}
	return 0
}
