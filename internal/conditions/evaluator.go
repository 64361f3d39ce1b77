package conditions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// DefaultTimeout bounds a single verification call when none is configured.
const DefaultTimeout = 5 * time.Minute

// defaultTools maps each standard type to the command line it runs when no tool is configured.
var defaultTools = map[Type]string{
	TypeTestsPass:         "go test ./...",
	TypeBuildSucceeds:     "go build ./...",
	TypeLintClean:         "golangci-lint run",
	TypeSecurityScanClean: "gosec ./...",
}

// DefaultTool returns the command line a standard type runs by default.
func DefaultTool(t Type) string { return defaultTools[t] }

// Invocation is one request to the verification surface.
type Invocation struct {
	Tool    string
	Args    []string
	Timeout time.Duration
	WorkDir string
	Env     []string
}

// ToolResult is the raw outcome of a tool run.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Invoker runs verification tools.
// A non-nil error means the tool could not be run or did not finish; a finished
// run with a non-zero exit code is reported through ToolResult.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*ToolResult, error)
}

// Evaluator reduces tool results and custom checks to condition statuses.
type Evaluator struct {
	invoker   Invoker
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout sets the per-call verification timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxOutput bounds the output stored on each status.
func WithMaxOutput(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator creates an Evaluator. invoker may be nil when only custom conditions are used.
func NewEvaluator(invoker Invoker, opts ...Option) *Evaluator {
	e := &Evaluator{
		invoker:   invoker,
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutputBytes,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Timeout returns the per-call verification timeout.
func (e *Evaluator) Timeout() time.Duration { return e.timeout }

// Evaluate runs one condition and returns its new status. It never returns an
// error: failures are folded into a status of StateError with the detail set.
func (e *Evaluator) Evaluate(ctx context.Context, cfg Config, ec EvalContext) Status {
	start := e.now()
	st := NewStatus(cfg)
	st.Iteration = ec.Iteration

	switch {
	case cfg.Skip:
		st.State = StateSkipped
	case cfg.Type == TypeCustom:
		e.evaluateCustom(ctx, cfg, ec, &st)
	case cfg.Type.Valid():
		e.evaluateTool(ctx, cfg, ec, &st)
	default:
		st.State = StateError
		st.Error = fmt.Sprintf("%v: %q", ErrUnknownType, cfg.Type)
	}

	done := e.now()
	st.EvaluatedAt = &done
	st.DurationMS = done.Sub(start).Milliseconds()

	if st.State == StateError {
		e.logger.Warn("conditions: evaluation error",
			"condition", st.Name, "iteration", ec.Iteration, "error", st.Error)
	} else {
		e.logger.Debug("conditions: evaluated",
			"condition", st.Name, "iteration", ec.Iteration, "status", st.State, "duration_ms", st.DurationMS)
	}
	return st
}

func (e *Evaluator) evaluateTool(ctx context.Context, cfg Config, ec EvalContext, st *Status) {
	tool := cfg.Tool
	if tool == "" {
		tool = defaultTools[cfg.Type]
	}
	st.Tool = tool

	if e.invoker == nil {
		st.State = StateError
		st.Error = fmt.Sprintf("%v: no invoker configured", ErrVerificationTool)
		return
	}

	inv := Invocation{
		Tool:    tool,
		Args:    cfg.Args,
		Timeout: e.timeout,
		WorkDir: ec.WorkDir,
		Env:     evalEnv(ec),
	}
	res, err := e.supervise(ctx, func(callCtx context.Context) (*ToolResult, error) {
		return e.invoker.Invoke(callCtx, inv)
	})
	if err != nil {
		st.State = StateError
		st.Error = err.Error()
		return
	}

	code := res.ExitCode
	st.ExitCode = &code
	st.Output = TruncateOutput(joinOutput(res.Stdout, res.Stderr), e.maxOutput)

	switch code {
	case 0:
		st.State = StateMet
	case 126, 127:
		st.State = StateError
		st.Error = fmt.Sprintf("%v: %s exited %d (not executable or not found)", ErrVerificationTool, tool, code)
	default:
		st.State = StateNotMet
	}
}

func (e *Evaluator) evaluateCustom(ctx context.Context, cfg Config, ec EvalContext, st *Status) {
	if cfg.Custom == nil {
		st.State = StateError
		st.Error = fmt.Sprintf("%v: custom condition has no evaluation logic", ErrVerificationTool)
		return
	}

	res, err := e.supervise(ctx, func(callCtx context.Context) (*ToolResult, error) {
		out, err := cfg.Custom(callCtx, ec)
		if err != nil {
			return nil, err
		}
		code := out.ExitCode
		if out.Met {
			code = 0
		} else if code == 0 {
			code = 1
		}
		return &ToolResult{ExitCode: code, Stdout: out.Output}, nil
	})
	if err != nil {
		st.State = StateError
		st.Error = err.Error()
		return
	}

	code := res.ExitCode
	st.ExitCode = &code
	st.Output = TruncateOutput(res.Stdout, e.maxOutput)
	if code == 0 {
		st.State = StateMet
	} else {
		st.State = StateNotMet
	}
}

// supervise runs fn bounded by the verification timeout. fn keeps running in
// its goroutine if it ignores cancellation; its late result is discarded.
func (e *Evaluator) supervise(ctx context.Context, fn func(context.Context) (*ToolResult, error)) (*ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res *ToolResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", ErrVerificationTool, r)}
			}
		}()
		res, err := fn(callCtx)
		ch <- outcome{res: res, err: err}
	}()

	timedOut := func() error {
		return fmt.Errorf("%w after %s", ErrVerificationTimeout, e.timeout)
	}

	select {
	case o := <-ch:
		if o.err != nil {
			if errors.Is(o.err, ErrVerificationTimeout) {
				return nil, o.err
			}
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, timedOut()
			}
			if !errors.Is(o.err, ErrVerificationTool) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %v", ErrVerificationTool, o.err)
			}
			return nil, o.err
		}
		if o.res == nil {
			return nil, fmt.Errorf("%w: empty result", ErrVerificationTool)
		}
		return o.res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("verification cancelled: %w", ctx.Err())
		}
		return nil, timedOut()
	}
}

func joinOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return stdout + "\n" + stderr
}

func evalEnv(ec EvalContext) []string {
	var env []string
	if ec.SessionID != "" {
		env = append(env, "GOLOOP_SESSION_ID="+ec.SessionID)
	}
	if ec.AgentID != "" {
		env = append(env, "GOLOOP_AGENT_ID="+ec.AgentID)
	}
	if ec.Iteration > 0 {
		env = append(env, fmt.Sprintf("GOLOOP_ITERATION=%d", ec.Iteration))
	}
	return env
}

// SplitCommand parses a command line into argv using shell quoting rules.
func SplitCommand(line string) ([]string, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}
