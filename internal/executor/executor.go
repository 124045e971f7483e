// Package executor runs a C submission through validation, compilation and
// sandboxed execution, and reports a single stage-tagged Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/michaelbrown/crucible/internal/compiler"
	"github.com/michaelbrown/crucible/internal/metrics"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/validator"
)

// Builder compiles source inside a caller-owned directory.
type Builder interface {
	Compile(ctx context.Context, source, dir string) (*compiler.Artifact, error)
}

// Config wires an Executor. Validator, Builder and Runner are required.
type Config struct {
	Validator *validator.Validator
	Builder   Builder
	Runner    sandbox.Sandbox

	// ScratchRoot is where per-call build directories are created. Empty
	// means os.TempDir().
	ScratchRoot string

	// ExecutionTimeout is only used to word timeout errors.
	ExecutionTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Executor is stateless across calls; concurrent Execute calls share
// nothing mutable.
type Executor struct {
	validator   *validator.Validator
	builder     Builder
	runner      sandbox.Sandbox
	scratchRoot string
	execTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Validator == nil:
		return nil, errors.New("executor needs a validator")
	case cfg.Builder == nil:
		return nil, errors.New("executor needs a builder")
	case cfg.Runner == nil:
		return nil, errors.New("executor needs a runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		validator:   cfg.Validator,
		builder:     cfg.Builder,
		runner:      cfg.Runner,
		scratchRoot: cfg.ScratchRoot,
		execTimeout: cfg.ExecutionTimeout,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Execute validates, compiles and runs source. It never returns an error or
// panics; every failure is folded into the Result. The scratch directory is
// gone by the time Execute returns.
func (e *Executor) Execute(ctx context.Context, source string) (res Result) {
	stage := StageValidation

	e.metrics.IncInFlight()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("execution pipeline panicked", "stage", stage, "panic", p, "stack", string(debug.Stack()))
			res = failure(&StageError{Stage: stage, Msg: fmt.Sprintf("%s error: internal failure", stage), Err: fmt.Errorf("panic: %v", p)})
		}
		e.metrics.DecInFlight()
		e.observe(res)
	}()

	run, serr := e.pipeline(ctx, source, &stage)
	if serr != nil {
		return failure(serr)
	}

	res = Result{
		Success:       run.ExitCode == 0 && !run.TimedOut,
		Stage:         StageExecution,
		Stdout:        run.Stdout,
		Stderr:        run.Stderr,
		ExitCode:      run.ExitCode,
		ExecutionTime: run.Duration,
		TimedOut:      run.TimedOut,
		Truncated:     run.Truncated,
	}
	if run.TimedOut {
		res.Err = &StageError{Stage: StageExecution, Msg: e.timeoutMessage(), Err: context.DeadlineExceeded}
		res.Error = res.Err.Error()
		res.ExitCode = -1
	}
	return res
}

// pipeline is the tagged-result core of Execute. stage tracks the step in
// progress so a panic can be attributed.
func (e *Executor) pipeline(ctx context.Context, source string, stage *Stage) (*sandbox.RunResult, *StageError) {
	if v := e.validator.Validate(source); v != nil {
		e.logger.Info("submission rejected", "kind", v.Kind, "match", v.Match)
		return nil, &StageError{Stage: StageValidation, Msg: v.Error(), Err: v}
	}

	*stage = StageCompilation
	dir, err := os.MkdirTemp(e.scratchRoot, "crucible-*")
	if err != nil {
		return nil, &StageError{Stage: StageCompilation, Msg: "compilation error: cannot create build directory", Err: err}
	}
	defer e.removeScratch(dir)

	start := time.Now()
	art, err := e.builder.Compile(ctx, source, dir)
	e.metrics.ObserveStage(string(StageCompilation), time.Since(start))
	if err != nil {
		return nil, &StageError{Stage: StageCompilation, Msg: err.Error(), Err: err}
	}

	*stage = StageExecution
	start = time.Now()
	run, err := e.runner.Run(ctx, sandbox.RunOpts{Dir: dir, Executable: art.Name})
	e.metrics.ObserveStage(string(StageExecution), time.Since(start))
	if err != nil {
		e.logger.Error("sandbox run failed", "error", err)
		return nil, &StageError{Stage: StageExecution, Msg: "execution error: " + err.Error(), Err: err}
	}
	return run, nil
}

func (e *Executor) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove scratch directory", "dir", dir, "error", err)
	}
}

func (e *Executor) timeoutMessage() string {
	if e.execTimeout > 0 {
		return fmt.Sprintf("execution timeout exceeded (%s)", e.execTimeout)
	}
	return "execution timeout exceeded"
}

func (e *Executor) observe(res Result) {
	if e.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case res.Stage == StageValidation:
		outcome = metrics.OutcomeRejected
		var v *validator.Violation
		if res.Err != nil && errors.As(res.Err, &v) {
			e.metrics.ObserveViolation(string(v.Kind))
		}
	case res.TimedOut:
		outcome = metrics.OutcomeTimeout
	case res.Stage == StageCompilation:
		var cerr *compiler.Error
		if res.Err != nil && errors.As(res.Err, &cerr) && cerr.TimedOut {
			outcome = metrics.OutcomeTimeout
		} else {
			outcome = metrics.OutcomeFailure
		}
	case res.Err != nil:
		outcome = metrics.OutcomeError
	case !res.Success:
		outcome = metrics.OutcomeFailure
	}
	e.metrics.ObserveExecution(string(res.Stage), outcome)
}
