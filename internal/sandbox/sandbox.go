package sandbox

import (
	"context"
	"time"
)

// RunOpts describes one sandboxed execution of a compiled program.
type RunOpts struct {
	Dir        string // host directory holding the executable; mounted read-only
	Executable string // file name of the executable inside Dir
}

// RunResult is the output of a sandboxed execution. A non-zero ExitCode is a
// normal outcome, not an error.
type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool // stdout or stderr hit the output ceiling
}

// Sandbox runs a compiled program in an isolated environment. Run returns an
// error only when the environment itself could not be set up, launched, or
// was cancelled by the caller.
type Sandbox interface {
	Run(ctx context.Context, opts RunOpts) (*RunResult, error)
}
