// Package compiler turns validated C source into a hardened executable.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/crucible/internal/capture"
)

const (
	SourceName = "program.c"
	BinaryName = "program"
)

// Options configures the compiler invocation.
type Options struct {
	CC             string        // compiler binary (default: "gcc")
	Flags          []string      // hardening and warning flags
	Libs           []string      // trailing link flags
	Timeout        time.Duration // wall-clock budget for one build
	MaxDiagnostics int           // byte ceiling for captured compiler output
}

// DefaultOptions returns gcc with the hardening flag set used for exercises.
func DefaultOptions() Options {
	return Options{
		CC: "gcc",
		Flags: []string{
			"-O2",
			"-Wall", "-Wextra", "-Werror",
			"-fstack-protector-strong",
			"-D_FORTIFY_SOURCE=2",
			"-fPIE", "-pie",
			"-Wl,-z,relro",
			"-Wl,-z,now",
			"-Wl,-z,noexecstack",
			"-Wformat", "-Wformat-security",
			"-fno-common",
		},
		Libs:           []string{"-lfann", "-lm"},
		Timeout:        5 * time.Second,
		MaxDiagnostics: 64 * 1024,
	}
}

// Artifact is a successfully built executable.
type Artifact struct {
	Path string // absolute path of the binary
	Name string // file name relative to the build directory
}

// Error is returned for every failed build: non-zero exit, timeout, or a
// compiler that could not be started.
type Error struct {
	Diagnostics string
	TimedOut    bool
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.TimedOut:
		return "compilation timeout exceeded"
	case e.Diagnostics != "":
		return "compilation failed:\n" + e.Diagnostics
	default:
		return fmt.Sprintf("compilation error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Compiler invokes the host C compiler.
type Compiler struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Compiler. Zero fields in opts fall back to DefaultOptions.
func New(opts Options, logger *slog.Logger) *Compiler {
	def := DefaultOptions()
	if opts.CC == "" {
		opts.CC = def.CC
	}
	if opts.Flags == nil {
		opts.Flags = def.Flags
	}
	if opts.Libs == nil {
		opts.Libs = def.Libs
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxDiagnostics <= 0 {
		opts.MaxDiagnostics = def.MaxDiagnostics
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{opts: opts, logger: logger}
}

// Options returns the effective options.
func (c *Compiler) Options() Options { return c.opts }

// Args returns the compiler argument list for a build inside dir.
func (c *Compiler) Args() []string {
	args := make([]string, 0, len(c.opts.Flags)+len(c.opts.Libs)+3)
	args = append(args, c.opts.Flags...)
	args = append(args, "-o", BinaryName, SourceName)
	args = append(args, c.opts.Libs...)
	return args
}

// Compile writes source into dir and builds it. dir must already exist and
// is owned by the caller; Compile never removes it.
func (c *Compiler) Compile(ctx context.Context, source, dir string) (*Artifact, error) {
	srcPath := filepath.Join(dir, SourceName)
	if err := os.WriteFile(srcPath, []byte(source), 0o644); err != nil {
		return nil, &Error{Err: fmt.Errorf("writing source file: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.CC, c.Args()...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	out := capture.NewBuffer(c.opts.MaxDiagnostics)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch ctx.Err() {
	case context.DeadlineExceeded:
		c.logger.Warn("compilation timed out", "timeout", c.opts.Timeout)
		return nil, &Error{TimedOut: true, Err: ctx.Err()}
	case context.Canceled:
		return nil, &Error{Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.logger.Debug("compilation failed", "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
			return nil, &Error{
				Diagnostics: scrubPaths(out.String(), dir),
				Err:         err,
			}
		}
		return nil, &Error{Err: fmt.Errorf("running %s: %w", c.opts.CC, err)}
	}

	binPath := filepath.Join(dir, BinaryName)
	if _, err := os.Stat(binPath); err != nil {
		return nil, &Error{Err: fmt.Errorf("compiler produced no binary: %w", err)}
	}

	// The container runs as a fixed non-root identity, which needs to reach
	// the binary through the read-only mount.
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, &Error{Err: fmt.Errorf("opening build dir: %w", err)}
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return nil, &Error{Err: fmt.Errorf("marking binary executable: %w", err)}
	}

	c.logger.Debug("compiled", "elapsed", elapsed)
	return &Artifact{Path: binPath, Name: BinaryName}, nil
}

// scrubPaths removes the scratch directory from diagnostics so host paths
// are never echoed back to submitters.
func scrubPaths(diag, dir string) string {
	diag = strings.ReplaceAll(diag, dir+string(filepath.Separator), "")
	return strings.ReplaceAll(diag, dir, ".")
}
