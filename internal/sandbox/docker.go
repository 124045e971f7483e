package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/crucible/internal/capture"
)

// dockerLaunchFailure is the exit status the docker CLI reports when the
// daemon could not create the container (image missing, bad options, daemon
// down). A program may exit with the same status, so it only counts as a
// launch failure when no container ID was written.
const dockerLaunchFailure = 125

// releaseTimeout bounds the kill/remove of a container whose run was cut
// short.
const releaseTimeout = 10 * time.Second

// DockerSandbox runs programs in locked-down, throwaway Docker containers.
type DockerSandbox struct {
	Policy Policy
	logger *slog.Logger
}

// NewDockerSandbox creates a sandbox with the given policy.
func NewDockerSandbox(policy Policy, logger *slog.Logger) *DockerSandbox {
	if policy.DockerBinary == "" {
		policy.DockerBinary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSandbox{Policy: policy, logger: logger}
}

func (d *DockerSandbox) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	if err := d.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox policy: %w", err)
	}
	if opts.Dir == "" || opts.Executable == "" {
		return nil, fmt.Errorf("run options need both a directory and an executable")
	}

	seccompPath := d.Policy.SeccompProfile
	if seccompPath == "" {
		p, err := writeSeccompProfile(DefaultSeccompProfile())
		if err != nil {
			return nil, err
		}
		defer os.Remove(p)
		seccompPath = p
	}

	cidDir, err := os.MkdirTemp("", "crucible-cid-*")
	if err != nil {
		return nil, fmt.Errorf("creating cidfile directory: %w", err)
	}
	defer os.RemoveAll(cidDir)
	cidPath := filepath.Join(cidDir, "cid")

	name := d.Policy.ContainerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	args := d.runArgs(name, cidPath, opts, seccompPath)

	ctx, cancel := context.WithTimeout(ctx, d.Policy.MaxTimeout)
	defer cancel()

	var once sync.Once
	release := func() { once.Do(func() { d.release(name) }) }

	cmd := exec.CommandContext(ctx, d.Policy.DockerBinary, args...)
	// Killing only the docker client would leave the container running, so
	// tear the container down first.
	cmd.Cancel = func() error {
		release()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := capture.NewBuffer(d.Policy.MaxOutput)
	stderr := capture.NewBuffer(d.Policy.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Debug("starting container", "container", name, "image", d.Policy.Image)

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	result := &RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  elapsed,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		release()
		result.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			result.TimedOut = true
			d.logger.Warn("container timed out", "container", name, "timeout", d.Policy.MaxTimeout)
			return result, nil
		}
		return nil, fmt.Errorf("execution cancelled: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			release()
			return nil, fmt.Errorf("running %s: %w", d.Policy.DockerBinary, err)
		}
		if exitErr.ExitCode() == dockerLaunchFailure && !containerCreated(cidPath) {
			release()
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("%s exited with status %d", d.Policy.DockerBinary, dockerLaunchFailure)
			}
			return nil, fmt.Errorf("launching container: %s", msg)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	d.logger.Debug("container finished", "container", name, "exit_code", result.ExitCode, "elapsed", elapsed)
	return result, nil
}

// runArgs builds the docker run argument list. Every isolation flag is
// unconditional.
func (d *DockerSandbox) runArgs(name, cidPath string, opts RunOpts, seccompPath string) []string {
	p := d.Policy
	args := []string{
		"run", "--rm",
		"--cidfile", cidPath,
		"--name", name,
		"--network", "none",
		"--memory", p.MaxMemory,
		"--memory-swap", p.MaxMemory,
		"--cpus", p.MaxCPU,
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=" + p.TmpfsSize,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--security-opt", "seccomp=" + seccompPath,
		"--user", p.User,
		"-v", opts.Dir + ":" + p.WorkspacePath + ":ro",
		"-w", p.WorkspacePath,
	}

	if p.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", p.PidsLimit))
	}

	args = append(args, p.Image, path.Join(p.WorkspacePath, opts.Executable))
	return args
}

// containerCreated reports whether docker wrote the container ID, which it
// does once the daemon has created the container.
func containerCreated(cidPath string) bool {
	info, err := os.Stat(cidPath)
	return err == nil && info.Size() > 0
}

// release force-stops and removes a container on a fresh context so it runs
// even when the caller's context is already done. Errors are expected when
// the container already exited and was auto-removed.
func (d *DockerSandbox) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	for _, args := range [][]string{{"kill", name}, {"rm", "-f", name}} {
		if out, err := exec.CommandContext(ctx, d.Policy.DockerBinary, args...).CombinedOutput(); err != nil {
			d.logger.Debug("container release step failed",
				"container", name, "step", args[0], "error", err, "output", strings.TrimSpace(string(out)))
		}
	}
	d.logger.Debug("container released", "container", name)
}
