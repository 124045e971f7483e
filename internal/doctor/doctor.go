// Package doctor checks that the host can actually run submissions.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/sandbox"
)

// Check is the outcome of one environment check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report collects every check. OK is true only if all checks passed.
type Report struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Run checks docker, the sandbox image, the seccomp profile, the compiler
// and the scratch directory. Every check runs even if an earlier one fails.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) Report {
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.SandboxPolicy()
	box := sandbox.NewDockerSandbox(policy, logger)

	checks := []Check{
		checkDocker(ctx, box),
		checkImage(ctx, box),
		checkSeccomp(policy.SeccompProfile),
		checkCompiler(cfg.CompilerOptions().CC),
		checkScratch(cfg.Storage.ScratchDir),
	}

	report := Report{OK: true, Checks: checks}
	for _, c := range checks {
		if !c.OK {
			report.OK = false
			logger.Warn("environment check failed", "check", c.Name, "detail", c.Detail)
		}
	}
	return report
}

func checkDocker(ctx context.Context, box *sandbox.DockerSandbox) Check {
	version, ok := box.Available(ctx)
	if !ok {
		return Check{Name: "docker", Detail: fmt.Sprintf("%s is not installed or the daemon is not reachable", box.Policy.DockerBinary)}
	}
	return Check{Name: "docker", OK: true, Detail: "server " + version}
}

func checkImage(ctx context.Context, box *sandbox.DockerSandbox) Check {
	if !box.ImageExists(ctx) {
		return Check{Name: "image", Detail: fmt.Sprintf("image %s not found locally", box.Policy.Image)}
	}
	return Check{Name: "image", OK: true, Detail: box.Policy.Image}
}

func checkSeccomp(path string) Check {
	if path == "" {
		return Check{Name: "seccomp", OK: true, Detail: "built-in profile"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Check{Name: "seccomp", Detail: err.Error()}
	}
	var profile sandbox.SeccompProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return Check{Name: "seccomp", Detail: fmt.Sprintf("%s is not a seccomp profile: %v", path, err)}
	}
	if profile.DefaultAction == "" {
		return Check{Name: "seccomp", Detail: fmt.Sprintf("%s has no defaultAction", path)}
	}
	return Check{Name: "seccomp", OK: true, Detail: path}
}

func checkCompiler(cc string) Check {
	path, err := exec.LookPath(cc)
	if err != nil {
		return Check{Name: "compiler", Detail: fmt.Sprintf("%s not found in PATH", cc)}
	}
	return Check{Name: "compiler", OK: true, Detail: path}
}

func checkScratch(root string) Check {
	dir, err := os.MkdirTemp(root, "crucible-doctor-*")
	if err != nil {
		return Check{Name: "scratch", Detail: err.Error()}
	}
	os.RemoveAll(dir)

	if root == "" {
		root = os.TempDir()
	}
	return Check{Name: "scratch", OK: true, Detail: root}
}
