package sandbox

import (
	"fmt"
	"time"
)

// Policy defines isolation and resource limits for sandbox execution.
type Policy struct {
	DockerBinary    string        // docker CLI (default: "docker")
	Image           string        // runtime image with libc and libfann
	ContainerPrefix string        // container names are prefix + 8 hex chars
	User            string        // uid:gid the program runs as
	WorkspacePath   string        // mount point of the build directory
	MaxMemory       string        // Docker memory limit (e.g. "128m"); swap is pinned to the same value
	MaxCPU          string        // Docker CPU quota (e.g. "0.5")
	PidsLimit       int           // max processes inside the container
	TmpfsSize       string        // size of the writable /tmp
	MaxTimeout      time.Duration // wall-clock budget from launch
	MaxOutput       int           // byte ceiling per stream
	SeccompProfile  string        // path to a seccomp JSON profile; empty uses the built-in allow-list
}

// DefaultPolicy returns safe defaults for running exercise programs.
func DefaultPolicy() Policy {
	return Policy{
		DockerBinary:    "docker",
		Image:           "ruv-sandbox:latest",
		ContainerPrefix: "sandbox_",
		User:            "1000:1000",
		WorkspacePath:   "/home/sandboxuser/workspace",
		MaxMemory:       "128m",
		MaxCPU:          "0.5",
		PidsLimit:       64,
		TmpfsSize:       "64m",
		MaxTimeout:      10 * time.Second,
		MaxOutput:       64 * 1024,
	}
}

// Validate rejects policies that would launch an unconfined container.
func (p Policy) Validate() error {
	switch {
	case p.Image == "":
		return fmt.Errorf("sandbox image is required")
	case p.User == "" || p.User == "0" || p.User == "root" || p.User == "0:0":
		return fmt.Errorf("sandbox user must be a non-root identity, got %q", p.User)
	case p.MaxMemory == "":
		return fmt.Errorf("memory limit is required")
	case p.MaxCPU == "":
		return fmt.Errorf("cpu limit is required")
	case p.MaxTimeout <= 0:
		return fmt.Errorf("execution timeout must be positive")
	case p.MaxOutput <= 0:
		return fmt.Errorf("output ceiling must be positive")
	}
	return nil
}
