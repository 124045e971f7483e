package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const statusTimeout = 5 * time.Second

// Available reports whether the docker daemon answers, returning its
// version.
func (d *DockerSandbox) Available(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.Policy.DockerBinary, "version", "--format", "{{.Server.Version}}").Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

// ImageExists reports whether the policy's image is present locally.
func (d *DockerSandbox) ImageExists(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	return exec.CommandContext(ctx, d.Policy.DockerBinary, "image", "inspect", d.Policy.Image).Run() == nil
}
