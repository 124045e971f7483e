package executor

import (
	"fmt"
	"log/slog"

	"github.com/michaelbrown/crucible/internal/compiler"
	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/metrics"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/validator"
)

// FromConfig builds the production pipeline: validator, host compiler and
// docker sandbox, all projected from cfg. m may be nil.
func FromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Executor, error) {
	v, err := validator.New(cfg.ValidatorRules())
	if err != nil {
		return nil, fmt.Errorf("building validator: %w", err)
	}

	policy := cfg.SandboxPolicy()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox policy: %w", err)
	}

	return New(Config{
		Validator:        v,
		Builder:          compiler.New(cfg.CompilerOptions(), logger),
		Runner:           sandbox.NewDockerSandbox(policy, logger),
		ScratchRoot:      cfg.Storage.ScratchDir,
		ExecutionTimeout: cfg.Limits.ExecutionTimeout,
		Logger:           logger,
		Metrics:          m,
	})
}
