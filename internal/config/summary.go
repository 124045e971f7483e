package config

import (
	"gopkg.in/yaml.v3"
)

// Summary is a redacted view of the effective configuration for operators.
type Summary struct {
	ResourceLimits struct {
		MaxCodeSize        int    `yaml:"max_code_size"`
		MaxOutputSize      int    `yaml:"max_output_size"`
		ExecutionTimeout   string `yaml:"execution_timeout"`
		CompilationTimeout string `yaml:"compilation_timeout"`
		MaxMemory          string `yaml:"max_memory"`
		MaxCPU             string `yaml:"max_cpu"`
		PidsLimit          int    `yaml:"pids_limit"`
	} `yaml:"resource_limits"`
	Docker struct {
		Image     string `yaml:"image"`
		User      string `yaml:"user"`
		Workspace string `yaml:"workspace"`
		Network   string `yaml:"network"`
		Seccomp   string `yaml:"seccomp"`
	} `yaml:"docker_config"`
	Security struct {
		ForbiddenPatterns int `yaml:"forbidden_patterns_count"`
		AllowedIncludes   int `yaml:"allowed_includes_count"`
		SuspiciousStrings int `yaml:"suspicious_strings_count"`
		CompilationFlags  int `yaml:"compilation_flags_count"`
	} `yaml:"security"`
	RateLimiting struct {
		PerClient int `yaml:"per_client"`
		Global    int `yaml:"global"`
	} `yaml:"rate_limiting"`
	Monitoring struct {
		LogLevel             string `yaml:"log_level"`
		AlertOnViolations    bool   `yaml:"alert_on_violations"`
		MaxViolationsPerHour int    `yaml:"max_violations_per_hour"`
	} `yaml:"monitoring"`
}

// Summary reports the effective limits and policy sizes.
func (c *Config) Summary() Summary {
	var s Summary
	rules := c.ValidatorRules()
	cc := c.CompilerOptions()

	s.ResourceLimits.MaxCodeSize = c.Limits.MaxCodeSize
	s.ResourceLimits.MaxOutputSize = c.Limits.MaxOutputSize
	s.ResourceLimits.ExecutionTimeout = c.Limits.ExecutionTimeout.String()
	s.ResourceLimits.CompilationTimeout = c.Limits.CompilationTimeout.String()
	s.ResourceLimits.MaxMemory = c.Limits.MaxMemory
	s.ResourceLimits.MaxCPU = c.Limits.MaxCPU
	s.ResourceLimits.PidsLimit = c.Limits.PidsLimit

	s.Docker.Image = c.Docker.Image
	s.Docker.User = c.Docker.User
	s.Docker.Workspace = c.Docker.WorkspacePath
	s.Docker.Network = "none"
	s.Docker.Seccomp = c.Docker.SeccompProfile
	if s.Docker.Seccomp == "" {
		s.Docker.Seccomp = "built-in"
	}

	s.Security.ForbiddenPatterns = len(rules.ForbiddenPatterns)
	s.Security.AllowedIncludes = len(rules.AllowedIncludes)
	s.Security.SuspiciousStrings = len(rules.SuspiciousStrings)
	s.Security.CompilationFlags = len(cc.Flags)

	s.RateLimiting.PerClient = c.Server.RateLimitPerClient
	s.RateLimiting.Global = c.Server.RateLimitGlobal

	s.Monitoring.LogLevel = c.Log.Level
	s.Monitoring.AlertOnViolations = c.Monitoring.AlertOnViolations
	s.Monitoring.MaxViolationsPerHour = c.Monitoring.MaxViolationsPerHour
	return s
}

// SummaryYAML renders Summary as YAML.
func (c *Config) SummaryYAML() ([]byte, error) {
	return yaml.Marshal(c.Summary())
}
