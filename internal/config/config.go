package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/michaelbrown/crucible/internal/compiler"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/validator"
)

type LimitsConfig struct {
	MaxCodeSize        int           `mapstructure:"max_code_size" yaml:"max_code_size"`
	MaxOutputSize      int           `mapstructure:"max_output_size" yaml:"max_output_size"`
	CompilationTimeout time.Duration `mapstructure:"compilation_timeout" yaml:"compilation_timeout"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
	MaxMemory          string        `mapstructure:"max_memory" yaml:"max_memory"`
	MaxCPU             string        `mapstructure:"max_cpu" yaml:"max_cpu"`
	PidsLimit          int           `mapstructure:"pids_limit" yaml:"pids_limit"`
	TmpfsSize          string        `mapstructure:"tmpfs_size" yaml:"tmpfs_size"`
}

type DockerConfig struct {
	Binary          string `mapstructure:"binary" yaml:"binary"`
	Image           string `mapstructure:"image" yaml:"image"`
	ContainerPrefix string `mapstructure:"container_prefix" yaml:"container_prefix"`
	User            string `mapstructure:"user" yaml:"user"`
	WorkspacePath   string `mapstructure:"workspace_path" yaml:"workspace_path"`
	Network         bool   `mapstructure:"network" yaml:"network"` // rejected when true
	SeccompProfile  string `mapstructure:"seccomp_profile" yaml:"seccomp_profile"`
}

type CompilerConfig struct {
	CC    string   `mapstructure:"cc" yaml:"cc"`
	Flags []string `mapstructure:"flags" yaml:"flags"`
	Libs  []string `mapstructure:"libs" yaml:"libs"`
}

// PolicyConfig overrides the validator lists. An empty list keeps the
// built-in default.
type PolicyConfig struct {
	ForbiddenPatterns []string `mapstructure:"forbidden_patterns" yaml:"forbidden_patterns"`
	AllowedIncludes   []string `mapstructure:"allowed_includes" yaml:"allowed_includes"`
	SuspiciousStrings []string `mapstructure:"suspicious_strings" yaml:"suspicious_strings"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
	// Requests per minute.
	RateLimitPerClient int `mapstructure:"rate_limit_per_client" yaml:"rate_limit_per_client"`
	RateLimitGlobal    int `mapstructure:"rate_limit_global" yaml:"rate_limit_global"`
}

type StorageConfig struct {
	DBPath     string `mapstructure:"db_path" yaml:"db_path"`
	ScratchDir string `mapstructure:"scratch_dir" yaml:"scratch_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MonitoringConfig struct {
	AlertOnViolations    bool `mapstructure:"alert_on_violations" yaml:"alert_on_violations"`
	MaxViolationsPerHour int  `mapstructure:"max_violations_per_hour" yaml:"max_violations_per_hour"`
}

type Config struct {
	Limits     LimitsConfig     `mapstructure:"limits" yaml:"limits"`
	Docker     DockerConfig     `mapstructure:"docker" yaml:"docker"`
	Compiler   CompilerConfig   `mapstructure:"compiler" yaml:"compiler"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

// legacyEnv maps config keys to the environment names used by earlier
// deployments of the sandbox. CRUCIBLE_* names take precedence.
var legacyEnv = map[string]string{
	"limits.max_code_size":               "SANDBOX_MAX_CODE_SIZE",
	"limits.max_output_size":             "SANDBOX_MAX_OUTPUT_SIZE",
	"limits.execution_timeout":           "SANDBOX_EXECUTION_TIMEOUT",
	"limits.compilation_timeout":         "SANDBOX_COMPILATION_TIMEOUT",
	"limits.max_memory":                  "SANDBOX_MAX_MEMORY",
	"limits.max_cpu":                     "SANDBOX_MAX_CPU",
	"docker.image":                       "SANDBOX_DOCKER_IMAGE",
	"docker.container_prefix":            "SANDBOX_CONTAINER_PREFIX",
	"log.level":                          "SANDBOX_LOG_LEVEL",
	"server.rate_limit_per_client":       "SANDBOX_RATE_LIMIT_USER",
	"server.rate_limit_global":           "SANDBOX_RATE_LIMIT_GLOBAL",
	"monitoring.alert_on_violations":     "SANDBOX_ALERT_VIOLATIONS",
	"monitoring.max_violations_per_hour": "SANDBOX_MAX_VIOLATIONS_HOUR",
}

// Load reads crucible.yaml from path, or from . and $HOME/.crucible when path
// is empty. A missing file in the search path is fine; every key has a
// default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crucible")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.crucible")
	}

	setDefaults(v)

	v.SetEnvPrefix("CRUCIBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "CRUCIBLE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()
	cc := compiler.DefaultOptions()

	v.SetDefault("limits.max_code_size", validator.DefaultMaxSourceSize)
	v.SetDefault("limits.max_output_size", policy.MaxOutput)
	v.SetDefault("limits.compilation_timeout", cc.Timeout)
	v.SetDefault("limits.execution_timeout", policy.MaxTimeout)
	v.SetDefault("limits.max_memory", policy.MaxMemory)
	v.SetDefault("limits.max_cpu", policy.MaxCPU)
	v.SetDefault("limits.pids_limit", policy.PidsLimit)
	v.SetDefault("limits.tmpfs_size", policy.TmpfsSize)

	v.SetDefault("docker.binary", policy.DockerBinary)
	v.SetDefault("docker.image", policy.Image)
	v.SetDefault("docker.container_prefix", policy.ContainerPrefix)
	v.SetDefault("docker.user", policy.User)
	v.SetDefault("docker.workspace_path", policy.WorkspacePath)
	v.SetDefault("docker.network", false)
	v.SetDefault("docker.seccomp_profile", "")

	v.SetDefault("compiler.cc", cc.CC)
	v.SetDefault("compiler.flags", cc.Flags)
	v.SetDefault("compiler.libs", cc.Libs)

	v.SetDefault("policy.forbidden_patterns", []string{})
	v.SetDefault("policy.allowed_includes", []string{})
	v.SetDefault("policy.suspicious_strings", []string{})

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_per_client", 10)
	v.SetDefault("server.rate_limit_global", 100)

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".crucible", "crucible.db"))
	v.SetDefault("storage.scratch_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("monitoring.alert_on_violations", true)
	v.SetDefault("monitoring.max_violations_per_hour", 5)
}

// secondsDurationHook lets durations be written as Go duration strings
// ("750ms") or as bare numbers of seconds (10, "10"), the form earlier
// deployments used.
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			s := strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

func (c *Config) validate() error {
	switch {
	case c.Limits.MaxCodeSize <= 0:
		return fmt.Errorf("limits.max_code_size must be positive")
	case c.Limits.MaxOutputSize <= 0:
		return fmt.Errorf("limits.max_output_size must be positive")
	case c.Limits.CompilationTimeout <= 0:
		return fmt.Errorf("limits.compilation_timeout must be positive")
	case c.Limits.ExecutionTimeout <= 0:
		return fmt.Errorf("limits.execution_timeout must be positive")
	case c.Docker.Network:
		return fmt.Errorf("docker.network cannot be enabled; sandboxed programs never get network access")
	}
	return c.SandboxPolicy().Validate()
}

// ValidatorRules projects the config onto the validator.
func (c *Config) ValidatorRules() validator.Rules {
	rules := validator.DefaultRules()
	rules.MaxSourceSize = c.Limits.MaxCodeSize
	if len(c.Policy.ForbiddenPatterns) > 0 {
		rules.ForbiddenPatterns = c.Policy.ForbiddenPatterns
	}
	if len(c.Policy.AllowedIncludes) > 0 {
		rules.AllowedIncludes = c.Policy.AllowedIncludes
	}
	if len(c.Policy.SuspiciousStrings) > 0 {
		rules.SuspiciousStrings = c.Policy.SuspiciousStrings
	}
	return rules
}

// CompilerOptions projects the config onto the compiler.
func (c *Config) CompilerOptions() compiler.Options {
	opts := compiler.DefaultOptions()
	if c.Compiler.CC != "" {
		opts.CC = c.Compiler.CC
	}
	if len(c.Compiler.Flags) > 0 {
		opts.Flags = c.Compiler.Flags
	}
	if len(c.Compiler.Libs) > 0 {
		opts.Libs = c.Compiler.Libs
	}
	opts.Timeout = c.Limits.CompilationTimeout
	opts.MaxDiagnostics = c.Limits.MaxOutputSize
	return opts
}

// SandboxPolicy projects the config onto the container runner.
func (c *Config) SandboxPolicy() sandbox.Policy {
	return sandbox.Policy{
		DockerBinary:    c.Docker.Binary,
		Image:           c.Docker.Image,
		ContainerPrefix: c.Docker.ContainerPrefix,
		User:            c.Docker.User,
		WorkspacePath:   c.Docker.WorkspacePath,
		MaxMemory:       c.Limits.MaxMemory,
		MaxCPU:          c.Limits.MaxCPU,
		PidsLimit:       c.Limits.PidsLimit,
		TmpfsSize:       c.Limits.TmpfsSize,
		MaxTimeout:      c.Limits.ExecutionTimeout,
		MaxOutput:       c.Limits.MaxOutputSize,
		SeccompProfile:  c.Docker.SeccompProfile,
	}
}
