// Package config loads and validates orchestrator configuration from the
// environment, an optional .env file, and an optional .tandem/config.yaml
// in the project directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tandem/pkg/proto"
)

// Recognized environment keys.
const (
	EnvArchitectMaxTurns    = "ARCHITECT_MAX_TURNS"
	EnvNavigatorMaxTurns    = "NAVIGATOR_MAX_TURNS"
	EnvDriverMaxTurns       = "DRIVER_MAX_TURNS"
	EnvSessionHardLimitMin  = "SESSION_HARD_LIMIT_MIN"
	EnvPermissionTimeoutMS  = "PERMISSION_TIMEOUT_MS"
	EnvReviewDisplayTimeout = "REVIEW_DISPLAY_TIMEOUT_MS"
	EnvMaxPromptLength      = "MAX_PROMPT_LENGTH"
)

// Defaults for the tunables above.
const (
	DefaultArchitectMaxTurns    = 10
	DefaultNavigatorMaxTurns    = 50
	DefaultDriverMaxTurns       = 20
	DefaultSessionHardLimitMin  = 30.0
	DefaultPermissionTimeoutMS  = 15000
	DefaultReviewDisplayTimeout = 2000
	DefaultMaxPromptLength      = 10000
)

// Known provider identifiers.
const (
	ProviderClaudeCode = "claude-code"
	ProviderAnthropic  = "anthropic"
	ProviderOpenCode   = "opencode"
)

// RoleBinding selects the backend for one role.
type RoleBinding struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
}

// Config holds everything the kernel needs to run a session.
type Config struct {
	// Session inputs.
	Task       string `yaml:"-"`
	ProjectDir string `yaml:"-"`

	// Role bindings.
	Architect RoleBinding `yaml:"architect"`
	Driver    RoleBinding `yaml:"driver"`
	Navigator RoleBinding `yaml:"navigator"`

	// Tunables.
	ArchitectMaxTurns    int           `yaml:"architect_max_turns,omitempty"`
	NavigatorMaxTurns    int           `yaml:"navigator_max_turns,omitempty"`
	DriverMaxTurns       int           `yaml:"driver_max_turns,omitempty"`
	SessionHardLimit     time.Duration `yaml:"-"`
	PermissionTimeout    time.Duration `yaml:"-"`
	ReviewDisplayTimeout time.Duration `yaml:"-"`
	MaxPromptLength      int           `yaml:"max_prompt_length,omitempty"`

	// Observability.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Architect:            RoleBinding{Provider: ProviderClaudeCode},
		Driver:               RoleBinding{Provider: ProviderClaudeCode},
		Navigator:            RoleBinding{Provider: ProviderClaudeCode},
		ArchitectMaxTurns:    DefaultArchitectMaxTurns,
		NavigatorMaxTurns:    DefaultNavigatorMaxTurns,
		DriverMaxTurns:       DefaultDriverMaxTurns,
		SessionHardLimit:     time.Duration(DefaultSessionHardLimitMin * float64(time.Minute)),
		PermissionTimeout:    DefaultPermissionTimeoutMS * time.Millisecond,
		ReviewDisplayTimeout: DefaultReviewDisplayTimeout * time.Millisecond,
		MaxPromptLength:      DefaultMaxPromptLength,
	}
}

// Load builds the configuration for a project directory: defaults, then the
// optional .tandem/config.yaml, then environment overrides. A .env file in
// the project directory is loaded first if present.
func Load(projectDir string) (*Config, error) {
	// Missing .env is not an error.
	_ = godotenv.Load(filepath.Join(projectDir, ".env"))

	cfg := Default()
	cfg.ProjectDir = projectDir

	if err := cfg.loadYAML(filepath.Join(projectDir, ".tandem", "config.yaml")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.ArchitectMaxTurns, err = intEnv(EnvArchitectMaxTurns, c.ArchitectMaxTurns); err != nil {
		return err
	}
	if c.NavigatorMaxTurns, err = intEnv(EnvNavigatorMaxTurns, c.NavigatorMaxTurns); err != nil {
		return err
	}
	if c.DriverMaxTurns, err = intEnv(EnvDriverMaxTurns, c.DriverMaxTurns); err != nil {
		return err
	}
	if c.MaxPromptLength, err = intEnv(EnvMaxPromptLength, c.MaxPromptLength); err != nil {
		return err
	}

	// SESSION_HARD_LIMIT_MIN accepts fractional minutes for short test runs.
	if raw := os.Getenv(EnvSessionHardLimitMin); raw != "" {
		minutes, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvSessionHardLimitMin, raw, parseErr)
		}
		c.SessionHardLimit = time.Duration(minutes * float64(time.Minute))
	}

	if ms, msErr := intEnv(EnvPermissionTimeoutMS, int(c.PermissionTimeout/time.Millisecond)); msErr != nil {
		return msErr
	} else {
		c.PermissionTimeout = time.Duration(ms) * time.Millisecond
	}

	if ms, msErr := intEnv(EnvReviewDisplayTimeout, int(c.ReviewDisplayTimeout/time.Millisecond)); msErr != nil {
		return msErr
	} else {
		c.ReviewDisplayTimeout = time.Duration(ms) * time.Millisecond
	}

	return nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

// Validate checks session inputs before the loop starts.
func (c *Config) Validate() error {
	if c.Task == "" {
		return &proto.ValidationError{Field: "task", Reason: "must not be empty"}
	}
	if len(c.Task) > c.MaxPromptLength {
		return &proto.ValidationError{
			Field:  "task",
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", c.MaxPromptLength),
		}
	}

	info, err := os.Stat(c.ProjectDir)
	if err != nil {
		return &proto.ValidationError{Field: "projectdir", Reason: fmt.Sprintf("not accessible: %v", err)}
	}
	if !info.IsDir() {
		return &proto.ValidationError{Field: "projectdir", Reason: "not a directory"}
	}

	for _, binding := range []struct {
		role proto.Role
		b    RoleBinding
	}{
		{proto.RoleArchitect, c.Architect},
		{proto.RoleDriver, c.Driver},
		{proto.RoleNavigator, c.Navigator},
	} {
		switch binding.b.Provider {
		case ProviderClaudeCode, ProviderAnthropic, ProviderOpenCode:
		default:
			return &proto.ValidationError{
				Field:  string(binding.role),
				Reason: fmt.Sprintf("unknown provider %q", binding.b.Provider),
			}
		}
	}

	if c.SessionHardLimit <= 0 {
		return &proto.ValidationError{Field: EnvSessionHardLimitMin, Reason: "must be positive"}
	}
	if c.PermissionTimeout <= 0 {
		return &proto.ValidationError{Field: EnvPermissionTimeoutMS, Reason: "must be positive"}
	}
	return nil
}

// StateDir returns the project-local directory for orchestrator artifacts
// (event logs, the session database).
func (c *Config) StateDir() string {
	return filepath.Join(c.ProjectDir, ".tandem")
}
