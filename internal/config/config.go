// Package config defines the cadence configuration and its layered loader.
//
// A configuration is resolved once, before any component runs, by applying
// three layers in order: built-in defaults, the project config file
// (.cadence/config.yaml), and the environment (process environment merged
// with a project .env file, variables prefixed CADENCE_). Components receive
// the resolved *Config; nothing else reads environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all cadence settings.
type Config struct {
	Budget       BudgetConfig       `mapstructure:"budget" yaml:"budget"`
	Cost         CostConfig         `mapstructure:"cost" yaml:"cost"`
	Breaker      BreakerConfig      `mapstructure:"breaker" yaml:"breaker"`
	Recovery     RecoveryConfig     `mapstructure:"recovery" yaml:"recovery"`
	Runner       RunnerConfig       `mapstructure:"runner" yaml:"runner"`
	Phases       PhasesConfig       `mapstructure:"phases" yaml:"phases"`
	Agent        AgentConfig        `mapstructure:"agent" yaml:"agent"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Permissions  PermissionsConfig  `mapstructure:"permissions" yaml:"permissions"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Paths        PathsConfig        `mapstructure:"paths" yaml:"paths"`
}

// BudgetConfig controls the per-session context window budget.
type BudgetConfig struct {
	// ContextCapacity is the maximum number of tokens per agent session.
	ContextCapacity int `mapstructure:"context_capacity" yaml:"context_capacity"`
	// SafetyMargin is the fraction of capacity reserved for the handoff exchange.
	SafetyMargin float64 `mapstructure:"safety_margin" yaml:"safety_margin"`
}

// CostConfig holds USD spend limits. Zero disables a limit.
type CostConfig struct {
	MaxIterationUSD float64 `mapstructure:"max_iteration_usd" yaml:"max_iteration_usd"`
	MaxSessionUSD   float64 `mapstructure:"max_session_usd" yaml:"max_session_usd"`
	MaxTotalUSD     float64 `mapstructure:"max_total_usd" yaml:"max_total_usd"`
	// WarningThreshold is the fraction of the total limit at which a warning is logged.
	WarningThreshold float64 `mapstructure:"warning_threshold" yaml:"warning_threshold"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	MaxConsecutiveFailures  int     `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxStagnationIterations int     `mapstructure:"max_stagnation_iterations" yaml:"max_stagnation_iterations"`
	MaxCostUSD              float64 `mapstructure:"max_cost_usd" yaml:"max_cost_usd"`
}

// RecoveryConfig holds the ceilings the recovery policy compares against.
type RecoveryConfig struct {
	MaxTotalCostUSD   float64 `mapstructure:"max_total_cost_usd" yaml:"max_total_cost_usd"`
	StagnationCeiling int     `mapstructure:"stagnation_ceiling" yaml:"stagnation_ceiling"`
	FailureCeiling    int     `mapstructure:"failure_ceiling" yaml:"failure_ceiling"`
}

// RunnerConfig controls the iteration loop.
type RunnerConfig struct {
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// AutoTransition lets the loop advance phases when a transition is eligible.
	AutoTransition bool `mapstructure:"auto_transition" yaml:"auto_transition"`
	// HandoffTokenBudget caps the size of the handoff note.
	HandoffTokenBudget int `mapstructure:"handoff_token_budget" yaml:"handoff_token_budget"`
}

// PhasesConfig overrides the per-phase turn budget.
type PhasesConfig struct {
	DiscoveryMaxTurns  int `mapstructure:"discovery_max_turns" yaml:"discovery_max_turns"`
	PlanningMaxTurns   int `mapstructure:"planning_max_turns" yaml:"planning_max_turns"`
	BuildingMaxTurns   int `mapstructure:"building_max_turns" yaml:"building_max_turns"`
	ValidationMaxTurns int `mapstructure:"validation_max_turns" yaml:"validation_max_turns"`
}

// AgentConfig configures the Claude CLI session adapter.
type AgentConfig struct {
	Command        string   `mapstructure:"command" yaml:"command"`
	Model          string   `mapstructure:"model" yaml:"model"`
	ExtraArgs      []string `mapstructure:"extra_args" yaml:"extra_args"`
	TimeoutMinutes int      `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// VerificationConfig configures the backpressure commands.
type VerificationConfig struct {
	Commands       []string `mapstructure:"commands" yaml:"commands"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxOutputBytes int      `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
}

// PermissionsConfig extends the built-in command policy.
type PermissionsConfig struct {
	// BlockedCommands are extra command prefixes denied in every phase.
	BlockedCommands []string `mapstructure:"blocked_commands" yaml:"blocked_commands"`
	// PolicyDir holds extra .rego policies, relative to the state directory.
	PolicyDir string `mapstructure:"policy_dir" yaml:"policy_dir"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// PathsConfig controls where state is stored.
type PathsConfig struct {
	// StateDir is the state directory, relative to the project root unless absolute.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// DefaultStateDir is the state directory name used when none is configured.
const DefaultStateDir = ".cadence"

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Budget: BudgetConfig{
			ContextCapacity: 200000,
			SafetyMargin:    0.20,
		},
		Cost: CostConfig{
			MaxIterationUSD:  5,
			MaxSessionUSD:    25,
			MaxTotalUSD:      100,
			WarningThreshold: 0.8,
		},
		Breaker: BreakerConfig{
			MaxConsecutiveFailures:  3,
			MaxStagnationIterations: 5,
			MaxCostUSD:              100,
		},
		Recovery: RecoveryConfig{
			MaxTotalCostUSD:   100,
			StagnationCeiling: 4,
			FailureCeiling:    2,
		},
		Runner: RunnerConfig{
			MaxIterations:      50,
			AutoTransition:     true,
			HandoffTokenBudget: 4000,
		},
		Phases: PhasesConfig{
			DiscoveryMaxTurns:  30,
			PlanningMaxTurns:   40,
			BuildingMaxTurns:   100,
			ValidationMaxTurns: 20,
		},
		Agent: AgentConfig{
			Command:        "claude",
			TimeoutMinutes: 30,
		},
		Verification: VerificationConfig{
			TimeoutSeconds: 300,
			MaxOutputBytes: 4000,
		},
		Permissions: PermissionsConfig{
			PolicyDir: "policies",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir: DefaultStateDir,
		},
	}
}

// ResolveStateDir returns the absolute state directory for a project root.
func (p PathsConfig) ResolveStateDir(projectDir string) string {
	dir := p.StateDir
	if dir == "" {
		dir = DefaultStateDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(projectDir, dir)
}

// TimeoutSeconds returns the agent session timeout in seconds, or 0 when unlimited.
func (a AgentConfig) TimeoutSeconds() int {
	if a.TimeoutMinutes <= 0 {
		return 0
	}
	return a.TimeoutMinutes * 60
}

// WriteFile writes c as YAML to path. Used by init to seed an editable config.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
