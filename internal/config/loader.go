package config

import (
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/cadence/internal/errors"
)

// EnvPrefix is the prefix of environment variables that override settings.
// logging.level is overridden by CADENCE_LOGGING_LEVEL.
const EnvPrefix = "CADENCE"

// Layer is one step of configuration resolution. Layers only touch the
// viper instance they are given.
type Layer interface {
	Name() string
	Apply(v *viper.Viper) error
}

// Resolved is the outcome of Load.
type Resolved struct {
	Config *Config
	// Sources lists the layers that contributed, in order.
	Sources []string
	// Warnings describe layers that were skipped or values that were rejected.
	Warnings []string
}

// Load resolves defaults -> file -> environment into one Config.
//
// A config file that cannot be parsed, or a result that fails validation,
// is reported as a warning and the file layer is dropped; configuration
// problems never block a run.
func Load(layers ...Layer) *Resolved {
	res := &Resolved{}

	cfg, sources, err := resolve(layers)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		cfg, sources, _ = resolve(withoutFiles(layers))
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		res.Warnings = append(res.Warnings, ValidationErrors(errs).Error())
		cfg, sources = Default(), []string{"defaults"}
	}

	res.Config = cfg
	res.Sources = sources
	return res
}

func resolve(layers []Layer) (*Config, []string, error) {
	v := viper.New()
	sources := make([]string, 0, len(layers))
	for _, layer := range layers {
		if err := layer.Apply(v); err != nil {
			return Default(), sources, errors.Wrapf(err, "config layer %s", layer.Name())
		}
		sources = append(sources, layer.Name())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), sources, fmt.Errorf("config decode: %w", err)
	}
	return &cfg, sources, nil
}

func withoutFiles(layers []Layer) []Layer {
	out := make([]Layer, 0, len(layers))
	for _, l := range layers {
		if _, ok := l.(FileLayer); ok {
			continue
		}
		out = append(out, l)
	}
	return out
}

// DefaultsLayer registers every key of Default() so later layers and the
// environment lookup know the full key set.
type DefaultsLayer struct{}

// Name implements Layer.
func (DefaultsLayer) Name() string { return "defaults" }

// Apply implements Layer.
func (DefaultsLayer) Apply(v *viper.Viper) error {
	d := Default()

	v.SetDefault("budget.context_capacity", d.Budget.ContextCapacity)
	v.SetDefault("budget.safety_margin", d.Budget.SafetyMargin)

	v.SetDefault("cost.max_iteration_usd", d.Cost.MaxIterationUSD)
	v.SetDefault("cost.max_session_usd", d.Cost.MaxSessionUSD)
	v.SetDefault("cost.max_total_usd", d.Cost.MaxTotalUSD)
	v.SetDefault("cost.warning_threshold", d.Cost.WarningThreshold)

	v.SetDefault("breaker.max_consecutive_failures", d.Breaker.MaxConsecutiveFailures)
	v.SetDefault("breaker.max_stagnation_iterations", d.Breaker.MaxStagnationIterations)
	v.SetDefault("breaker.max_cost_usd", d.Breaker.MaxCostUSD)

	v.SetDefault("recovery.max_total_cost_usd", d.Recovery.MaxTotalCostUSD)
	v.SetDefault("recovery.stagnation_ceiling", d.Recovery.StagnationCeiling)
	v.SetDefault("recovery.failure_ceiling", d.Recovery.FailureCeiling)

	v.SetDefault("runner.max_iterations", d.Runner.MaxIterations)
	v.SetDefault("runner.auto_transition", d.Runner.AutoTransition)
	v.SetDefault("runner.handoff_token_budget", d.Runner.HandoffTokenBudget)

	v.SetDefault("phases.discovery_max_turns", d.Phases.DiscoveryMaxTurns)
	v.SetDefault("phases.planning_max_turns", d.Phases.PlanningMaxTurns)
	v.SetDefault("phases.building_max_turns", d.Phases.BuildingMaxTurns)
	v.SetDefault("phases.validation_max_turns", d.Phases.ValidationMaxTurns)

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.extra_args", d.Agent.ExtraArgs)
	v.SetDefault("agent.timeout_minutes", d.Agent.TimeoutMinutes)

	v.SetDefault("verification.commands", d.Verification.Commands)
	v.SetDefault("verification.timeout_seconds", d.Verification.TimeoutSeconds)
	v.SetDefault("verification.max_output_bytes", d.Verification.MaxOutputBytes)

	v.SetDefault("permissions.blocked_commands", d.Permissions.BlockedCommands)
	v.SetDefault("permissions.policy_dir", d.Permissions.PolicyDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("paths.state_dir", d.Paths.StateDir)
	return nil
}

// FileLayer merges a YAML config file. A missing file is not an error.
type FileLayer struct {
	Path string
}

// Name implements Layer.
func (f FileLayer) Name() string { return "file:" + f.Path }

// Apply implements Layer.
func (f FileLayer) Apply(v *viper.Viper) error {
	if f.Path == "" {
		return nil
	}
	if _, err := os.Stat(f.Path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(f.Path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return nil
}

// EnvLayer overrides known keys from a snapshot of environment variables.
type EnvLayer struct {
	Env map[string]string
}

// Name implements Layer.
func (EnvLayer) Name() string { return "env" }

// Apply implements Layer.
func (e EnvLayer) Apply(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		if val, ok := e.Env[EnvKey(key)]; ok {
			v.Set(key, val)
		}
	}
	return nil
}

// EnvKey returns the environment variable name for a config key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Environment builds the environment snapshot from KEY=VALUE pairs (as
// returned by os.Environ) and an optional .env file. Process values win over
// .env values. A missing .env file is ignored.
func Environment(environ []string, dotenvPath string) (map[string]string, error) {
	env := make(map[string]string)
	if dotenvPath != "" {
		values, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", dotenvPath, err)
		}
		for k, val := range values {
			env[k] = val
		}
	}
	for _, kv := range environ {
		k, val, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = val
		}
	}
	return env, nil
}

// Standard returns the layers for a project: defaults, the config file in
// the state directory, then the environment snapshot.
func Standard(configPath string, env map[string]string) []Layer {
	return []Layer{DefaultsLayer{}, FileLayer{Path: configPath}, EnvLayer{Env: env}}
}
