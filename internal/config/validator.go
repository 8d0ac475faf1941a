package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "budget.safety_margin")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateBudget()...)
	errs = append(errs, c.validateCost()...)
	errs = append(errs, c.validateBreaker()...)
	errs = append(errs, c.validateRecovery()...)
	errs = append(errs, c.validateRunner()...)
	errs = append(errs, c.validatePhases()...)
	errs = append(errs, c.validateVerification()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateBudget() []ValidationError {
	var errs []ValidationError
	if c.Budget.ContextCapacity <= 0 {
		errs = append(errs, ValidationError{
			Field:   "budget.context_capacity",
			Value:   c.Budget.ContextCapacity,
			Message: "must be positive",
		})
	}
	if c.Budget.SafetyMargin < 0 || c.Budget.SafetyMargin >= 1 {
		errs = append(errs, ValidationError{
			Field:   "budget.safety_margin",
			Value:   c.Budget.SafetyMargin,
			Message: "must be in [0, 1)",
		})
	}
	return errs
}

func (c *Config) validateCost() []ValidationError {
	var errs []ValidationError
	for field, v := range map[string]float64{
		"cost.max_iteration_usd": c.Cost.MaxIterationUSD,
		"cost.max_session_usd":   c.Cost.MaxSessionUSD,
		"cost.max_total_usd":     c.Cost.MaxTotalUSD,
	} {
		if v < 0 {
			errs = append(errs, ValidationError{Field: field, Value: v, Message: "must be non-negative (0 disables the limit)"})
		}
	}
	if c.Cost.WarningThreshold < 0 || c.Cost.WarningThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "cost.warning_threshold",
			Value:   c.Cost.WarningThreshold,
			Message: "must be between 0 and 1",
		})
	}
	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}

func (c *Config) validateBreaker() []ValidationError {
	var errs []ValidationError
	if c.Breaker.MaxConsecutiveFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "breaker.max_consecutive_failures",
			Value:   c.Breaker.MaxConsecutiveFailures,
			Message: "must be at least 1",
		})
	}
	if c.Breaker.MaxStagnationIterations < 1 {
		errs = append(errs, ValidationError{
			Field:   "breaker.max_stagnation_iterations",
			Value:   c.Breaker.MaxStagnationIterations,
			Message: "must be at least 1",
		})
	}
	if c.Breaker.MaxCostUSD <= 0 {
		errs = append(errs, ValidationError{
			Field:   "breaker.max_cost_usd",
			Value:   c.Breaker.MaxCostUSD,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateRecovery() []ValidationError {
	var errs []ValidationError
	if c.Recovery.MaxTotalCostUSD <= 0 {
		errs = append(errs, ValidationError{
			Field:   "recovery.max_total_cost_usd",
			Value:   c.Recovery.MaxTotalCostUSD,
			Message: "must be positive",
		})
	}
	if c.Recovery.StagnationCeiling < 1 {
		errs = append(errs, ValidationError{
			Field:   "recovery.stagnation_ceiling",
			Value:   c.Recovery.StagnationCeiling,
			Message: "must be at least 1",
		})
	}
	if c.Recovery.FailureCeiling < 1 {
		errs = append(errs, ValidationError{
			Field:   "recovery.failure_ceiling",
			Value:   c.Recovery.FailureCeiling,
			Message: "must be at least 1",
		})
	}
	return errs
}

func (c *Config) validateRunner() []ValidationError {
	var errs []ValidationError
	if c.Runner.MaxIterations < 1 {
		errs = append(errs, ValidationError{
			Field:   "runner.max_iterations",
			Value:   c.Runner.MaxIterations,
			Message: "must be at least 1",
		})
	}
	if c.Runner.HandoffTokenBudget < 0 {
		errs = append(errs, ValidationError{
			Field:   "runner.handoff_token_budget",
			Value:   c.Runner.HandoffTokenBudget,
			Message: "must be non-negative",
		})
	}
	return errs
}

func (c *Config) validatePhases() []ValidationError {
	var errs []ValidationError
	turns := []struct {
		field string
		value int
	}{
		{"phases.discovery_max_turns", c.Phases.DiscoveryMaxTurns},
		{"phases.planning_max_turns", c.Phases.PlanningMaxTurns},
		{"phases.building_max_turns", c.Phases.BuildingMaxTurns},
		{"phases.validation_max_turns", c.Phases.ValidationMaxTurns},
	}
	for _, t := range turns {
		if t.value < 0 {
			errs = append(errs, ValidationError{Field: t.field, Value: t.value, Message: "must be non-negative (0 keeps the built-in budget)"})
		}
	}
	return errs
}

func (c *Config) validateVerification() []ValidationError {
	var errs []ValidationError
	if c.Verification.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "verification.timeout_seconds",
			Value:   c.Verification.TimeoutSeconds,
			Message: "must be positive",
		})
	}
	if c.Verification.MaxOutputBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "verification.max_output_bytes",
			Value:   c.Verification.MaxOutputBytes,
			Message: "must be positive",
		})
	}
	for i, cmd := range c.Verification.Commands {
		if strings.TrimSpace(cmd) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("verification.commands[%d]", i),
				Value:   cmd,
				Message: "must not be empty",
			})
		}
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}
