package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/display"
	"github.com/Iron-Ham/cadence/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify the configuration",
	Long: `View or modify the configuration.

Values are resolved from the built-in defaults, then the config file in the
state directory, then CADENCE_* environment variables (also read from a
.env file in the project directory). Without a subcommand the effective
configuration is shown.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the config file",
	Long: `Set a value in the project's config file.

Keys use dot notation; list values are comma separated:
  cadence config set cost.max_total_usd 40
  cadence config set runner.auto_transition false
  cadence config set verification.commands "go build ./...,go test ./..."

The file is only written when the resulting configuration is valid.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# sources: %s\n", strings.Join(p.resolved.Sources, " -> "))
	for _, w := range p.resolved.Warnings {
		fmt.Fprintf(out, "# warning: %s\n", w)
	}
	data, err := yaml.Marshal(p.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	key, value := strings.ToLower(args[0]), args[1]

	defaults := viper.New()
	if err := (config.DefaultsLayer{}).Apply(defaults); err != nil {
		return err
	}
	if !defaults.IsSet(key) {
		keys := defaults.AllKeys()
		sort.Strings(keys)
		return errors.NewValidationError("unknown configuration key").
			WithField(key).
			WithCause(fmt.Errorf("valid keys: %s", strings.Join(keys, ", ")))
	}

	v := viper.New()
	if err := (config.FileLayer{Path: p.configPath}).Apply(v); err != nil {
		return err
	}
	typed, err := typedValue(defaults.Get(key), value)
	if err != nil {
		return errors.NewValidationError("invalid configuration value").WithField(key).WithValue(value).WithCause(err)
	}
	v.Set(key, typed)

	previous, readErr := os.ReadFile(p.configPath)
	if err := v.WriteConfigAs(p.configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	check := config.Load(config.DefaultsLayer{}, config.FileLayer{Path: p.configPath})
	if len(check.Warnings) > 0 {
		if readErr == nil {
			_ = os.WriteFile(p.configPath, previous, 0o644)
		} else {
			_ = os.Remove(p.configPath)
		}
		return errors.NewValidationError("invalid configuration value").
			WithField(key).
			WithValue(value).
			WithCause(errors.New(strings.Join(check.Warnings, "; ")))
	}

	p.logger.Info("config updated", "key", key, "path", p.configPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typed)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", p.configPath)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	p, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer p.close()

	out := cmd.OutOrStdout()
	if _, err := os.Stat(p.configPath); err == nil {
		fmt.Fprintf(out, "Active config: %s\n", p.configPath)
	} else {
		fmt.Fprintf(out, "Default path: %s %s\n", p.configPath, display.Muted.Render("(not created)"))
	}
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s)\n", config.EnvPrefix, config.EnvKey("cost.max_total_usd"))
	return nil
}

// typedValue converts value to the type of the key's default.
func typedValue(def any, value string) (any, error) {
	switch def.(type) {
	case []string:
		return splitList(value), nil
	case bool:
		return strconv.ParseBool(value)
	case int:
		return strconv.Atoi(value)
	case float64:
		return strconv.ParseFloat(value, 64)
	default:
		return value, nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
