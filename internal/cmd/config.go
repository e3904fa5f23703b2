package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

var configSetUser bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify laneway configuration",
	Long: `View or modify laneway configuration.

Without arguments, displays the effective configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the repository config file
(.laneway/config.yaml), or the user config file with --user.

Keys use dot notation, e.g.:
  laneway config set supervisor.stale_timeout 15m
  laneway config set supervisor.max_attempts 5
  laneway config set verify.command "go test ./..."
  laneway config set shared go.mod,go.sum

Lanes are lists of objects and are edited in the file directly.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	configSetCmd.Flags().BoolVar(&configSetUser, "user", false, "Write to the user config file instead of the repository")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		_, _ = fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		_, _ = fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(readable(viper.AllSettings()))
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, _ = out.Write(data)

	if _, err := config.Load(); err != nil {
		_, _ = fmt.Fprintf(out, "\n# Invalid configuration:\n# %s\n", strings.ReplaceAll(err.Error(), "\n", "\n# "))
	}
	return nil
}

// readable renders durations as "10m0s" rather than nanoseconds.
func readable(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = readable(val)
		}
		return out
	case time.Duration:
		return v.String()
	default:
		return v
	}
}

// coerce converts a command-line value to the type of the key's default.
// Values read from a file lose their type, so the defaults are consulted.
func coerce(defaults *viper.Viper, key, value string) (any, error) {
	switch def := defaults.Get(key).(type) {
	case bool:
		return cast.ToBoolE(value)
	case int:
		n, err := cast.ToIntE(value)
		if err == nil && n < 0 {
			return nil, fmt.Errorf("must be non-negative")
		}
		return n, err
	case time.Duration:
		return cast.ToDurationE(value)
	case []string:
		var items []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return items, nil
	case string:
		return value, nil
	default:
		return nil, fmt.Errorf("%s holds %T and cannot be set from the command line", key, def)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := strings.ToLower(args[0]), args[1]
	defaults := viper.New()
	config.SetDefaultsOn(defaults)
	if key == "lanes" || !slices.Contains(defaults.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'laneway config set --help' for examples", key)
	}
	typed, err := coerce(defaults, key, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return err
	}

	configFile, err := writableConfigFile()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, typed, configFile)
	return nil
}

// writableConfigFile is the file config set writes: the one in use, else
// the repository config, else the user config.
func writableConfigFile() (string, error) {
	if configSetUser {
		return config.ConfigFile(), nil
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return config.ConfigFile(), nil
	}
	return repoConfigFile(root), nil
}

func repoConfigFile(repoRoot string) string {
	return filepath.Join(repoRoot, ".laneway", "config.yaml")
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		_, _ = fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		_, _ = fmt.Fprintln(out, "Active config: (none - using defaults)")
	}

	_, _ = fmt.Fprintln(out, "\nSearch paths:")
	n := 1
	if cwd, err := os.Getwd(); err == nil {
		if root, err := worktree.FindGitRoot(cwd); err == nil {
			_, _ = fmt.Fprintf(out, "  %d. %s\n", n, repoConfigFile(root))
			n++
		}
	}
	_, _ = fmt.Fprintf(out, "  %d. %s\n", n, config.ConfigFile())
	_, _ = fmt.Fprintln(out, "\nEnvironment variables: LANEWAY_* (e.g., LANEWAY_SUPERVISOR_STALE_TIMEOUT)")
	return nil
}
