package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "laneway",
	Short: "Run coding agents in parallel lanes of one repository",
	Long: `laneway splits each task across agents by directory lane, runs every
agent in its own git worktree, and integrates their branches behind human
approval gates.

Start the engine with "laneway run". The other commands talk to a running
engine through the state directory.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is .laneway/config.yaml in the repository)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		// The repository config wins over the user config.
		if cwd, err := os.Getwd(); err == nil {
			if root, err := worktree.FindGitRoot(cwd); err == nil {
				viper.AddConfigPath(filepath.Join(root, ".laneway"))
			}
		}
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LANEWAY")
	// e.g., LANEWAY_SUPERVISOR_STALE_TIMEOUT for supervisor.stale_timeout
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
