package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Later files override earlier ones
	envFile     string
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "crawjud",
	Short:         "Court automation job runner",
	Long:          `Runs court automation bots as queued jobs and streams their progress to observers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	flags.StringVar(&envFile, "env", ".env", "Environment file loaded before the configuration")
	flags.IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	flags.StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd, runCmd, stopCmd, versionCmd)
}

// loadConfig resolves configuration with priority: defaults -> files -> env -> flags
func loadConfig() error {
	if err := common.LoadDotEnv(envFile); err != nil {
		return err
	}

	if len(configFiles) == 0 {
		for _, candidate := range []string{"crawjud.toml", "deployments/local/crawjud.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}
	common.ApplyFlagOverrides(config, serverPort, serverHost)

	logger = common.InitLogger(config)
	logger.Debug().
		Strs("config_files", configFiles).
		Str("work_dir", config.Jobs.WorkDir).
		Str("transport", config.Progress.Transport).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")
	return nil
}

func main() {
	common.LoadVersionFromFile()
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error().Err(err).Msg("Command failed")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
