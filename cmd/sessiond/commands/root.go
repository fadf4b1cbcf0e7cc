// Package commands provides the CLI commands for sessiond.
package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessioncore/internal/config"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
	envFile   string
)

// appConfig is loaded once before any subcommand runs.
var appConfig *types.Config

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond - agent chat session daemon",
	Long: `sessiond keeps agent chat sessions: it dispatches requests to a model,
streams the responses, and persists sessions between runs.

Run 'sessiond serve' to start the HTTP API, 'sessiond sessions' to inspect
what is stored, or 'sessiond watch' to supervise a command that may ask for
input.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")

	rootCmd.SetVersionTemplate(fmt.Sprintf("sessiond %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(watchCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	appConfig = cfg

	initLogging(cmd, cfg)
	return nil
}

// initLogging logs to stderr with --print-logs, otherwise only to a file in
// the state directory.
func initLogging(cmd *cobra.Command, cfg *types.Config) {
	level := logLevel
	pretty := false
	if cfg.Log != nil {
		if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		pretty = cfg.Log.Pretty
	}

	if printLogs {
		logging.Init(logging.FromSettings(level, pretty, os.Stderr))
		return
	}
	lc := logging.FromSettings(level, false, io.Discard)
	lc.LogToFile = true
	lc.LogDir = config.GetPaths().LogPath()
	logging.Init(lc)
}
