package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// errPartialFailure makes the process exit non-zero after a run summary was printed.
var errPartialFailure = errors.New("run finished with partial failure")

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "sc2-exp",
	Short:         "Cold-start benchmarks for confidential serverless runtimes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits 1 on any error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errPartialFailure) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// setup resolves settings for cmd and applies the log level.
func setup(cmd *cobra.Command) (*Settings, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	s, err := loadSettings(cmd.Flags(), configPath, envFile)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s", s.LogLevel)
	}
	logrus.SetLevel(level)
	return s, nil
}

// init sets up persistent flags shared by every subcommand
func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log", defaults["log"].(string), "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.String("config", "", "Settings file (default ./"+DefaultConfigFile+" when present)")
	pf.String("env-file", ".env", "Env file loaded before reading "+EnvPrefix+"_* variables")
	pf.String("results-dir", defaults["results-dir"].(string), "Directory of the file result store")
	pf.String("store-dsn", "", "MySQL DSN; when set results go to the SQL store instead of results-dir")
}
