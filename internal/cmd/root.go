// Package cmd implements the buildrun CLI commands using Cobra.
// It provides commands for running builds, browsing run history and
// reading captured output.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmgilman/buildrun/internal/config"
	"github.com/jmgilman/buildrun/internal/slogger"
)

// appConfig holds the loaded application configuration.
var appConfig *config.Config

// configLoader is used for reading and writing configuration keys.
var configLoader *config.Loader

var rootCmd = &cobra.Command{
	Use:   "buildrun",
	Short: "Run build commands and stream their output",
	Long: `buildrun runs a build command as a child process, streams its output as
it arrives and reports how it finished.

Builds are described by a buildrun.yaml file found in the current directory
or one of its parents, or given directly on the command line. Every run is
recorded in the history together with a copy of its output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			return fmt.Errorf("get verbose flag: %w", err)
		}

		format := slogger.FormatText
		if appConfig != nil && appConfig.Log.Format != "" {
			format = appConfig.Log.Format
		}
		if cmd.Flags().Changed("log-format") {
			if format, err = cmd.Flags().GetString("log-format"); err != nil {
				return fmt.Errorf("get log-format flag: %w", err)
			}
		}

		logger := slogger.New(slogger.Config{
			Verbosity: verbosity,
			Format:    format,
			Output:    cmd.ErrOrStderr(),
		})

		// Store dependencies in context for subcommands
		ctx := cmd.Context()
		ctx = slogger.WithLogger(ctx, logger)
		ctx = WithConfig(ctx, appConfig)
		ctx = WithLoader(ctx, configLoader)
		cmd.SetContext(ctx)

		return nil
	},
}

// ExitError carries the exit status a command wants the process to end with.
// It is returned after the failure has already been reported.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// Main runs the CLI and returns the process exit status. An interrupt
// cancels the running build instead of killing buildrun outright.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := Execute(ctx)
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().CountP("verbose", "v", "increase diagnostic logging (-v info, -vv debug)")
	rootCmd.PersistentFlags().String("log-format", slogger.FormatText, "diagnostic log format (text or json)")
}

func initConfig() {
	loader, err := config.NewLoader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
		return
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		return
	}

	appConfig = cfg
	configLoader = loader
}
