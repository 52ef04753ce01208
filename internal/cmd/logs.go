package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/buildrun/internal/catalog"
	"github.com/jmgilman/buildrun/internal/logging"
	"github.com/jmgilman/buildrun/internal/slogger"
)

// Default poll interval for following logs.
const defaultLogPollInterval = 100 * time.Millisecond

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "View output from a run",
	Long: `View the captured output of a run.

The run is identified by its name, its ID or a unique prefix of the ID.
Without one the most recent run is shown. Following stops once the run has finished.`,
	Example: `  # Output of the latest run (last 100 lines)
  buildrun logs

  # Follow a run in progress
  buildrun logs focused_turing -f

  # Show the last 500 lines
  buildrun logs 3f2a -n 500

  # Show the entire log
  buildrun logs 3f2a --full`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogsCmd,
}

func runLogsCmd(cmd *cobra.Command, args []string) error {
	follow, err := cmd.Flags().GetBool("follow")
	if err != nil {
		return fmt.Errorf("get follow flag: %w", err)
	}

	lines, err := cmd.Flags().GetInt("lines")
	if err != nil {
		return fmt.Errorf("get lines flag: %w", err)
	}

	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("get full flag: %w", err)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	entry, err := lookupRun(ctx, store, args)
	if err != nil {
		return err
	}

	pathMgr, err := openLogs(ctx)
	if err != nil {
		return err
	}

	if !pathMgr.LogExists(entry.ID) {
		return fmt.Errorf("no log file found for run %s", entry.ID)
	}

	finished := func() bool {
		current, err := store.Get(ctx, entry.ID)
		if err != nil {
			slogger.L(ctx).Debug("poll run status", "id", entry.ID, "error", err)
			return errors.Is(err, catalog.ErrNotFound)
		}
		return current.Status.Final()
	}

	return outputLogs(ctx, cmd.OutOrStdout(), pathMgr.Replay(entry.ID), follow, lines, full, finished)
}

// lookupRun resolves the optional run argument to a history entry.
func lookupRun(ctx context.Context, store catalog.Store, args []string) (*catalog.Entry, error) {
	if len(args) == 1 {
		entry, err := store.Get(ctx, args[0])
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		return entry, nil
	}

	entries, err := store.List(ctx, catalog.ListFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("no runs recorded yet")
	}
	return &entries[0], nil
}

func outputLogs(ctx context.Context, out io.Writer, replay *logging.Replay, follow bool, lines int, full bool, finished func() bool) error {
	var (
		offset int64
		err    error
	)
	if full {
		offset, err = replay.All(out)
	} else {
		offset, err = replay.Tail(out, lines)
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	if !follow {
		return nil
	}
	return replay.Follow(ctx, out, offset, defaultLogPollInterval, finished)
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolP("follow", "f", false, "follow log output until the run finishes")
	logsCmd.Flags().IntP("lines", "n", logging.DefaultTailLines, "number of lines to show")
	logsCmd.Flags().Bool("full", false, "show entire log from the start of the run")
}
