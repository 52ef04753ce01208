package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmgilman/buildrun/internal/catalog"
	"github.com/jmgilman/buildrun/internal/prompt"
	"github.com/jmgilman/buildrun/internal/slogger"
)

// shortIDLen is how much of a run ID the table shows. Any unique prefix is
// accepted wherever an ID is expected.
const shortIDLen = 8

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Long: `List recorded runs, newest first.

Each run keeps its status, exit code, duration and captured output until it
is pruned. The number of runs kept is set by storage.keep.`,
	Example: `  # Last 20 runs
  buildrun history

  # Failed runs of one build
  buildrun history --build test --status failed

  # Details of a single run, by ID prefix or name
  buildrun history show 3f2a
  buildrun history show focused_turing

  # Details of the latest run
  buildrun history show`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return fmt.Errorf("get limit flag: %w", err)
		}
		build, err := cmd.Flags().GetString("build")
		if err != nil {
			return fmt.Errorf("get build flag: %w", err)
		}
		status, err := cmd.Flags().GetString("status")
		if err != nil {
			return fmt.Errorf("get status flag: %w", err)
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}

		entries, err := store.List(cmd.Context(), catalog.ListFilter{
			Build:  build,
			Status: catalog.Status(status),
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
			return nil
		}
		return writeHistory(cmd.OutOrStdout(), entries)
	},
}

func writeHistory(out io.Writer, entries []catalog.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "ID\tNAME\tBUILD\tSTATUS\tEXIT\tDURATION\tSTARTED"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		id := e.ID
		if len(id) > shortIDLen {
			id = id[:shortIDLen]
		}
		name := e.Name
		if name == "" {
			name = "-"
		}
		exit, duration := "-", "-"
		if e.Status.Final() && e.Status != catalog.StatusLaunchError {
			exit = fmt.Sprint(e.ExitCode)
			duration = formatDuration(e.Duration)
		}
		started := e.StartedAt.Local().Format(time.DateTime)
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, name, e.Build, e.Status, exit, duration, started); err != nil {
			return fmt.Errorf("write run: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show the details of a run (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		entry, err := lookupRun(cmd.Context(), store, args)
		if err != nil {
			return err
		}

		view := map[string]any{
			"id":         entry.ID,
			"name":       entry.Name,
			"build":      entry.Build,
			"command":    entry.Command,
			"shell":      entry.Shell,
			"dir":        entry.Dir,
			"status":     string(entry.Status),
			"started_at": entry.StartedAt.Local().Format(time.RFC3339),
		}
		if entry.Status.Final() {
			view["finished_at"] = entry.FinishedAt.Local().Format(time.RFC3339)
			view["duration"] = formatDuration(entry.Duration)
			view["exit_code"] = entry.ExitCode
		} else {
			view["pid"] = entry.PID
		}
		if entry.Revision != "" {
			view["revision"] = entry.Revision
		}
		if entry.Error != "" {
			view["error"] = entry.Error
		}
		if entry.LogPath != "" {
			view["log"] = entry.LogPath
		}

		data, err := yaml.Marshal(view)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs and their logs",
	Long: `Delete all but the most recent runs, along with their captured output.

Asks for confirmation unless --yes is given. Without a terminal, --yes is
required.`,
	Example: `  # Keep the last 10 runs
  buildrun history prune --keep 10 --yes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := cmd.Flags().GetInt("keep")
		if err != nil {
			return fmt.Errorf("get keep flag: %w", err)
		}
		if keep < 0 {
			return fmt.Errorf("--keep must not be negative")
		}
		yes, err := cmd.Flags().GetBool("yes")
		if err != nil {
			return fmt.Errorf("get yes flag: %w", err)
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		pathMgr, err := openLogs(ctx)
		if err != nil {
			return err
		}

		if !yes {
			ok, err := confirmPrune(ctx, store, newPrompter(), keep)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing removed")
				return nil
			}
		}

		dropped, err := store.Prune(ctx, keep)
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		for _, e := range dropped {
			if err := pathMgr.RemoveRunLog(e.ID); err != nil {
				slogger.L(ctx).Warn("remove run log", "id", e.ID, "error", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s)\n", len(dropped))
		return nil
	},
}

// confirmPrune reports whether pruning down to keep runs should go ahead.
// Nothing to remove counts as confirmed.
func confirmPrune(ctx context.Context, store catalog.Store, p prompt.Prompter, keep int) (bool, error) {
	entries, err := store.List(ctx, catalog.ListFilter{})
	if err != nil {
		return false, fmt.Errorf("list runs: %w", err)
	}
	n := len(entries) - keep
	if n <= 0 {
		return true, nil
	}

	ok, err := p.Confirm(fmt.Sprintf("Remove %d run(s)?", n), "Their captured output is deleted as well.")
	switch {
	case errors.Is(err, prompt.ErrNotInteractive):
		return false, errors.New("refusing to prune without a terminal, pass --yes")
	case errors.Is(err, prompt.ErrCanceled):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("confirm prune: %w", err)
	}
	return ok, nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of runs to show (0 = all)")
	historyCmd.Flags().String("build", "", "only show runs of this build")
	historyCmd.Flags().String("status", "", "only show runs with this status")

	historyPruneCmd.Flags().Int("keep", 0, "number of most recent runs to keep")
	historyPruneCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
}
