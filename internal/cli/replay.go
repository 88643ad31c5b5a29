package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/subzero-app/subzero/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayRunResult holds the replay result for a single run.
type ReplayRunResult struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	Outcome   string `json:"outcome,omitempty"`
	Events    int    `json:"events"`
	LoopCount int    `json:"loop_count"`
	Verified  bool   `json:"verified"`
	Error     string `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs        []ReplayRunResult `json:"runs"`
	TotalRuns   int               `json:"total_runs"`
	AllVerified bool              `json:"all_verified"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [run-id]",
		Short: "Replay the event log and verify run snapshots",
		Long: `Replay run event logs and verify that each run's stored snapshot
matches the state reconstructed from its log.

The event log is the source of truth; the runs table is a read-side
cache. A divergence means the cache drifted and must be investigated.
With no run id, every run in the database is replayed.

Exit codes:
  0 - All replayed runs match their snapshots
  1 - Verification failed (snapshot diverged from the log)
  2 - Command error (database not found, unknown run, etc.)

Examples:
  subzero replay --db ./subzero.db
  subzero replay --db ./subzero.db 0197b8f2-4c11-7b45-a3ee-2f1d9c0a8b01
  subzero replay --db ./subzero.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runReplay(opts, runID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, runID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var runIDs []string
	if runID != "" {
		runIDs = []string{runID}
	} else {
		runIDs, err = st.ListRunIDs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
	}

	if len(runIDs) == 0 {
		if opts.Format == "json" {
			return outputReplayJSON(cmd, ReplayResult{Runs: []ReplayRunResult{}, AllVerified: true})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found in database.")
		return nil
	}

	result := ReplayResult{
		Runs:        make([]ReplayRunResult, 0, len(runIDs)),
		TotalRuns:   len(runIDs),
		AllVerified: true,
	}

	for _, id := range runIDs {
		runResult, err := replayAndVerifyRun(ctx, st, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay run %s", id), err)
		}

		result.Runs = append(result.Runs, runResult)
		if !runResult.Verified {
			result.AllVerified = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayAndVerifyRun folds a single run's log and checks the snapshot row
// against it.
func replayAndVerifyRun(ctx context.Context, st *store.Store, runID string) (ReplayRunResult, error) {
	if _, err := st.GetRun(ctx, runID); err != nil {
		return ReplayRunResult{}, err
	}

	snap, err := st.ReplayRun(ctx, runID)
	if err != nil {
		return ReplayRunResult{}, err
	}

	result := ReplayRunResult{
		RunID:     runID,
		State:     string(snap.State),
		Outcome:   string(snap.Outcome),
		Events:    len(snap.Events),
		LoopCount: snap.LoopCount,
		Verified:  true,
	}

	if err := st.VerifyRun(ctx, runID); err != nil {
		result.Verified = false
		result.Error = err.Error()
	}
	return result, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllVerified {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY_DIVERGED",
			Message: "snapshot verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllVerified {
		// Divergence = exit code 1
		return NewExitError(ExitFailure, "snapshot verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	fmt.Fprintln(w)

	for _, r := range result.Runs {
		status := "✓"
		if !r.Verified {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Run: %s\n", status, r.RunID)
		if verbose {
			fmt.Fprintf(w, "  State: %s\n", r.State)
			if r.Outcome != "" {
				fmt.Fprintf(w, "  Outcome: %s\n", r.Outcome)
			}
			fmt.Fprintf(w, "  Events: %d\n", r.Events)
			fmt.Fprintf(w, "  Retention offers declined: %d\n", r.LoopCount)
		} else {
			fmt.Fprintf(w, "  Events: %d, state %s\n", r.Events, r.State)
		}

		if !r.Verified {
			fmt.Fprintf(w, "  Warning: %s\n", r.Error)
		}
		fmt.Fprintln(w)
	}

	if result.AllVerified {
		fmt.Fprintln(w, "✓ All run snapshots match their event logs")
		return nil
	}

	fmt.Fprintln(w, "✗ Snapshot verification failed")
	// Divergence = exit code 1
	return NewExitError(ExitFailure, "snapshot verification failed")
}
