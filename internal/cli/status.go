package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// StatusReport is the full status payload for a run.
type StatusReport struct {
	Run    run.Run                `json:"run"`
	Events []run.Event            `json:"events,omitempty"`
	Shield []run.DarkPatternEvent `json:"shield_events,omitempty"`
	Proof  *run.ProofArtifact     `json:"proof,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state and audit trail",
		Long: `Show a run's current state, its event log, its Shield decisions, and
its proof artifact.

Reads the event store directly, so it works whether or not the
orchestrator is running.

Exit codes:
  0 - Run found
  1 - Run not found
  2 - Command error (database not found, etc.)

Examples:
  subzero status --db ./subzero.db 0197b8f2-4c11-7b45-a3ee-2f1d9c0a8b01
  subzero status --db ./subzero.db 0197b8f2-4c11-7b45-a3ee-2f1d9c0a8b01 --verbose --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStatus(opts *StatusOptions, runID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	report, err := collectStatus(ctx, st, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return NewExitError(ExitFailure, fmt.Sprintf("no run %s", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(report)
	}
	return printStatusText(cmd, report, opts.Verbose)
}

// collectStatus gathers the run snapshot and its audit trail.
func collectStatus(ctx context.Context, st *store.Store, runID string) (StatusReport, error) {
	r, err := st.GetRun(ctx, runID)
	if err != nil {
		return StatusReport{}, err
	}

	events, err := st.ListEvents(ctx, runID)
	if err != nil {
		return StatusReport{}, err
	}
	shield, err := st.ListShieldEvents(ctx, runID)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{Run: r, Events: events, Shield: shield}

	proof, found, err := st.GetProofArtifact(ctx, runID)
	if err != nil {
		return StatusReport{}, err
	}
	if found {
		report.Proof = &proof
	}
	return report, nil
}

func printStatusText(cmd *cobra.Command, report StatusReport, verbose bool) error {
	w := cmd.OutOrStdout()
	r := report.Run

	fmt.Fprintf(w, "Run: %s\n", r.ID)
	fmt.Fprintf(w, "  User: %s\n", r.Request.UserID)
	fmt.Fprintf(w, "  Service: %s\n", r.Request.Service)
	fmt.Fprintf(w, "  State: %s\n", r.State)
	if r.Outcome != "" {
		fmt.Fprintf(w, "  Outcome: %s\n", r.Outcome)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", r.Reason)
	}
	if r.SessionID != "" {
		fmt.Fprintf(w, "  Session: %s\n", r.SessionID)
	}
	fmt.Fprintf(w, "  Retention offers declined: %d\n", r.LoopCount)

	if len(report.Shield) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Shield decisions (%d):\n", len(report.Shield))
		for _, ev := range report.Shield {
			fmt.Fprintf(w, "  [%d] %s -> %s (loop %d)\n", ev.Seq, ev.Classification, ev.Action, ev.LoopCount)
		}
	}

	if report.Proof != nil {
		fmt.Fprintln(w)
		if report.Proof.Missing {
			fmt.Fprintln(w, "Proof: capture failed (run completed without evidence)")
		} else {
			fmt.Fprintf(w, "Proof: %s\n", report.Proof.ScreenshotURL)
			if report.Proof.VideoURL != "" {
				fmt.Fprintf(w, "  Video: %s\n", report.Proof.VideoURL)
			}
		}
	}

	if verbose && len(report.Events) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Event log (%d):\n", len(report.Events))
		for _, ev := range report.Events {
			if ev.From != "" || ev.To != "" {
				fmt.Fprintf(w, "  [%d] %s %s -> %s\n", ev.Seq, ev.Kind, ev.From, ev.To)
			} else {
				fmt.Fprintf(w, "  [%d] %s\n", ev.Seq, ev.Kind)
			}
		}
	}

	return nil
}
