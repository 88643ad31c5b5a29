package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/subzero-app/subzero/internal/api"
	"github.com/subzero-app/subzero/internal/engine"
	"github.com/subzero-app/subzero/internal/run"
)

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Addr          string
	UserID        string
	LoginURL      string
	CredentialRef string
	Backend       string
	MonthlyCents  int64
	AnnualCents   int64
	NoWait        bool
	PollInterval  time.Duration
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel <service>",
		Short: "Submit a cancellation and stream it to completion",
		Long: `Submit a cancellation request to a running orchestrator and follow
the run until it reaches a terminal state.

The service's login URL and backend come from its merchant profile when
one is loaded; --login-url overrides.

Press Ctrl-C while following to abandon the run.

Exit codes:
  0 - Run completed (subscription cancelled)
  1 - Run failed or was abandoned
  2 - Command error (orchestrator unreachable, invalid request, etc.)

Examples:
  subzero cancel netflix --user user-1
  subzero cancel ironpeak-fitness --user user-2 --monthly-cents 4900
  subzero cancel acme-news --user user-3 --no-wait --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8723", "orchestrator control API address")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&opts.LoginURL, "login-url", "", "merchant login URL (overrides profile)")
	cmd.Flags().StringVar(&opts.CredentialRef, "credential-ref", "vault:default", "credential vault reference")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "browser backend (hosted|local, overrides profile)")
	cmd.Flags().Int64Var(&opts.MonthlyCents, "monthly-cents", 0, "subscription monthly price in cents")
	cmd.Flags().Int64Var(&opts.AnnualCents, "annual-cents", 0, "subscription annual price in cents")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "print the run id and exit without following")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 500*time.Millisecond, "status poll interval while following")

	return cmd
}

func runCancel(opts *CancelOptions, service string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	client := newControlClient(opts.Addr)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	runID, err := client.Submit(ctx, api.SubmitRequest{
		UserID:        opts.UserID,
		Service:       service,
		LoginURL:      opts.LoginURL,
		CredentialRef: opts.CredentialRef,
		Backend:       opts.Backend,
		MonthlyCents:  opts.MonthlyCents,
		AnnualCents:   opts.AnnualCents,
	})
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			_ = formatter.Error(apiErr.Response.Code, apiErr.Response.Message, apiErr.Response.Details)
			if apiErr.Response.Code == string(engine.ErrCodePairBusy) {
				// A live run already covers the pair
				return NewExitError(ExitFailure, apiErr.Response.Message)
			}
			return NewExitError(ExitCommandError, apiErr.Response.Message)
		}
		return WrapExitError(ExitCommandError, "failed to reach orchestrator", err)
	}

	if opts.NoWait {
		if opts.Format == "json" {
			return formatter.Success(map[string]string{"run_id": runID})
		}
		fmt.Fprintln(cmd.OutOrStdout(), runID)
		return nil
	}

	return followRun(ctx, opts, client, runID, formatter, cmd)
}

// followRun polls the run until it is terminal, printing each state
// change. A first interrupt abandons the run; a second gives up waiting.
func followRun(ctx context.Context, opts *CancelOptions, client *controlClient, runID string, formatter *OutputFormatter, cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	if opts.Format != "json" {
		fmt.Fprintf(w, "run %s submitted\n", runID)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interrupted := false
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var lastState run.State
	for {
		select {
		case <-ctx.Done():
			return NewExitError(ExitCommandError, "interrupted")
		case <-sigChan:
			if interrupted {
				return NewExitError(ExitFailure, "gave up waiting for run to finish")
			}
			interrupted = true
			if opts.Format != "json" {
				fmt.Fprintln(w, "abandoning run...")
			}
			if err := client.CancelRun(ctx, runID); err != nil {
				return WrapExitError(ExitCommandError, "failed to abandon run", err)
			}
		case <-ticker.C:
			r, err := client.GetRun(ctx, runID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to poll run", err)
			}
			if r.State != lastState {
				lastState = r.State
				if opts.Format != "json" {
					printState(w, r)
				}
			}
			if r.Terminal() {
				return finishCancel(r, formatter)
			}
		}
	}
}

func printState(w io.Writer, r run.Run) {
	switch r.State {
	case run.StateAwaitingVerification:
		fmt.Fprintf(w, "  %s  (deliver the code with: subzero code %s <code>)\n", r.State, r.SessionID)
	case run.StateShieldEvaluating:
		if r.LoopCount > 0 {
			fmt.Fprintf(w, "  %s  (retention offers declined: %d)\n", r.State, r.LoopCount)
		} else {
			fmt.Fprintf(w, "  %s\n", r.State)
		}
	default:
		fmt.Fprintf(w, "  %s\n", r.State)
	}
}

func finishCancel(r run.Run, formatter *OutputFormatter) error {
	if formatter.Format == "json" {
		if err := formatter.Success(r); err != nil {
			return err
		}
	} else {
		if r.Reason != "" {
			fmt.Fprintf(formatter.Writer, "run %s: %s (%s)\n", r.ID, r.Outcome, r.Reason)
		} else {
			fmt.Fprintf(formatter.Writer, "run %s: %s\n", r.ID, r.Outcome)
		}
	}

	if r.Outcome != run.OutcomeCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("run finished %s", r.Outcome))
	}
	return nil
}
