package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// CodeOptions holds flags for the code command.
type CodeOptions struct {
	*RootOptions
	Addr string
}

// NewCodeCommand creates the code command.
func NewCodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "code <session-id> <code>",
		Short: "Deliver a verification code",
		Long: `Deliver an out-of-band verification code to a run waiting on it.

The session id is shown by "subzero cancel" while the run is in
AWAITING_VERIFICATION, and rides in the verification notification.

Exit codes:
  0 - Code delivered
  1 - No pending challenge for the session (expired or already resolved)
  2 - Command error (orchestrator unreachable)

Example:
  subzero code netflix_user-1_0197a001 482913`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCode(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8723", "orchestrator control API address")

	return cmd
}

func runCode(opts *CodeOptions, sessionID, code string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := newControlClient(opts.Addr)
	if err := client.SendCode(ctx, sessionID, code); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			_ = formatter.Error(apiErr.Response.Code, apiErr.Response.Message, apiErr.Response.Details)
			// An expired or unknown challenge is a user-visible failure,
			// not a command error
			return NewExitError(ExitFailure, apiErr.Response.Message)
		}
		return WrapExitError(ExitCommandError, "failed to reach orchestrator", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"session_id": sessionID})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "code delivered to session %s\n", sessionID)
	return nil
}
