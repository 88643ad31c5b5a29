package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/subzero-app/subzero/internal/profile"
)

// ValidationResult holds profile validation results.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Services []string `json:"services,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <profiles-dir>",
		Short: "Validate merchant profiles",
		Long: `Validate the CUE merchant profiles in a directory.

Compiles every profile and checks required fields, marker lists, and
backend values without starting the orchestrator.

Exit codes:
  0 - All profiles valid
  1 - Validation failed
  2 - Command error (directory not found, etc.)

Examples:
  subzero validate ./profiles
  subzero validate ./profiles --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, profilesDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(profilesDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("profiles directory not found: %s", profilesDir))
	}

	lib, err := profile.LoadDir(profilesDir)
	if err != nil {
		var compileErr *profile.CompileError
		if errors.As(err, &compileErr) {
			_ = formatter.Error("E_PROFILE", compileErr.Error(), compileErr.Field)
		} else {
			_ = formatter.Error("E_PROFILE", err.Error(), nil)
		}
		// Invalid profiles = exit code 1 (validation failure)
		return WrapExitError(ExitFailure, "profile validation failed", err)
	}

	services := lib.Services()
	for _, svc := range services {
		formatter.VerboseLog("Validated profile: %s", svc)
	}

	if opts.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Services: services})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d profile(s) valid\n", len(services))
	return nil
}
