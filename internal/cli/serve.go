package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/subzero-app/subzero/internal/api"
	"github.com/subzero-app/subzero/internal/config"
	"github.com/subzero-app/subzero/internal/engine"
	"github.com/subzero-app/subzero/internal/gateway"
	"github.com/subzero-app/subzero/internal/profile"
	"github.com/subzero-app/subzero/internal/registry"
	"github.com/subzero-app/subzero/internal/store"
)

// shutdownTimeout bounds graceful shutdown of the HTTP listener and the
// engine's live runs.
const shutdownTimeout = 35 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database    string
	ConfigPath  string
	ProfilesDir string
	Addr        string

	// Simulated merchant shape. The repository ships no real
	// browser-automation backend; serve runs against the simulator.
	SimVerification bool
	SimOffers       int
	SimCode         string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cancellation orchestrator",
		Long: `Start the Subzero orchestrator.

Opens the SQLite event store (creating it if it doesn't exist), loads
merchant profiles, recovers incomplete runs from the event log, starts
the verification sweeper, and serves the control API until interrupted.

Runs execute against a simulated merchant; shape its flow with the
--sim-* flags.

Example:
  subzero serve --db ./subzero.db --profiles ./profiles
  subzero serve --config ./subzero.yaml --addr 127.0.0.1:8723 --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.ProfilesDir, "profiles", "", "merchant profile CUE directory (overrides config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8723", "control API listen address")
	cmd.Flags().BoolVar(&opts.SimVerification, "sim-verification", false, "simulated merchant demands a verification code")
	cmd.Flags().IntVar(&opts.SimOffers, "sim-offers", 1, "retention offers the simulated merchant serves")
	cmd.Flags().StringVar(&opts.SimCode, "sim-code", "", "only verification code the simulated merchant accepts (empty accepts any)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.ProfilesDir != "" {
		cfg.ProfilesDir = opts.ProfilesDir
	}

	// Load merchant profiles
	var profiles *profile.Library
	if cfg.ProfilesDir != "" {
		slog.Info("loading profiles", "dir", cfg.ProfilesDir)
		profiles, err = profile.LoadDir(cfg.ProfilesDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load profiles", err)
		}
		slog.Info("profiles loaded", "services", profiles.Len())
	}

	// Open event store (create if not exists)
	slog.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	provider := gateway.NewSimProvider(gateway.SimConfig{
		RequireVerification: opts.SimVerification,
		RetentionOffers:     opts.SimOffers,
		AcceptCode:          opts.SimCode,
	})
	notifier := gateway.LogNotifier{Logger: slog.Default()}
	gw := gateway.New(provider, notifier, cfg.Gateway)
	reg := registry.New()

	eng := engine.New(st, gw, reg, profiles, engine.WithSettings(engine.Settings{
		VerificationDeadline: cfg.Engine.VerificationDeadline,
		RetentionCeiling:     cfg.Engine.RetentionCeiling,
		CodeAttempts:         cfg.Engine.CodeAttempts,
		MaxSteps:             cfg.Engine.MaxSteps,
	}))

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	// Recover runs stranded by a previous crash
	recovered, err := eng.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover incomplete runs", err)
	}
	if recovered > 0 {
		slog.Info("recovered incomplete runs", "count", recovered)
	}

	// Expire stale verification challenges in the background
	go reg.RunSweeper(ctx, cfg.Engine.SweepInterval)

	httpSrv := &http.Server{
		Addr:    opts.Addr,
		Handler: api.NewServer(eng, slog.Default()).Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.ListenAndServe()
	}()

	slog.Info("orchestrator started", "db", cfg.DBPath, "addr", opts.Addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Orchestrator started on %s. Press Ctrl-C to stop.\n", opts.Addr)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "control API error", err)
		}
	case <-ctx.Done():
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shCancel()

	if err := httpSrv.Shutdown(shCtx); err != nil {
		slog.Error("control API shutdown error", "error", err)
	}
	if err := eng.Shutdown(shCtx); err != nil {
		return WrapExitError(ExitFailure, "engine shutdown error", err)
	}

	slog.Info("orchestrator stopped gracefully")
	return nil
}

// loadConfig loads the YAML config, or the defaults when no path is given.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
