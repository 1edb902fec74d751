package cli

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/service"
)

// ExitError carries a process exit code through RunE.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface
func (e *ExitError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error
func (e *ExitError) Unwrap() error { return e.Err }

// NewRunCommand creates the run command: the daemon itself.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(rootOpts)
		},
	}
}

func runDaemon(opts *RootOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	logger := setupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	slog.SetDefault(logger)

	bridge, err := service.New(cfg, logger)
	if err != nil {
		return &ExitError{Code: classifyStartupError(err), Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		return &ExitError{Code: classifyStartupError(err), Err: err}
	}
	return nil
}

// classifyStartupError maps an error to the documented exit codes.
func classifyStartupError(err error) int {
	switch {
	case errors.IsInvalid(err):
		return ExitConfig
	case isPersistenceError(err):
		return ExitPersistence
	case errors.IsFatal(err):
		return ExitIO
	default:
		return ExitOther
	}
}

func isPersistenceError(err error) bool {
	if stderrors.Is(err, errors.ErrSchemaMismatch) || stderrors.Is(err, errors.ErrStorageUnavailable) {
		return true
	}
	// Badger open failures mention the store directory.
	return strings.Contains(err.Error(), "badger")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"service", "aasbridge",
		"pid", os.Getpid(),
	)
}
