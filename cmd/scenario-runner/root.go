package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arloliu/go-scenario/config"
	"github.com/arloliu/go-scenario/connection"
	"github.com/arloliu/go-scenario/engine"
	"github.com/arloliu/go-scenario/logger"
	"github.com/arloliu/go-scenario/report"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1 // config or connection error
)

// ExitError carries the process exit code of a failed run.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err, ExitFailure if it has none.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds the command line flags.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	// Opener overrides connection.Open (for testing).
	Opener engine.OpenFunc
	// Logger overrides the process logger (for testing).
	Logger logger.Logger
}

// NewRootCommand creates the scenario-runner command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario-runner",
		Short: "Play command/response scenarios against a serial or TCP device",
		Long: `Play command/response scenarios against a serial or TCP device.

The config file names the connection and the ordered scenario files. Each
command's result is appended to run-<id>.jsonl in the results directory.

Example:
  scenario-runner
  scenario-runner --config ./bench/config.json --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to the config file")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func run(cmd *cobra.Command, opts *RootOptions) error {
	level, ok := logger.ParseLevel(opts.LogLevel)
	if !ok {
		return WrapExitError(ExitFailure, "invalid log level", fmt.Errorf("%q", opts.LogLevel))
	}

	l := opts.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l.SetLevel(level)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load config", err)
	}

	runID := newRunID()
	l.Info("config loaded", "run_id", runID, "path", opts.ConfigPath, "target", cfg.Connection.Target().String(), "scenarios", len(cfg.Scenarios))

	var recorder report.Recorder = report.Discard
	fileRecorder, err := report.NewFileRecorder(cfg.ResultsLocation, runID)
	if err != nil {
		l.Warn("results will not be saved", "run_id", runID, "error", err)
	} else {
		recorder = fileRecorder
		l.Info("results file", "path", fileRecorder.Path())
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			l.Warn("failed to close results file", "error", err)
		}
	}()

	engineOpts := []engine.Option{
		engine.WithLogger(l),
		engine.WithRunID(runID),
		engine.WithRecorder(recorder),
		engine.WithConnectionOptions(connection.WithLogger(l)),
	}
	if opts.Opener != nil {
		engineOpts = append(engineOpts, engine.WithOpener(opts.Opener))
	}

	coordinator, err := engine.NewCoordinator(cfg.Connection.Target(), cfg.Scenarios, engineOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create coordinator", err)
	}

	err = coordinator.Run(cmd.Context())
	switch {
	case err == nil:
		l.Info("run completed")
	case errors.Is(err, engine.ErrAborted):
		// both roles returned; an aborted run still completes
		l.Error("run aborted", "error", err)
	case errors.Is(err, connection.ErrOpen), errors.Is(err, connection.ErrUnknownTarget):
		return WrapExitError(ExitFailure, "failed to open connection", err)
	default:
		return WrapExitError(ExitFailure, "run failed", err)
	}

	return nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
