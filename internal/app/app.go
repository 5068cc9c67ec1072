// Package app wires config, logging, the instance bus, and request handling
// behind the watchbook commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rbright/watchbook/internal/bus"
	"github.com/rbright/watchbook/internal/cli"
	"github.com/rbright/watchbook/internal/config"
	"github.com/rbright/watchbook/internal/dispatch"
	"github.com/rbright/watchbook/internal/doctor"
	"github.com/rbright/watchbook/internal/fsm"
	"github.com/rbright/watchbook/internal/instance"
	"github.com/rbright/watchbook/internal/logging"
	"github.com/rbright/watchbook/internal/shm"
	"github.com/rbright/watchbook/internal/version"
)

const binaryName = "watchbook"

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
	// Provider overrides the segment directory from config.
	Provider shm.Provider
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "warning: setup logging: %v\n", err)
		logRuntime = logging.Stderr(r.Stderr)
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	opts := r.busOptions(cfgLoaded.Config, logger)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded, opts)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandStatus:
		return r.commandStatus(opts)
	case cli.CommandNew:
		return r.commandRequest(ctx, cfgLoaded.Config, opts, logger, bus.Request{Kind: fsm.StateNewDocument})
	case cli.CommandOpen:
		path, err := filepath.Abs(parsed.Path)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: resolve %q: %v\n", parsed.Path, err)
			return 1
		}
		if bus.Truncates(path, opts.Capacity) {
			fmt.Fprintf(r.Stderr, "warning: path exceeds %d characters and will be truncated when forwarded\n", opts.Capacity)
			logger.Warn("path exceeds bus capacity", "path", path, "capacity", opts.Capacity)
		}
		return r.commandRequest(ctx, cfgLoaded.Config, opts, logger, bus.Request{Kind: fsm.StateOpenDocument, Path: path})
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// busOptions scopes the configured key to the current user so two accounts
// on one machine never share a master.
func (r Runner) busOptions(cfg config.Config, logger *slog.Logger) bus.Options {
	provider := r.Provider
	if provider == nil {
		provider = shm.NewDir(cfg.Bus.Dir)
	}
	return bus.Options{
		Key:          fmt.Sprintf("%s-%d", cfg.Bus.Key, os.Getuid()),
		Capacity:     cfg.Bus.Capacity,
		PollInterval: time.Duration(cfg.Bus.PollIntervalMS) * time.Millisecond,
		Provider:     provider,
		Logger:       logger,
	}
}

func (r Runner) commandStatus(opts bus.Options) int {
	snapshot, err := bus.Inspect(opts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	switch {
	case !snapshot.Present:
		fmt.Fprintln(r.Stdout, "no master")
	case snapshot.State == fsm.StateNewDocument:
		fmt.Fprintln(r.Stdout, "pending new")
	case snapshot.State == fsm.StateOpenDocument:
		fmt.Fprintf(r.Stdout, "pending open %s\n", snapshot.Path)
	default:
		fmt.Fprintln(r.Stdout, "idle")
	}
	return 0
}

func (r Runner) commandRequest(ctx context.Context, cfg config.Config, opts bus.Options, logger *slog.Logger, req bus.Request) int {
	b, err := bus.New(opts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	controller := instance.NewController(logger, b, dispatch.New(cfg.Handler, logger))
	controller.OnRole = func(role instance.Role) {
		if role == instance.RoleStandalone {
			fmt.Fprintln(r.Stderr, "warning: instance bus unavailable; handling request locally")
			return
		}
		fmt.Fprintln(r.Stdout, role)
	}

	result := controller.Run(ctx, req)
	logRunResult(logger, req, result)

	if result.Err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	}
	return 0
}

func logRunResult(logger *slog.Logger, req bus.Request, result instance.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"request", req.Kind.String(),
		"role", string(result.Role),
		"handled", result.Handled,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}
	if result.BusErr != nil {
		fields = append(fields, "bus_error", result.BusErr.Error())
	}

	if result.Err != nil {
		logger.Error("request failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("request complete", fields...)
}
