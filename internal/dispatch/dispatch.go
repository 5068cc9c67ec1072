// Package dispatch runs the configured external commands for bus requests.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/watchbook/internal/bus"
	"github.com/rbright/watchbook/internal/config"
	"github.com/rbright/watchbook/internal/fsm"
)

// PathPlaceholder in a command argument is replaced with the requested path.
const PathPlaceholder = "{path}"

var errUnknownRequest = errors.New("unknown request kind")

// Dispatcher maps bus requests onto the handler commands from config.
type Dispatcher struct {
	config config.HandlerConfig
	logger *slog.Logger
}

// New constructs a dispatcher from handler config.
func New(cfg config.HandlerConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{config: cfg, logger: logger}
}

// HandleRequest implements bus.Handler. Failures are logged; the listen
// loop keeps running.
func (d *Dispatcher) HandleRequest(ctx context.Context, req bus.Request) {
	if err := d.Dispatch(ctx, req); err != nil {
		d.logger.Error("request handler failed", "request", req.Kind.String(), "path", req.Path, "error", err.Error())
	}
}

// Dispatch runs the command for req and waits for it to exit.
func (d *Dispatcher) Dispatch(ctx context.Context, req bus.Request) error {
	var argv []string
	switch req.Kind {
	case fsm.StateNewDocument:
		if len(d.config.NewCmd.Argv) == 0 {
			d.logger.Info("new-document request has no handler command")
			return nil
		}
		argv = expandArgv(d.config.NewCmd.Argv, "", false)
	case fsm.StateOpenDocument:
		argv = expandArgv(d.config.OpenCmd.Argv, req.Path, true)
	default:
		return fmt.Errorf("%w: %s", errUnknownRequest, req.Kind)
	}

	if d.config.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.config.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	d.logger.Debug("running request handler", "argv", argv)
	return runCommand(ctx, argv)
}

// expandArgv substitutes path into every placeholder. With appendPath set,
// argv without a placeholder gets path as its final argument.
func expandArgv(argv []string, path string, appendPath bool) []string {
	out := make([]string, 0, len(argv)+1)
	substituted := false
	for _, arg := range argv {
		if strings.Contains(arg, PathPlaceholder) {
			substituted = true
			arg = strings.ReplaceAll(arg, PathPlaceholder, path)
		}
		out = append(out, arg)
	}
	if appendPath && !substituted {
		out = append(out, path)
	}
	return out
}

// runCommand executes argv and reports stderr output on failure.
func runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("command argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command %s: %w", argv[0], err)
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("wait for %s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("wait for %s: %w", argv[0], err)
	}
	return nil
}
