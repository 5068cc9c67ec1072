package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	maxCapacity       = 1 << 16
	slowPollThreshold = 1000
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Bus.Key) == "" {
		return nil, fmt.Errorf("bus.key must not be empty")
	}
	if strings.TrimSpace(cfg.Bus.Dir) == "" {
		return nil, fmt.Errorf("bus.dir must not be empty")
	}
	if !filepath.IsAbs(cfg.Bus.Dir) {
		return nil, fmt.Errorf("bus.dir must be an absolute path")
	}
	if cfg.Bus.Capacity <= 0 {
		return nil, fmt.Errorf("bus.capacity must be > 0")
	}
	if cfg.Bus.Capacity > maxCapacity {
		return nil, fmt.Errorf("bus.capacity must be <= %d", maxCapacity)
	}
	if cfg.Bus.PollIntervalMS <= 0 {
		return nil, fmt.Errorf("bus.poll_interval_ms must be > 0")
	}
	if cfg.Bus.PollIntervalMS > slowPollThreshold {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("bus.poll_interval_ms=%d delays forwarded requests and shutdown by up to that long", cfg.Bus.PollIntervalMS)})
	}

	if cfg.Handler.TimeoutMS < 0 {
		return nil, fmt.Errorf("handler.timeout_ms must be >= 0")
	}
	if cfg.Handler.OpenCmd.Raw != "" && len(cfg.Handler.OpenCmd.Argv) == 0 {
		return nil, fmt.Errorf("handler.open_cmd is configured but empty")
	}
	if len(cfg.Handler.OpenCmd.Argv) == 0 {
		return nil, fmt.Errorf("handler.open_cmd must not be empty")
	}
	if len(cfg.Handler.NewCmd.Argv) == 0 {
		warnings = append(warnings, Warning{Message: "handler.new_cmd is empty; new-document requests will only be logged"})
	}

	return warnings, nil
}
