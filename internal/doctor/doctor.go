// Package doctor runs runtime readiness diagnostics for config, the segment
// directory, handler commands, and the bus.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rbright/watchbook/internal/bus"
	"github.com/rbright/watchbook/internal/config"
	"github.com/rbright/watchbook/internal/fsm"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes config, environment, and bus checks. opts must describe the
// bus the CLI would join.
func Run(cfg config.Loaded, opts bus.Options) Report {
	checks := []Check{checkConfig(cfg)}

	checks = append(checks, checkSegmentDir(cfg.Config.Bus.Dir))
	checks = append(checks, checkCommand(cfg.Config.Handler.OpenCmd.Argv, "open_cmd"))
	if len(cfg.Config.Handler.NewCmd.Argv) > 0 {
		checks = append(checks, checkCommand(cfg.Config.Handler.NewCmd.Argv, "new_cmd"))
	}
	checks = append(checks, checkBus(opts))

	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("using defaults (%q not found)", cfg.Path)
	}
	if n := len(cfg.Warnings); n > 0 {
		message = fmt.Sprintf("%s with %d warning(s)", message, n)
	}
	return Check{Name: "config", Pass: true, Message: message}
}

// checkSegmentDir validates that segments can be created in dir.
func checkSegmentDir(dir string) Check {
	const name = "bus.dir"

	info, err := os.Stat(dir)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	if !info.IsDir() {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is not a directory", dir)}
	}

	probe, err := os.CreateTemp(dir, ".watchbook-doctor-*")
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("not writable: %v", err)}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkBus reads the live bus without joining the election.
func checkBus(opts bus.Options) Check {
	const name = "bus"

	snapshot, err := bus.Inspect(opts)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	if !snapshot.Present {
		return Check{Name: name, Pass: true, Message: "no master running"}
	}
	if snapshot.State == fsm.StateIdle {
		return Check{Name: name, Pass: true, Message: "master running, idle"}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("master running, %s request pending", snapshot.State)}
}
