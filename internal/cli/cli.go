// Package cli parses watchbook command-line arguments.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

type Command string

const (
	CommandNew     Command = "new"
	CommandOpen    Command = "open"
	CommandStatus  Command = "status"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

// commandArgs is the number of positional arguments each command takes.
var commandArgs = map[Command]int{
	CommandNew:     0,
	CommandOpen:    1,
	CommandStatus:  0,
	CommandDoctor:  0,
	CommandVersion: 0,
	CommandHelp:    0,
}

type Parsed struct {
	Command    Command
	Path       string
	ConfigPath string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	var (
		configPath  string
		showHelp    bool
		showVersion bool
	)

	flags := pflag.NewFlagSet("watchbook", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}
	flags.StringVar(&configPath, "config", "", "config file path")
	flags.BoolVarP(&showHelp, "help", "h", false, "show help")
	flags.BoolVar(&showVersion, "version", false, "show version")

	if err := flags.Parse(args); err != nil {
		return Parsed{}, err
	}

	parsed := Parsed{ConfigPath: configPath}
	switch {
	case showHelp:
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		return parsed, nil
	case showVersion:
		parsed.Command = CommandVersion
		return parsed, nil
	}

	positional := flags.Args()
	if len(positional) == 0 {
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		return parsed, nil
	}

	cmd := Command(positional[0])
	want, ok := commandArgs[cmd]
	if !ok {
		return Parsed{}, fmt.Errorf("unknown command: %s", positional[0])
	}
	rest := positional[1:]
	if len(rest) < want {
		return Parsed{}, fmt.Errorf("command %q requires a path", cmd)
	}
	if len(rest) > want {
		return Parsed{}, fmt.Errorf("unexpected arguments after command %q", cmd)
	}

	parsed.Command = cmd
	parsed.ShowHelp = cmd == CommandHelp
	if want == 1 {
		parsed.Path = rest[0]
	}
	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [args]

Commands:
  new         Start a new watch report (forwarded to a running instance)
  open PATH   Open a watch report (forwarded to a running instance)
  status      Print the pending request of the running instance
  doctor      Run configuration and environment checks
  version     Print version information
  help        Show this help

Flags:
  --config PATH   Config file path (default: $WATCHBOOK_CONFIG, then
                  $XDG_CONFIG_HOME/watchbook/config.jsonc)
  -h, --help      Show help
  --version       Show version

Use -- before a PATH that begins with a dash.
`, binaryName)
}
