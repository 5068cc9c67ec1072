package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders build metadata. Binaries installed with `go install` carry
// no ldflags, so the module version is used when Version is unset.
func String() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return "watchbook " + v + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
