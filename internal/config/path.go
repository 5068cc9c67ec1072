package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathEnv names a config file when --config is not given.
const PathEnv = "WATCHBOOK_CONFIG"

// ResolvePath picks the config file: explicit flag, then $WATCHBOOK_CONFIG,
// then $XDG_CONFIG_HOME/watchbook/config.jsonc, then ~/.config. A leading ~/
// in an explicit or environment path is expanded.
func ResolvePath(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(PathEnv)} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		return expandHome(candidate)
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "watchbook", "config.jsonc"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return filepath.Join(home, ".config", "watchbook", "config.jsonc"), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
