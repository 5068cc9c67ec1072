package config

import (
	"errors"
	"strings"
)

// Parse reads JSONC configuration content and overlays it onto base.
//
// Comments and trailing commas are accepted; an empty document yields base.
func Parse(content string, base Config) (Config, []Warning, error) {
	normalized := normalizeJSONC(content)
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return Config{}, nil, errors.New("config must be a JSONC object")
	}
	return parseJSONC(normalized, base)
}
