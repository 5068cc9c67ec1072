package config

import (
	"fmt"
	"strings"
	"unicode"
)

// parseArgv splits a handler command line into argv using a small subset of
// POSIX shell quoting: whitespace separates words, single quotes are literal,
// double quotes honor backslash escapes, and "" yields an empty word. A line
// starting with # is treated as unset.
func parseArgv(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "#") {
		return nil, nil
	}

	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quote   rune
		escape  bool
	)

	for _, r := range input {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\\':
			escape = true
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if escape {
		return nil, fmt.Errorf("unterminated escape sequence in command: %q", input)
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command: %q", input)
	}

	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}

func mustParseArgv(input string) []string {
	argv, err := parseArgv(input)
	if err != nil {
		panic(err)
	}
	return argv
}
