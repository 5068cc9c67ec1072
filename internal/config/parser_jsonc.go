package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"
)

type jsoncConfig struct {
	Bus     *jsoncBus     `json:"bus"`
	Handler *jsoncHandler `json:"handler"`
}

type jsoncBus struct {
	Key            *string `json:"key"`
	Dir            *string `json:"dir"`
	Capacity       *int    `json:"capacity"`
	PollIntervalMS *int    `json:"poll_interval_ms"`
}

type jsoncHandler struct {
	NewCmd    *string `json:"new_cmd"`
	OpenCmd   *string `json:"open_cmd"`
	TimeoutMS *int    `json:"timeout_ms"`
}

// parseJSONC decodes already-normalized JSON onto base.
func parseJSONC(normalized string, base Config) (Config, []Warning, error) {
	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if payload.Bus != nil {
		if payload.Bus.Key != nil {
			cfg.Bus.Key = strings.TrimSpace(*payload.Bus.Key)
		}
		if payload.Bus.Dir != nil {
			cfg.Bus.Dir = strings.TrimSpace(*payload.Bus.Dir)
		}
		if payload.Bus.Capacity != nil {
			cfg.Bus.Capacity = *payload.Bus.Capacity
		}
		if payload.Bus.PollIntervalMS != nil {
			cfg.Bus.PollIntervalMS = *payload.Bus.PollIntervalMS
		}
	}

	if payload.Handler != nil {
		if payload.Handler.NewCmd != nil {
			raw := *payload.Handler.NewCmd
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid handler.new_cmd: %w", err)
			}
			cfg.Handler.NewCmd = CommandConfig{Raw: raw, Argv: argv}
		}
		if payload.Handler.OpenCmd != nil {
			raw := *payload.Handler.OpenCmd
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid handler.open_cmd: %w", err)
			}
			cfg.Handler.OpenCmd = CommandConfig{Raw: raw, Argv: argv}
		}
		if payload.Handler.TimeoutMS != nil {
			cfg.Handler.TimeoutMS = *payload.Handler.TimeoutMS
		}
	}

	return warnings, nil
}

// normalizeJSONC blanks comments and trailing commas. Offsets are preserved
// so decode errors still point at the original line and column.
func normalizeJSONC(content string) string {
	return string(jsonc.ToJSON([]byte(content)))
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
