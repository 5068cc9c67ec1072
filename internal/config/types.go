// Package config resolves, parses, validates, and defaults watchbook configuration.
package config

// Config is the fully materialized runtime configuration used by watchbook.
type Config struct {
	Bus     BusConfig
	Handler HandlerConfig
}

// BusConfig controls the single-instance bus segments and polling.
type BusConfig struct {
	Key            string
	Dir            string
	Capacity       int
	PollIntervalMS int
}

// HandlerConfig controls how the master carries out document requests.
type HandlerConfig struct {
	NewCmd    CommandConfig
	OpenCmd   CommandConfig
	TimeoutMS int
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
