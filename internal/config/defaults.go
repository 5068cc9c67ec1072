package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	openCmd := "xdg-open {path}"

	return Config{
		Bus: BusConfig{
			Key:            "watchbook",
			Dir:            "/dev/shm",
			Capacity:       4096,
			PollIntervalMS: 100,
		},
		Handler: HandlerConfig{
			OpenCmd: CommandConfig{Raw: openCmd, Argv: mustParseArgv(openCmd)},
		},
	}
}
