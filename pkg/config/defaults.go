package config

// Default returns the built-in configuration: a local SQLite file, the
// OpenAI provider pending an API key, and dispatch sizing suited to a
// single-user deployment.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:       "openai",
			DeadlineMS:     2000,
			MaxConcurrency: 16,
		},
		Split: SplitConfig{
			TargetMinutes:   4,
			ForceSplitScope: "MULTI",
		},
		Runtime: RuntimeConfig{
			HandlerQueue:      64,
			Workers:           4,
			DefaultDeadlineMS: 5000,
		},
		Database: DatabaseConfig{
			Path:          "stepflow.db",
			BusyTimeoutMS: 5000,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}
