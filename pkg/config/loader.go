package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path, expands {{.VAR}} environment
// references, merges the result over the built-in defaults, and validates.
// An empty path skips the file entirely: the daemon runs on defaults plus
// whatever the environment supplies.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &LoadError{File: path, Err: ErrConfigNotFound}
			}
			return nil, &LoadError{File: path, Err: err}
		}
		data = ExpandEnv(data)

		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("merge over defaults: %w", err)}
		}
	}

	cfg.resolveAPIKey()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source := path
	if source == "" {
		source = "(defaults)"
	}
	slog.Info("Configuration loaded",
		"source", source,
		"llm_provider", cfg.LLM.Provider,
		"database_path", cfg.Database.Path,
		"listen", cfg.Server.Addr())
	return &cfg, nil
}

// Validate checks every section and fails on the first offending field.
func (c *Config) Validate() error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Errorf("%w: %s violates %q (%s)",
				ErrValidationFailed, fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %s violates %q", ErrValidationFailed, fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidationFailed, err)
}

// resolveAPIKey fills LLM.APIKey from the provider's conventional
// environment variable when the file carried none. A key that is still
// empty afterwards is not an error; the LLM client degrades to heuristics.
func (c *Config) resolveAPIKey() {
	if c.LLM.APIKey != "" {
		return
	}
	switch c.LLM.Provider {
	case "openai":
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}
