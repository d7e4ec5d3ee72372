package config

import (
	"errors"
	"fmt"
)

// Sentinels for the three ways loading can fail. Callers branch with
// errors.Is; *LoadError carries the offending file path alongside.
var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrInvalidYAML      = errors.New("config is not valid YAML")
	ErrValidationFailed = errors.New("config validation failed")
)

// LoadError ties a loading failure to the file that produced it.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
