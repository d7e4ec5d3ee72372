// Package config loads the stepflow.yaml configuration: defaults first,
// then the file merged on top, with {{.VAR}} environment expansion and
// fail-fast validation.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Split    SplitConfig    `yaml:"split"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// LLMConfig selects the completion provider. Provider "none", or a missing
// API key, runs the daemon on heuristics alone.
type LLMConfig struct {
	Provider       string `yaml:"provider" validate:"oneof=openai anthropic none"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	DeadlineMS     int    `yaml:"deadline_ms" validate:"min=100,max=60000"`
	MaxConcurrency int    `yaml:"max_concurrency" validate:"min=1,max=256"`
}

// Deadline returns the per-call completion deadline.
func (c LLMConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// SplitConfig tunes plan splitting.
type SplitConfig struct {
	TargetMinutes   int    `yaml:"target_minutes" validate:"min=2,max=5"`
	ForceSplitScope string `yaml:"force_split_scope" validate:"oneof=MULTI PROJECT"`
}

// RuntimeConfig sizes automation dispatch and the capture deadline.
type RuntimeConfig struct {
	HandlerQueue           int  `yaml:"handler_queue" validate:"min=1,max=4096"`
	Workers                int  `yaml:"workers" validate:"min=1,max=64"`
	DefaultDeadlineMS      int  `yaml:"default_deadline_ms" validate:"min=500,max=60000"`
	CancelOnHandlerFailure bool `yaml:"cancel_on_handler_failure"`
}

// DefaultDeadline returns the outer capture deadline applied when a request
// carries none.
func (c RuntimeConfig) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineMS) * time.Millisecond
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path          string `yaml:"path" validate:"required"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" validate:"min=100,max=60000"`
}

// BusyTimeout returns how long a connection waits on a locked database.
func (c DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMS) * time.Millisecond
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// Addr returns the host:port string for the HTTP listener.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
