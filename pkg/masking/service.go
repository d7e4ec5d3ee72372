// Package masking strips credentials from strings before they reach logs or
// client-visible error messages. Provider SDK errors in particular tend to
// echo request headers back.
package masking

import (
	"errors"
	"fmt"
	"log/slog"
)

// Service applies the builtin redaction rules. Created once at startup;
// thread-safe and stateless aside from the compiled patterns.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the builtin patterns eagerly.
func NewService() *Service {
	s := &Service{patterns: compilePatterns()}
	slog.Info("Masking service initialized", "patterns", len(s.patterns))
	return s
}

// Redact replaces every credential-shaped substring in s.
func (s *Service) Redact(in string) string {
	if in == "" {
		return in
	}
	out := in
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// RedactError returns an error whose message has been through Redact. The
// original error chain is deliberately dropped: wrapped provider errors can
// resurface unredacted text through errors.As formatting.
func (s *Service) RedactError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s.Redact(err.Error()))
}

// Redactf formats and redacts in one step.
func (s *Service) Redactf(format string, args ...any) string {
	return s.Redact(fmt.Sprintf(format, args...))
}
