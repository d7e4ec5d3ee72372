package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the uncompiled form of a redaction rule.
type builtinPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns are the redaction rules applied to every string that can
// reach logs or error messages after touching an LLM provider. Order is not
// significant; each rule is independent.
var builtinPatterns = map[string]builtinPattern{
	"provider_key": {
		Pattern:     `sk-[A-Za-z0-9_-]{8,}`,
		Replacement: "***MASKED_API_KEY***",
		Description: "Provider API keys (sk-..., includes sk-ant-...)",
	},
	"bearer_token": {
		Pattern:     `(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`,
		Replacement: "Bearer ***MASKED_TOKEN***",
		Description: "Bearer tokens in authorization headers",
	},
	"auth_header": {
		Pattern:     `(?i)(authorization|x-api-key)["']?\s*[:=]\s*["']?[^\s"',}]+`,
		Replacement: "$1: ***MASKED***",
		Description: "Authorization-style headers in dumped requests",
	},
	"credential_pair": {
		Pattern:     `(?i)\b(api[_-]?key|secret|token|password)\b\s*[:=]\s*["']?[A-Za-z0-9._~+/=-]{6,}["']?`,
		Replacement: "$1=***MASKED***",
		Description: "key=value credential pairs",
	},
}

// compilePatterns compiles the builtin rules. Invalid patterns are logged
// and skipped so one bad rule cannot disable redaction entirely.
func compilePatterns() []*CompiledPattern {
	compiled := make([]*CompiledPattern, 0, len(builtinPatterns))
	for name, p := range builtinPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		compiled = append(compiled, &CompiledPattern{
			Name:        name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return compiled
}
