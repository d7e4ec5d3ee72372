// Package llm wraps remote chat-completion providers behind one typed
// interface: hard deadlines, a process-wide concurrency limit, a circuit
// breaker, schema validation of replies, and secret redaction on every
// error path. Callers receive either validated content or an *Error.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/stepflow-ai/stepflow/pkg/masking"
)

// Supported provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderNone      = "none"
)

// Role tags a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged prompt message.
type Message struct {
	Role    Role
	Content string
}

// Request is a single structured-output completion request.
type Request struct {
	Messages    []Message
	Schema      *Schema // non-nil: reply must validate or the call fails MalformedResponse
	MaxTokens   int
	Temperature float32
	Deadline    time.Duration // 0 means the client default
}

// Response is a validated completion reply. When the request carried a
// schema, Content is the extracted JSON document.
type Response struct {
	Content  string
	Provider string
	Model    string
}

// Client executes completion requests. Implementations are safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// provider is the raw transport each SDK adapter implements. Adapters do no
// redaction and no retries; the wrapper owns both.
type provider interface {
	name() string
	model() string
	complete(ctx context.Context, req Request) (string, error)
	classify(err error) ErrorKind
}

// Options configures New.
type Options struct {
	Provider       string
	APIKey         string
	Model          string        // "" selects the provider default
	Deadline       time.Duration // per-call default, 0 → 2s
	MaxConcurrency int64         // semaphore size, 0 → 16
	QueueWait      time.Duration // max wait for a semaphore slot, 0 → 2s
}

const (
	defaultDeadline       = 2 * time.Second
	defaultQueueWait      = 2 * time.Second
	defaultMaxConcurrency = 16

	// breakerFailures consecutive provider failures open the breaker;
	// breakerCooldown later it half-opens with a single trial call.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// New constructs a Client for the configured provider. Provider "none", or
// a missing API key, returns (nil, nil): callers treat a nil client as
// "heuristics only".
func New(opts Options, masker *masking.Service) (Client, error) {
	switch opts.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	if opts.APIKey == "" {
		slog.Warn("LLM API key not configured, degrading to heuristics only",
			"provider", opts.Provider)
		return nil, nil
	}

	var p provider
	switch opts.Provider {
	case ProviderOpenAI:
		p = newOpenAIProvider(opts.APIKey, opts.Model)
	case ProviderAnthropic:
		p = newAnthropicProvider(opts.APIKey, opts.Model)
	}

	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = defaultQueueWait
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-" + p.name(),
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	slog.Info("LLM client initialized",
		"provider", p.name(), "model", p.model(),
		"deadline", opts.Deadline, "max_concurrency", opts.MaxConcurrency)

	return &client{
		provider:  p,
		sem:       semaphore.NewWeighted(opts.MaxConcurrency),
		breaker:   breaker,
		deadline:  opts.Deadline,
		queueWait: opts.QueueWait,
		masker:    masker,
	}, nil
}

type client struct {
	provider  provider
	sem       *semaphore.Weighted
	breaker   *gobreaker.CircuitBreaker
	deadline  time.Duration
	queueWait time.Duration
	masker    *masking.Service
}

// Complete runs one request through the slot limit, the breaker, the
// provider, and schema validation.
func (c *client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: request has no messages")
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, c.queueWait)
	defer cancelAcquire()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Message: "deadline expired while queued"}
		}
		return nil, &Error{Kind: KindUnavailable, Message: "concurrency limit reached"}
	}
	defer c.sem.Release(1)

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = c.deadline
	}
	callCtx, cancelCall := context.WithTimeout(ctx, deadline)
	defer cancelCall()

	out, err := c.breaker.Execute(func() (any, error) {
		return c.provider.complete(callCtx, req)
	})
	if err != nil {
		return nil, c.typed(err)
	}
	content := out.(string)

	if req.Schema != nil {
		cleaned := ExtractJSON(content)
		if err := req.Schema.Validate([]byte(cleaned)); err != nil {
			return nil, &Error{Kind: KindMalformedResponse, Message: c.masker.Redact(err.Error())}
		}
		content = cleaned
	}

	return &Response{
		Content:  content,
		Provider: c.provider.name(),
		Model:    c.provider.model(),
	}, nil
}

// typed converts any provider or breaker failure into a redacted *Error.
func (c *client) typed(err error) error {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr
	}
	var kind ErrorKind
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		kind = KindUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	default:
		kind = c.provider.classify(err)
	}
	return &Error{Kind: kind, Message: c.masker.Redact(err.Error())}
}

// statusToKind maps an HTTP status from a provider SDK error to a kind.
// Shared by the adapters.
func statusToKind(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindQuotaExceeded
	case status == 408:
		return KindTimeout
	default:
		return KindUnavailable
	}
}
