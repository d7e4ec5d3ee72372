package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stepflow-ai/stepflow/pkg/models"
)

// Handler executes one kind of automation plan. Implementations must be
// safe for concurrent use; the pool runs several executions at once.
type Handler interface {
	// Key is the plan handler_key this handler serves.
	Key() string
	// Execute runs the plan's action. An error means the attempt itself
	// failed (network, auth, crash); missing or unusable input is not an
	// error and is reported through Result.Needs instead.
	Execute(ctx context.Context, args map[string]string) (*Result, error)
}

// Result is a handler's report of a finished execution. Exactly one of the
// two outcomes applies: empty Needs means the action ran and ActualMinutes
// is the effort to book; non-empty Needs means the action did not run and
// the step waits for answers.
type Result struct {
	ActualMinutes int
	Needs         []models.ClarificationNeed
}

// Registry maps handler keys to implementations. Immutable after
// construction.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. A later handler
// with a duplicate key replaces the earlier one.
func NewRegistry(handlers ...Handler) *Registry {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		m[h.Key()] = h
	}
	return &Registry{handlers: m}
}

// Lookup finds the handler for a key.
func (r *Registry) Lookup(key string) (Handler, bool) {
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered handler keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stubHandler is a built-in automation backend used until real
// integrations land: it validates the plan's arguments and books a fixed
// effort for the simulated action.
type stubHandler struct {
	key     string
	minutes int
	check   func(args map[string]string) []models.ClarificationNeed
}

func (h *stubHandler) Key() string { return h.key }

func (h *stubHandler) Execute(ctx context.Context, args map[string]string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.check != nil {
		if needs := h.check(args); len(needs) > 0 {
			return &Result{Needs: needs}, nil
		}
	}
	return &Result{ActualMinutes: h.minutes}, nil
}

// need builds the single-need slice for a missing or unusable argument.
func need(field, question string) []models.ClarificationNeed {
	return []models.ClarificationNeed{{Field: field, Question: question, Required: true}}
}

func blank(args map[string]string, field string) bool {
	return strings.TrimSpace(args[field]) == ""
}

// BuiltinHandlers returns the stock handlers, one per integration the
// classifier knows how to plan for.
func BuiltinHandlers() []Handler {
	return []Handler{
		&stubHandler{
			key:     "email.send",
			minutes: 1,
			check: func(args map[string]string) []models.ClarificationNeed {
				if blank(args, "recipient") {
					return need("recipient", "Who should receive this email?")
				}
				// Plans built from a "to <name>" phrase carry a bare name;
				// sending needs an address.
				if !strings.Contains(args["recipient"], "@") {
					return need("recipient",
						fmt.Sprintf("What is the email address for %q?", args["recipient"]))
				}
				return nil
			},
		},
		&stubHandler{
			key:     "email.reply",
			minutes: 1,
			check: func(args map[string]string) []models.ClarificationNeed {
				if blank(args, "thread") {
					return need("thread", "Which email thread is this replying to?")
				}
				return nil
			},
		},
		&stubHandler{
			key:     "calendar.schedule",
			minutes: 2,
			check: func(args map[string]string) []models.ClarificationNeed {
				if blank(args, "attendees") {
					return need("attendees", "Who should be invited?")
				}
				return nil
			},
		},
		&stubHandler{
			key:     "web.search",
			minutes: 1,
			check: func(args map[string]string) []models.ClarificationNeed {
				if blank(args, "query") {
					return need("query", "What exactly should be searched for?")
				}
				return nil
			},
		},
		&stubHandler{
			key:     "file.organize",
			minutes: 3,
			check: func(args map[string]string) []models.ClarificationNeed {
				if blank(args, "target") {
					return need("target", "Which files or folder should be organized?")
				}
				return nil
			},
		},
	}
}
