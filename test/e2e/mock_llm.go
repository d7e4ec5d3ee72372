package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepflow-ai/stepflow/pkg/llm"
)

// LLMScriptEntry defines a single scripted LLM reply.
type LLMScriptEntry struct {
	Content string // reply body; the pipeline decodes it like a provider reply
	Err     error  // returned instead of a reply
}

// ScriptedLLMClient implements llm.Client with canned replies consumed in
// call order. Within one capture the stages consult the model in a fixed
// sequence (metadata refinement, then step drafts for non-trivial plans),
// so a scripted capture queues its entries in that order.
type ScriptedLLMClient struct {
	mu       sync.Mutex
	entries  []LLMScriptEntry
	index    int
	requests []llm.Request
}

// NewScriptedLLMClient creates an empty script; Complete fails until
// entries are added.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{}
}

// Add appends script entries.
func (c *ScriptedLLMClient) Add(entries ...LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

// AddReply appends a plain content reply.
func (c *ScriptedLLMClient) AddReply(content string) {
	c.Add(LLMScriptEntry{Content: content})
}

// AddError appends an entry that fails the call.
func (c *ScriptedLLMClient) AddError(err error) {
	c.Add(LLMScriptEntry{Err: err})
}

// Complete implements llm.Client.
func (c *ScriptedLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.index >= len(c.entries) {
		n := c.index
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted llm client: no entry for call %d", n+1)
	}
	entry := c.entries[c.index]
	c.index++
	c.mu.Unlock()

	if entry.Err != nil {
		return nil, entry.Err
	}
	return &llm.Response{
		Content:  entry.Content,
		Provider: "scripted",
		Model:    "scripted-small",
	}, nil
}

// CallCount returns how many times Complete was called.
func (c *ScriptedLLMClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of the captured completion requests.
func (c *ScriptedLLMClient) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}
