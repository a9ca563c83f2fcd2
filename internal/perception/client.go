// Package perception converts raw generated text into structured results:
// a clean dialogue line, proposed memory mutations, world intents, and
// optional function calls. It also defines the interface the pipeline uses
// to talk to the external generation engine.
package perception

import (
	"context"
	"fmt"
	"sync"
)

// TokenUsage carries the generation engine's token counters.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// GenerationRequest is handed to the generation engine. Either Prompt is
// set, or Static+Dynamic are set when the caller wants cache reuse.
type GenerationRequest struct {
	Prompt string

	// Static/Dynamic carry the cache-split prompt. ReuseCache hints that
	// the static part matches a previously submitted prefix.
	Static     string
	Dynamic    string
	ReuseCache bool

	// ProtectTokens asks the engine to keep this many prefix tokens safe
	// from cache eviction. 0 means no protection.
	ProtectTokens int
}

// FullPrompt returns the complete prompt text regardless of split form.
func (r *GenerationRequest) FullPrompt() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	return r.Static + r.Dynamic
}

// GenerationResponse is what the engine returns.
type GenerationResponse struct {
	Text string

	// Truncated is set when the engine stopped on a length limit.
	Truncated bool

	Usage TokenUsage
}

// GenerationClient is the pipeline's view of the generation engine.
// Transport, retries at the wire level, and billing live behind it.
type GenerationClient interface {
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
}

// ScriptedClient replays a fixed sequence of responses. It backs tests and
// the CLI's offline scenarios.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []*GenerationResponse
	errs      []error
	calls     int

	// Requests records every request for inspection.
	Requests []*GenerationRequest
}

// NewScriptedClient creates a client that replays the given responses in
// order. A nil entry in errs means that call succeeds.
func NewScriptedClient(responses ...*GenerationResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// FailWith queues an error for the call at index i (zero-based).
func (c *ScriptedClient) FailWith(i int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.errs) <= i {
		c.errs = append(c.errs, nil)
	}
	c.errs[i] = err
}

// Generate returns the next scripted response.
func (c *ScriptedClient) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++
	c.Requests = append(c.Requests, req)

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(c.responses))
	}
	return c.responses[i], nil
}

// Calls returns how many times Generate was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
