// Package llm defines the model gateway consumed by LLM-backed stages and an
// HTTP implementation for OpenAI-compatible chat completion endpoints.
//
// A Gateway never returns an error. Transport and provider failures are
// retried a bounded number of times inside the gateway; when retries are
// exhausted the Response carries Success=false and an ErrorMessage, and the
// calling stage decides what that means for its items.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Usage is the token accounting of one call.
type Usage struct {
	Prompt     int64 `json:"prompt_tokens"`
	Completion int64 `json:"completion_tokens"`
	Total      int64 `json:"total_tokens"`
}

// Request is one model invocation.
type Request struct {
	// Prompt is the name of the prompt template the input was rendered from.
	Prompt string
	// Input is the rendered prompt text sent as the user message.
	Input       string
	System      string
	Model       string
	Temperature *float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Response is the outcome of a call.
type Response struct {
	Text         string
	Usage        Usage
	Success      bool
	ErrorMessage string
	Attempts     int
}

// Failed returns an unsuccessful response.
func Failed(attempts int, format string, args ...any) Response {
	return Response{Attempts: attempts, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Gateway calls a language model.
type Gateway interface {
	Call(ctx context.Context, req Request) Response
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request) Response

// Call implements Gateway.
func (f GatewayFunc) Call(ctx context.Context, req Request) Response { return f(ctx, req) }

// Scripted replays canned responses per prompt name, in order. When a
// prompt's script runs out its last response is repeated; prompts without a
// script get a failure. Every request is recorded. Safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Response
	next    map[string]int
	calls   []Request
}

// NewScripted returns an empty script.
func NewScripted() *Scripted {
	return &Scripted{scripts: make(map[string][]Response), next: make(map[string]int)}
}

// On appends responses for the prompt and returns the receiver.
func (s *Scripted) On(prompt string, responses ...Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[prompt] = append(s.scripts[prompt], responses...)
	return s
}

// Reply is a successful response with the given text, with usage estimated
// at one token per four bytes.
func Reply(text string) Response {
	n := int64(len(text)/4 + 1)
	return Response{Text: text, Success: true, Attempts: 1, Usage: Usage{Completion: n, Total: n}}
}

// Call implements Gateway.
func (s *Scripted) Call(_ context.Context, req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	script := s.scripts[req.Prompt]
	if len(script) == 0 {
		return Failed(1, "no scripted response for prompt %q", req.Prompt)
	}
	i := s.next[req.Prompt]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		s.next[req.Prompt] = i + 1
	}
	resp := script[i]
	resp.Usage.Prompt += int64(len(req.Input)/4 + 1)
	resp.Usage.Total = resp.Usage.Prompt + resp.Usage.Completion
	return resp
}

// Calls returns the recorded requests in call order.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
