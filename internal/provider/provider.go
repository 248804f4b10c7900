// Package provider defines the unified interface and shared types for the
// summarization backends. Each adapter (openai.go, anthropic.go) normalizes
// its vendor-specific streaming response into a unified Event sequence.
package provider

import "context"

// ── Message types ────────────────────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single text message in a summarization prompt.
type Message struct {
	Role Role
	Text string
}

// ── Request types ────────────────────────────────────────────────────────────

// ChatRequest is the unified request format sent to a provider.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message

	// MaxTokens bounds the generated output.
	MaxTokens int

	// Temperature is passed through verbatim; summarization runs cold.
	Temperature float64
}

// ── Event types (streaming output) ───────────────────────────────────────────

type EventType int

const (
	// EventTextDelta: incremental text output from the LLM.
	EventTextDelta EventType = iota

	// EventDone: end of the response.
	EventDone

	// EventError: an error occurred; no further deltas follow.
	EventError
)

// Event is the unified streaming event emitted by a provider.
type Event struct {
	Type EventType

	// EventTextDelta
	Text string

	// EventError
	Err error
}

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is the unified interface for summarization backends.
// Implementors convert the unified ChatRequest into their API's request
// format and the streamed response into a unified Event sequence.
type Provider interface {
	// Chat initiates a streaming completion.
	// The returned channel emits Events until EventDone or EventError,
	// then closes. The caller must fully consume the channel to avoid
	// goroutine leaks.
	Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error)

	// Name returns the provider identifier, e.g. "openai", "anthropic".
	Name() string
}
