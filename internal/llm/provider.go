// Package llm defines the LLM backend contract: the interface the Reply
// Pipeline consumes to drive a streaming completion. No concrete provider
// (Anthropic, OpenAI, ...) is implemented here — the model backend is an
// external collaborator; this package only names the shapes a real
// implementation must satisfy.
package llm

import "context"

// EventKind discriminates the union of events a Stream yields.
type EventKind string

const (
	EventTextDelta         EventKind = "text_delta"
	EventToolCallStarted   EventKind = "tool_call_started"
	EventToolCallCompleted EventKind = "tool_call_completed"
	EventFinish            EventKind = "finish"
	EventError             EventKind = "error"
)

// FinishReason names why a stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// StreamEvent is one item yielded by a Provider's Stream call.
type StreamEvent struct {
	Kind EventKind

	// Set for EventTextDelta.
	TextDelta string

	// Set for EventToolCallStarted / EventToolCallCompleted.
	ToolCallID string
	ToolName   string
	ToolArgs   string
	ToolResult string
	ToolFailed bool

	// Set for EventFinish.
	FinishReason FinishReason

	// Set for EventError.
	Err error
}

// HistoryMessage is one turn of thread history supplied as prompt context.
type HistoryMessage struct {
	SenderID string
	Body     string
}

// ToolSpec advertises one tool available to the model for this call.
type ToolSpec struct {
	ID          string
	Description string
}

// Prompt bundles everything the provider needs to produce a reply.
type Prompt struct {
	Instructions      string
	History           []HistoryMessage
	KnowledgeSnippets []string
	MemorySnippets    []string
	Input             string

	// ToolResults continues a prior stream after the pipeline has executed
	// tool calls itself and fed results back as additional context on the
	// same stream, rather than the provider executing them.
	ToolResults []ToolResultContext
}

// ToolResultContext is one completed tool call fed back as continuation context.
type ToolResultContext struct {
	ToolCallID string
	ToolName   string
	Result     string
	Failed     bool
}

// Options configures a single Stream call.
type Options struct {
	ModelRef string
}

// Provider is the model backend contract. Stream must respect ctx
// cancellation at every suspension point and close the returned channel
// when the stream ends (normally or on error).
type Provider interface {
	Stream(ctx context.Context, prompt Prompt, tools []ToolSpec, opts Options) (<-chan StreamEvent, error)
}
