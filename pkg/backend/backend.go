// Package backend defines the outbound inference interface: a normalized
// message/completion model, a tier-to-model router, and provider adapters.
// The orchestration core only ever talks to the Backend interface.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Message is one entry in a model conversation
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Pinned messages are never dropped when the context window is trimmed.
	Pinned bool `json:"pinned,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec declaratively exposes a callable tool to the model
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request contains the parameters for one backend call
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Completion is the normalized result of one backend call: either final text
// or a set of tool-call requests.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// HasToolCalls reports whether the model requested tool execution.
func (c *Completion) HasToolCalls() bool {
	return len(c.ToolCalls) > 0
}

// Degenerate reports an empty response: no text and no tool calls.
func (c *Completion) Degenerate() bool {
	return c.Text == "" && len(c.ToolCalls) == 0
}

// Backend is the outbound inference interface
type Backend interface {
	// Name returns the backend name used for rate-limit bucketing
	Name() string

	// Complete makes one inference call
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ErrorClass classifies backend failures for the loop's recovery logic
type ErrorClass string

const (
	// ClassUnavailable covers network faults and 5xx-style outages; retryable.
	ClassUnavailable ErrorClass = "unavailable"
	// ClassRateLimited means the provider throttled the call; retryable after a delay.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassTierExhausted means the current tier cannot serve the request;
	// the loop escalates rather than retrying.
	ClassTierExhausted ErrorClass = "tier_exhausted"
	// ClassInvalidRequest is a permanent caller error; never retried.
	ClassInvalidRequest ErrorClass = "invalid_request"
)

// Error is a classified backend failure
type Error struct {
	Class   ErrorClass
	Backend string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Backend, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf extracts the error class, defaulting to ClassUnavailable for
// unclassified errors so transient faults get retry behavior.
func ClassOf(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassUnavailable
}

// Retryable reports whether the loop may retry the same tier.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassUnavailable, ClassRateLimited:
		return true
	default:
		return false
	}
}
