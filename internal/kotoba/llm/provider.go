// Package llm talks to the generative language backend.
//
// Provider is the raw, unreliable backend call. Client wraps a Provider with
// the resilience Kotoba needs: retries with exponential backoff, credential
// re-initialisation on auth/quota failures and a fixed fallback reply once
// retries are exhausted.
package llm

import (
	"context"
	"errors"
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the generation parameters. They are fixed when the Client is
// constructed and sent with every request.
type Sampling struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	Model    string
	Messages []Message
	Sampling Sampling
}

// CompletionResponse is the output from the backend.
type CompletionResponse struct {
	Text         string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is implemented by every backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderFactory builds a usable Provider, validating credentials where the
// backend allows it. Client calls it at construction and again after
// auth/quota failures.
type ProviderFactory func(ctx context.Context) (Provider, error)

// ErrEmptyResponse is returned when the backend answers with no usable text.
var ErrEmptyResponse = errors.New("llm: empty response from backend")

// ErrAuth marks failures caused by credentials or quota (HTTP 401, 403, 429).
var ErrAuth = errors.New("llm: authentication or quota failure")
