package provider

import (
	"context"
	"fmt"
	"time"
)

// Transport is the collaborator that actually talks to an upstream vendor.
// Implementations own HTTP details, response parsing, and cancellation of
// in-flight calls; the orchestration core only sees this contract.
type Transport interface {
	// Generate executes one completion request against the given model.
	Generate(ctx context.Context, req GenerateRequest) (*Completion, error)

	// Name returns the provider identity this transport serves.
	Name() string
}

// GenerateRequest describes a single completion call.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	APIKey      string  `json:"-"`
}

// Completion is the successful result of one provider call.
type Completion struct {
	Content      string        `json:"content"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	CostUSD      float64       `json:"cost_usd"`
}

// ModelSpec identifies a model on a specific provider.
type ModelSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (m ModelSpec) String() string {
	return m.Provider + "/" + m.Model
}

// Error is the failure a transport surfaces. StatusCode is zero when no HTTP
// response was received.
type Error struct {
	Provider   string        `json:"provider"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
