// Package strategy implements the three execution strategies that fan a
// logical request out to one or more models: parallel, sequential, and
// consensus. A shared call helper applies rate limiting, circuit breaking,
// credential rotation, and retry around every transport call.
package strategy

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/breaker"
	"github.com/modelmux/modelmux/internal/consolidate"
	"github.com/modelmux/modelmux/internal/keys"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/retry"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/provider"
)

// Mode identifies an execution strategy
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
	ModeConsensus  Mode = "consensus"
)

// Request is one logical generation request fanned out to models.
type Request struct {
	Prompt      string               `json:"prompt"`
	Models      []provider.ModelSpec `json:"models"`
	Count       int                  `json:"count"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
}

// ModelOutput is the result of one model call. It is owned by the strategy
// that produced it and immutable after creation.
type ModelOutput struct {
	ID           string                `json:"id"`
	Provider     string                `json:"provider"`
	Model        string                `json:"model"`
	Content      string                `json:"content,omitempty"`
	Personas     []consolidate.Persona `json:"personas,omitempty"`
	InputTokens  int                   `json:"input_tokens"`
	OutputTokens int                   `json:"output_tokens"`
	Latency      time.Duration         `json:"latency"`
	CostUSD      float64               `json:"cost_usd"`
	Success      bool                  `json:"success"`
	ErrorKind    errors.ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// ConsolidatedPersona is one representative output of a consensus run.
type ConsolidatedPersona struct {
	consolidate.MergedPersona
	ConsensusConfidence float64 `json:"consensus_confidence"`
}

// MultiModelResult is what every strategy returns to the business-logic
// caller: best-effort per-model outputs in request order plus aggregates.
type MultiModelResult struct {
	ModelOutputs         []ModelOutput         `json:"model_outputs"`
	ExecutionMode        Mode                  `json:"execution_mode"`
	TotalTokensInput     int                   `json:"total_tokens_input"`
	TotalTokensOutput    int                   `json:"total_tokens_output"`
	TotalCostUSD         float64               `json:"total_cost_usd"`
	TotalLatency         time.Duration         `json:"total_latency"`
	ConsolidatedPersonas []ConsolidatedPersona `json:"consolidated_personas,omitempty"`
}

// aggregate fills the result totals from its outputs.
func (r *MultiModelResult) aggregate() {
	for _, out := range r.ModelOutputs {
		r.TotalTokensInput += out.InputTokens
		r.TotalTokensOutput += out.OutputTokens
		r.TotalCostUSD += out.CostUSD
	}
}

// Strategy executes one logical request against a set of models.
type Strategy interface {
	Execute(ctx context.Context, req Request) (*MultiModelResult, error)
	Mode() Mode
}

// PersonaParseFunc extracts structured personas from raw model content.
// Parsing lives with the business-logic collaborator; a nil func leaves
// outputs with content only.
type PersonaParseFunc func(content, providerName, model string) []consolidate.Persona

// Caller applies the resilience stack around a single transport call. All
// three strategies share one Caller.
type Caller struct {
	transports map[string]provider.Transport
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	keys       *keys.Manager
	executor   *retry.Executor
	classifier *errors.Classifier
	parse      PersonaParseFunc
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// CallerDeps bundles the collaborators a Caller coordinates.
type CallerDeps struct {
	Transports map[string]provider.Transport
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Keys       *keys.Manager
	Executor   *retry.Executor
	Parse      PersonaParseFunc
	Metrics    *metrics.Metrics
}

// NewCaller creates the shared call helper.
func NewCaller(deps CallerDeps) *Caller {
	return &Caller{
		transports: deps.Transports,
		limiter:    deps.Limiter,
		breaker:    deps.Breaker,
		keys:       deps.Keys,
		executor:   deps.Executor,
		classifier: errors.NewClassifier(),
		parse:      deps.Parse,
		metrics:    deps.Metrics,
		logger:     logging.GetLogger(),
	}
}

// CallModel executes one guarded call against spec. Failures never
// propagate as errors: they degrade into a failed ModelOutput so sibling
// calls and partial results survive.
func (c *Caller) CallModel(ctx context.Context, spec provider.ModelSpec, prompt string, temperature float64, maxTokens int) ModelOutput {
	start := time.Now()
	output := ModelOutput{
		ID:       uuid.New().String(),
		Provider: spec.Provider,
		Model:    spec.Model,
	}

	transport, ok := c.transports[spec.Provider]
	if !ok {
		return c.failOutput(output, start,
			errors.NewValidationError(fmt.Sprintf("no transport registered for provider %s", spec.Provider)))
	}

	if !c.breaker.AllowRequest(spec.Provider) {
		return c.failOutput(output, start,
			errors.NewServerError(spec.Provider, "circuit breaker is open").
				WithSuggestion("the provider is failing; wait for the circuit to probe recovery"))
	}

	waited, err := c.limiter.Acquire(ctx, spec.Provider, 1)
	if err != nil {
		return c.failOutput(output, start, err)
	}
	defer c.limiter.Release(spec.Provider)
	if waited > 0 && c.metrics != nil {
		c.metrics.RecordRateLimitWait(spec.Provider, waited)
	}

	result, err := c.executor.Execute(ctx, spec.Provider, func(ctx context.Context) (interface{}, error) {
		return c.attempt(ctx, transport, spec, prompt, temperature, maxTokens)
	})
	if err != nil {
		return c.failOutput(output, start, err)
	}

	completion := result.(*provider.Completion)
	output.Content = completion.Content
	output.InputTokens = completion.InputTokens
	output.OutputTokens = completion.OutputTokens
	output.CostUSD = completion.CostUSD
	output.Latency = time.Since(start)
	output.Success = true
	if c.parse != nil {
		output.Personas = c.parse(completion.Content, spec.Provider, spec.Model)
	}

	c.limiter.RecordTokens(spec.Provider, completion.InputTokens+completion.OutputTokens)
	if c.metrics != nil {
		c.metrics.RecordProviderCall(spec.Provider, spec.Model, "success", output.Latency)
		c.metrics.RecordTokens(spec.Provider, completion.InputTokens, completion.OutputTokens)
		c.metrics.RecordCost(spec.Provider, completion.CostUSD)
	}

	return output
}

// attempt is one classified transport call. Auth failures rotate through
// the credential ring in place, so the retry executor only ever sees an
// auth error once every usable credential has been exhausted.
func (c *Caller) attempt(ctx context.Context, transport provider.Transport, spec provider.ModelSpec, prompt string, temperature float64, maxTokens int) (*provider.Completion, error) {
	// The circuit can open between retries of the same logical call.
	if !c.breaker.AllowRequest(spec.Provider) {
		return nil, errors.NewPermanent(
			errors.NewServerError(spec.Provider, "circuit breaker is open").
				WithSuggestion("the provider is failing; wait for the circuit to probe recovery"))
	}

	credentialBudget := c.credentialCount(spec.Provider)
	if credentialBudget == 0 {
		credentialBudget = 1
	}

	var lastErr error
	for i := 0; i < credentialBudget; i++ {
		key, _ := c.keys.GetKey(spec.Provider)

		completion, err := transport.Generate(ctx, provider.GenerateRequest{
			Prompt:      prompt,
			Model:       spec.Model,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			APIKey:      key,
		})
		if err == nil {
			c.breaker.RecordSuccess(spec.Provider)
			c.limiter.RecordSuccess(spec.Provider)
			c.keys.MarkSuccess(spec.Provider, key)
			return completion, nil
		}

		lastErr = err
		kind, retryAfter := c.classify(err)

		switch kind {
		case errors.KindAuthFailure:
			next, ok := c.keys.MarkFailure(spec.Provider, key, err.Error(), true)
			if ok && next != key {
				// Another credential to try; do not burn a retry attempt.
				continue
			}
			return nil, errors.NewAuthFailureError(spec.Provider).WithCause(err)

		case errors.KindRateLimit:
			c.limiter.RecordRateLimitResponse(spec.Provider, retryAfter)
			c.keys.MarkRateLimited(spec.Provider, key, retryAfter)
			if c.metrics != nil {
				c.metrics.RecordProviderCall(spec.Provider, spec.Model, "rate_limited", 0)
			}
			return nil, errors.NewRateLimitError(spec.Provider).
				WithCause(err).
				WithRetryAfter(retryAfter)

		case errors.KindBadRequest, errors.KindContextTooLong:
			// Permanent; counts against neither the breaker nor the key.
			return nil, errors.NewError(kind, "PERMANENT_PROVIDER_ERROR", err.Error()).WithCause(err)

		default:
			c.breaker.RecordFailure(spec.Provider)
			c.keys.MarkFailure(spec.Provider, key, err.Error(), false)
			if c.metrics != nil {
				c.metrics.RecordProviderCall(spec.Provider, spec.Model, "error", 0)
			}
			return nil, errors.NewError(kind, "PROVIDER_CALL_FAILED", err.Error()).WithCause(err)
		}
	}

	c.breaker.RecordFailure(spec.Provider)
	return nil, errors.NewAuthFailureError(spec.Provider).WithCause(lastErr)
}

// classify extracts an error kind and retry hint from a transport failure.
func (c *Caller) classify(err error) (errors.ErrorKind, time.Duration) {
	var pe *provider.Error
	if stderrors.As(err, &pe) {
		if pe.StatusCode != 0 {
			return c.classifier.ClassifyStatus(pe.StatusCode), pe.RetryAfter
		}
		return c.classifier.Classify(err), pe.RetryAfter
	}
	return c.classifier.Classify(err), 0
}

func (c *Caller) credentialCount(providerName string) int {
	summary := c.keys.HealthSummary()
	if s, ok := summary[providerName]; ok {
		return s.CredentialCount
	}
	return 0
}

// failOutput finalizes a degraded output with classification details.
func (c *Caller) failOutput(output ModelOutput, start time.Time, err error) ModelOutput {
	output.Latency = time.Since(start)
	output.Success = false
	output.ErrorKind = errors.GetKind(err)
	output.ErrorMessage = err.Error()

	if c.metrics != nil {
		c.metrics.RecordProviderCall(output.Provider, output.Model, "failed", output.Latency)
	}
	c.logger.Warn("Model call degraded to failed output",
		"provider", output.Provider,
		"model", output.Model,
		"kind", string(output.ErrorKind),
		"error", err.Error(),
	)
	return output
}
