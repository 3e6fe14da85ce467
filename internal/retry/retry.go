// Package retry implements the retry strategy (exponential backoff with
// symmetric jitter) and the executor that drives classified attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// Config holds retry configuration
type Config struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential base
	BackoffMultiplier float64
	// JitterRange is the symmetric jitter fraction applied to each delay
	JitterRange float64
	// OnRetry is called before each wait. It is observational only; a
	// panicking hook is swallowed and never affects control flow.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterRange:       0.25,
	}
}

// Strategy computes retry eligibility and delays from an error kind and
// attempt count.
type Strategy struct {
	config Config
	rand   *rand.Rand
}

// NewStrategy creates a retry strategy.
func NewStrategy(config Config) *Strategy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultConfig().InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig().MaxDelay
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if config.JitterRange < 0 || config.JitterRange > 1 {
		config.JitterRange = DefaultConfig().JitterRange
	}

	return &Strategy{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry reports whether another attempt is worth making. attempt is
// zero-based: attempt 0 is the first retry decision.
func (s *Strategy) ShouldRetry(kind errors.ErrorKind, attempt int) bool {
	if attempt >= s.config.MaxRetries {
		return false
	}
	return errors.IsRetryableKind(kind)
}

// Delay computes the wait before retry number attempt (zero-based). An
// explicit retryAfter hint overrides the computed backoff.
func (s *Strategy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	delay := float64(s.config.InitialDelay) * math.Pow(s.config.BackoffMultiplier, float64(attempt))
	if delay > float64(s.config.MaxDelay) {
		delay = float64(s.config.MaxDelay)
	}

	if s.config.JitterRange > 0 {
		// Symmetric jitter in [-jitterRange, +jitterRange] of the delay.
		jitter := (s.rand.Float64()*2 - 1) * s.config.JitterRange * delay
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Executor drives a single operation through classification and retries.
type Executor struct {
	strategy   *Strategy
	classifier *errors.Classifier
	config     Config
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewExecutor creates a retry executor.
func NewExecutor(config Config, m *metrics.Metrics) *Executor {
	return &Executor{
		strategy:   NewStrategy(config),
		classifier: errors.NewClassifier(),
		config:     config,
		metrics:    m,
		logger:     logging.GetLogger(),
	}
}

// Strategy exposes the underlying strategy for callers that only need delay
// computation.
func (e *Executor) Strategy() *Strategy {
	return e.strategy
}

// Execute runs operation up to MaxRetries+1 times. Retryable failures are
// waited out with backoff; a non-retryable failure or an exhausted budget is
// returned as a PermanentError carrying an actionable suggestion.
func (e *Executor) Execute(ctx context.Context, provider string, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	var lastKind errors.ErrorKind

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, errors.NewPermanent(
				errors.NewTimeoutError("retry loop").WithCause(ctx.Err()),
			)
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("Operation succeeded after retry",
					"provider", provider,
					"attempt", attempt+1,
				)
			}
			return result, nil
		}

		lastErr = err
		lastKind = e.classifier.Classify(err)

		// An explicitly permanent failure overrides kind-based retryability.
		if errors.IsPermanent(err) {
			return nil, errors.NewPermanent(
				errors.NewError(lastKind, "PERMANENT_FAILURE",
					fmt.Sprintf("provider %s returned a non-retryable error", provider)).
					WithCause(err).
					WithSuggestion(suggestionFor(lastKind)),
			)
		}

		if !e.strategy.ShouldRetry(lastKind, attempt) {
			break
		}

		delay := e.strategy.Delay(attempt, errors.GetRetryAfter(err))

		if e.metrics != nil {
			e.metrics.RecordRetry(provider, string(lastKind))
		}
		e.logger.Debug("Operation failed, retrying",
			"provider", provider,
			"error", err.Error(),
			"kind", string(lastKind),
			"attempt", attempt+1,
			"delay", delay.String(),
		)

		e.fireOnRetry(attempt+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.NewPermanent(
				errors.NewTimeoutError("retry wait").WithCause(ctx.Err()),
			)
		case <-timer.C:
		}
	}

	return nil, e.toPermanent(provider, lastErr, lastKind)
}

// fireOnRetry invokes the observer hook, isolating the executor from hook
// panics.
func (e *Executor) fireOnRetry(attempt int, err error, delay time.Duration) {
	if e.config.OnRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Retry observer panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	e.config.OnRetry(attempt, err, delay)
}

// toPermanent converts a final failure into a PermanentError with a
// user-facing suggestion.
func (e *Executor) toPermanent(provider string, err error, kind errors.ErrorKind) *errors.PermanentError {
	suggestion := suggestionFor(kind)

	if errors.IsRetryableKind(kind) {
		return errors.NewPermanent(
			errors.NewError(kind, "RETRIES_EXHAUSTED",
				fmt.Sprintf("provider %s still failing after %d attempts", provider, e.config.MaxRetries+1)).
				WithCause(err).
				WithSuggestion(suggestion),
		)
	}

	return errors.NewPermanent(
		errors.NewError(kind, "PERMANENT_FAILURE",
			fmt.Sprintf("provider %s returned a non-retryable error", provider)).
			WithCause(err).
			WithSuggestion(suggestion),
	)
}

func suggestionFor(kind errors.ErrorKind) string {
	switch kind {
	case errors.KindAuthFailure:
		return "verify the API key is valid and has not been revoked"
	case errors.KindRateLimit:
		return "reduce request volume or raise the provider's rate limit tier"
	case errors.KindContextTooLong:
		return "shorten the prompt or pick a model with a larger context window"
	case errors.KindBadRequest:
		return "check the request parameters before resubmitting"
	case errors.KindNetworkTimeout, errors.KindConnection:
		return "check network connectivity to the provider and retry later"
	case errors.KindServerError:
		return "the provider is having issues; retry later or fail over to another provider"
	default:
		return "inspect the underlying error; this failure was not recognized"
	}
}
