// Package orchestrator wires the resilience components, execution
// strategies, and consolidation mapper into one facade. All component
// registries are owned by the Orchestrator instance; nothing here is
// package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/modelmux/modelmux/internal/breaker"
	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/consolidate"
	"github.com/modelmux/modelmux/internal/keys"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/retry"
	"github.com/modelmux/modelmux/internal/strategy"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/provider"
)

// Orchestrator coordinates multi-model execution behind a single entry
// point. It owns the rate limiter, circuit breaker, key manager, retry
// executor, budget tracker, and consolidation mapper.
type Orchestrator struct {
	config     *config.Config
	transports map[string]provider.Transport
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	keys       *keys.Manager
	executor   *retry.Executor
	budget     *budget.Tracker
	mapper     *consolidate.Mapper
	strategies map[strategy.Mode]strategy.Strategy
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// Options configures orchestrator construction beyond the env config.
type Options struct {
	// Transports maps provider names to their HTTP transport collaborators.
	Transports map[string]provider.Transport
	// Credentials maps provider names to their credential rings.
	Credentials map[string][]string
	// Parse extracts personas from raw content for consensus runs.
	Parse strategy.PersonaParseFunc
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// New builds a fully wired orchestrator from configuration.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration is required")
	}
	if len(opts.Transports) == 0 {
		return nil, errors.NewValidationError("at least one provider transport is required")
	}

	m := opts.Metrics
	logger := logging.GetLogger()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		ConcurrentRequests: cfg.RateLimit.ConcurrentRequests,
		InitialBackoff:     cfg.RateLimit.InitialBackoff,
		MaxBackoff:         cfg.RateLimit.MaxBackoff,
		BackoffMultiplier:  cfg.RateLimit.BackoffMultiplier,
	}, m)

	circuits := breaker.NewBreaker(breaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
	}, m)

	keyManager := keys.NewManager(keys.Config{
		FailureThreshold: cfg.Keys.FailureThreshold,
	}, m)
	for providerName, credentials := range opts.Credentials {
		keyManager.RegisterProvider(providerName, credentials)
	}

	executor := retry.NewExecutor(retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		JitterRange:       cfg.Retry.JitterRange,
	}, m)

	tracker := budget.NewTracker(budget.Config{
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		WeeklyLimitUSD:  cfg.Budget.WeeklyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
	})

	mapper := consolidate.NewMapper(consolidate.Config{
		ClusterThreshold: cfg.Consolidation.ClusterThreshold,
		MergeThreshold:   cfg.Consolidation.MergeThreshold,
		MaxGoals:         cfg.Consolidation.MaxGoals,
		MaxPainPoints:    cfg.Consolidation.MaxPainPoints,
	}, m)

	caller := strategy.NewCaller(strategy.CallerDeps{
		Transports: opts.Transports,
		Limiter:    limiter,
		Breaker:    circuits,
		Keys:       keyManager,
		Executor:   executor,
		Parse:      opts.Parse,
		Metrics:    m,
	})

	parallel := strategy.NewParallelStrategy(caller, cfg.Execution.MaxWorkers, cfg.Execution.CallTimeout, m)
	sequential := strategy.NewSequentialStrategy(caller, cfg.Execution.PassContext, cfg.Execution.CallTimeout, m)
	consensus := strategy.NewConsensusStrategy(parallel, mapper, m)

	return &Orchestrator{
		config:     cfg,
		transports: opts.Transports,
		limiter:    limiter,
		breaker:    circuits,
		keys:       keyManager,
		executor:   executor,
		budget:     tracker,
		mapper:     mapper,
		strategies: map[strategy.Mode]strategy.Strategy{
			strategy.ModeParallel:   parallel,
			strategy.ModeSequential: sequential,
			strategy.ModeConsensus:  consensus,
		},
		metrics: m,
		logger:  logger,
	}, nil
}

// Execute dispatches one request to the strategy for mode. Budget limits
// are enforced before any spend; exceeding them rejects the request.
func (o *Orchestrator) Execute(ctx context.Context, mode strategy.Mode, req strategy.Request) (*strategy.MultiModelResult, error) {
	if len(req.Models) == 0 {
		return nil, errors.NewValidationError("at least one model is required")
	}
	for _, spec := range req.Models {
		if _, ok := o.transports[spec.Provider]; !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("unknown provider %q", spec.Provider))
		}
	}

	strat, ok := o.strategies[mode]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown execution mode %q", mode))
	}

	if o.budget.Exceeded() {
		return nil, errors.NewError(errors.KindRateLimit, "BUDGET_EXCEEDED", "cost budget exhausted for the current window").
			WithSuggestion("wait for the budget window to roll over or raise the limit")
	}

	correlationID := logging.NewCorrelationID()
	ctx = context.WithValue(ctx, logging.CorrelationIDKey, correlationID)

	o.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"mode":   string(mode),
		"models": len(req.Models),
	}).Info("Dispatching multi-model execution")

	result, err := strat.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	o.budget.RecordCost(result.TotalCostUSD)
	return result, nil
}

// RotateObserver registers a callback fired on every credential rotation.
func (o *Orchestrator) RotateObserver(observer keys.RotationObserver) {
	o.keys.AddRotationObserver(observer)
}

// Status is a read-only snapshot of every subsystem for the status endpoint.
type Status struct {
	Timestamp  time.Time                           `json:"timestamp"`
	RateLimits map[string]ratelimit.ProviderStatus `json:"rate_limits"`
	Circuits   map[string]breaker.CircuitStatus    `json:"circuits"`
	Keys       map[string]keys.ProviderSummary     `json:"keys"`
	Budget     budget.Snapshot                     `json:"budget"`
}

// Status snapshots the subsystems without blocking callers.
func (o *Orchestrator) Status() Status {
	return Status{
		Timestamp:  time.Now().UTC(),
		RateLimits: o.limiter.Status(),
		Circuits:   o.breaker.Status(),
		Keys:       o.keys.HealthSummary(),
		Budget:     o.budget.Status(),
	}
}

// Healthy reports whether at least one provider circuit admits traffic.
func (o *Orchestrator) Healthy() bool {
	circuits := o.breaker.Status()
	if len(circuits) == 0 {
		return true
	}
	for _, c := range circuits {
		if c.State != breaker.StateOpen.String() {
			return true
		}
	}
	return false
}

// Reset clears all resilience state for a provider. Intended for
// operational recovery, not request paths.
func (o *Orchestrator) Reset(providerName string) {
	o.limiter.Reset(providerName)
	o.breaker.Reset(providerName)
	o.keys.Reset(providerName)
}
