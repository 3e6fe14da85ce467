// Package ratelimit implements a per-provider token bucket with a concurrency
// cap and mandatory backoff windows driven by provider 429 responses.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// maxWaitChunk bounds a single wait so cancellation is observed promptly.
const maxWaitChunk = time.Second

// Config holds token bucket configuration, shared by all providers unless a
// per-provider override is registered.
type Config struct {
	RequestsPerMinute  int
	ConcurrentRequests int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
}

// DefaultConfig returns default rate limiter configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:  60,
		ConcurrentRequests: 5,
		InitialBackoff:     time.Second,
		MaxBackoff:         time.Minute,
		BackoffMultiplier:  2.0,
	}
}

// providerState is the bucket for a single provider. All fields are guarded
// by mu except the semaphore, which has its own synchronization.
type providerState struct {
	mu              sync.Mutex
	availableTokens float64
	capacity        float64
	refillRate      float64 // tokens per second
	lastRefill      time.Time
	pendingRequests int
	backoffUntil    time.Time
	currentBackoff  time.Duration
	requestsServed  int64
	tokensRecorded  int64
	sem             *semaphore.Weighted
}

// Limiter coordinates request admission across providers. Provider state is
// created lazily on first use and lives for the process lifetime.
type Limiter struct {
	config    Config
	overrides map[string]Config
	providers map[string]*providerState
	mu        sync.Mutex
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewLimiter creates a rate limiter with the given shared configuration.
func NewLimiter(config Config, m *metrics.Metrics) *Limiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if config.ConcurrentRequests <= 0 {
		config.ConcurrentRequests = DefaultConfig().ConcurrentRequests
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}

	return &Limiter{
		config:    config,
		overrides: make(map[string]Config),
		providers: make(map[string]*providerState),
		metrics:   m,
		logger:    logging.GetLogger(),
	}
}

// SetProviderConfig registers a per-provider configuration override. It only
// affects providers whose state has not been created yet.
func (l *Limiter) SetProviderConfig(provider string, config Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[provider] = config
}

func (l *Limiter) state(provider string) *providerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.providers[provider]; ok {
		return s
	}

	cfg := l.config
	if override, ok := l.overrides[provider]; ok {
		// Unset override fields inherit the shared configuration.
		if override.RequestsPerMinute <= 0 {
			override.RequestsPerMinute = cfg.RequestsPerMinute
		}
		if override.ConcurrentRequests <= 0 {
			override.ConcurrentRequests = cfg.ConcurrentRequests
		}
		cfg = override
	}

	s := &providerState{
		availableTokens: float64(cfg.RequestsPerMinute),
		capacity:        float64(cfg.RequestsPerMinute),
		refillRate:      float64(cfg.RequestsPerMinute) / 60.0,
		lastRefill:      time.Now(),
		sem:             semaphore.NewWeighted(int64(cfg.ConcurrentRequests)),
	}
	l.providers[provider] = s
	return s
}

// refillLocked tops up the bucket proportionally to elapsed time. Caller must
// hold s.mu.
func (s *providerState) refillLocked(now time.Time) {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.availableTokens += elapsed * s.refillRate
	if s.availableTokens > s.capacity {
		s.availableTokens = s.capacity
	}
	s.lastRefill = now
}

// Acquire blocks until tokens are available (and the concurrency cap admits
// the request) or ctx is done. It returns the time spent waiting. A caller
// that got a nil error owns one concurrency slot and must call Release.
func (l *Limiter) Acquire(ctx context.Context, provider string, tokens float64) (time.Duration, error) {
	if tokens <= 0 {
		tokens = 1
	}
	s := l.state(provider)
	start := time.Now()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		if l.metrics != nil {
			l.metrics.RecordRateLimitTimeout(provider)
		}
		return time.Since(start), errors.NewRateLimitError(provider).
			WithCause(err).
			WithRetryAfter(l.retryHint(s, tokens))
	}

	for {
		s.mu.Lock()
		now := time.Now()
		s.refillLocked(now)

		var wait time.Duration
		if now.Before(s.backoffUntil) {
			// Mandatory backoff set by an upstream 429 wins over token math.
			wait = s.backoffUntil.Sub(now)
		} else if s.availableTokens >= tokens {
			s.availableTokens -= tokens
			s.pendingRequests++
			s.requestsServed++
			s.mu.Unlock()

			waited := time.Since(start)
			if l.metrics != nil {
				l.metrics.RecordRateLimitWait(provider, waited)
			}
			return waited, nil
		} else {
			needed := tokens - s.availableTokens
			wait = time.Duration(needed / s.refillRate * float64(time.Second))
		}
		s.mu.Unlock()

		if wait > maxWaitChunk {
			wait = maxWaitChunk
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.sem.Release(1)
			if l.metrics != nil {
				l.metrics.RecordRateLimitTimeout(provider)
			}
			return time.Since(start), errors.NewRateLimitError(provider).
				WithCause(ctx.Err()).
				WithRetryAfter(l.retryHint(s, tokens))
		case <-timer.C:
		}
	}
}

// retryHint estimates how long a caller should wait before trying again.
func (l *Limiter) retryHint(s *providerState, tokens float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	hint := time.Duration(0)
	if now.Before(s.backoffUntil) {
		hint = s.backoffUntil.Sub(now)
	}
	if s.availableTokens < tokens {
		needed := tokens - s.availableTokens
		tokenWait := time.Duration(needed / s.refillRate * float64(time.Second))
		if tokenWait > hint {
			hint = tokenWait
		}
	}
	return hint
}

// Release returns the concurrency slot acquired by a successful Acquire.
func (l *Limiter) Release(provider string) {
	s := l.state(provider)

	s.mu.Lock()
	if s.pendingRequests > 0 {
		s.pendingRequests--
	}
	s.mu.Unlock()

	s.sem.Release(1)
}

// RecordTokens accounts for the model tokens a completed call consumed.
func (l *Limiter) RecordTokens(provider string, used int) {
	s := l.state(provider)
	s.mu.Lock()
	s.tokensRecorded += int64(used)
	s.mu.Unlock()
}

// RecordRateLimitResponse registers an upstream 429. An explicit retryAfter
// sets the mandatory backoff directly; otherwise the current backoff grows
// exponentially up to MaxBackoff.
func (l *Limiter) RecordRateLimitResponse(provider string, retryAfter time.Duration) {
	cfg := l.config
	l.mu.Lock()
	if override, ok := l.overrides[provider]; ok {
		if override.InitialBackoff > 0 {
			cfg.InitialBackoff = override.InitialBackoff
		}
		if override.MaxBackoff > 0 {
			cfg.MaxBackoff = override.MaxBackoff
		}
		if override.BackoffMultiplier > 1 {
			cfg.BackoffMultiplier = override.BackoffMultiplier
		}
	}
	l.mu.Unlock()

	s := l.state(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	if retryAfter > 0 {
		s.currentBackoff = retryAfter
	} else if s.currentBackoff == 0 {
		s.currentBackoff = cfg.InitialBackoff
	} else {
		s.currentBackoff = time.Duration(float64(s.currentBackoff) * cfg.BackoffMultiplier)
	}
	if s.currentBackoff > cfg.MaxBackoff {
		s.currentBackoff = cfg.MaxBackoff
	}
	s.backoffUntil = time.Now().Add(s.currentBackoff)

	l.logger.Warn("Provider rate limit response recorded",
		"provider", provider,
		"backoff", s.currentBackoff.String(),
	)
}

// RecordSuccess clears the mandatory backoff escalation after a clean call.
func (l *Limiter) RecordSuccess(provider string) {
	s := l.state(provider)
	s.mu.Lock()
	s.currentBackoff = 0
	s.mu.Unlock()
}

// Reset discards the state of one provider. Test and ops hook.
func (l *Limiter) Reset(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.providers, provider)
}

// ResetAll discards all provider state.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers = make(map[string]*providerState)
}

// ProviderStatus is a read-only snapshot of one provider's bucket.
type ProviderStatus struct {
	AvailableTokens float64       `json:"available_tokens"`
	Capacity        float64       `json:"capacity"`
	PendingRequests int           `json:"pending_requests"`
	BackoffActive   bool          `json:"backoff_active"`
	CurrentBackoff  time.Duration `json:"current_backoff"`
	RequestsServed  int64         `json:"requests_served"`
	TokensRecorded  int64         `json:"tokens_recorded"`
}

// Status returns a snapshot of every provider's bucket.
func (l *Limiter) Status() map[string]ProviderStatus {
	l.mu.Lock()
	providers := make(map[string]*providerState, len(l.providers))
	for name, s := range l.providers {
		providers[name] = s
	}
	l.mu.Unlock()

	status := make(map[string]ProviderStatus, len(providers))
	for name, s := range providers {
		s.mu.Lock()
		s.refillLocked(time.Now())
		status[name] = ProviderStatus{
			AvailableTokens: s.availableTokens,
			Capacity:        s.capacity,
			PendingRequests: s.pendingRequests,
			BackoffActive:   time.Now().Before(s.backoffUntil),
			CurrentBackoff:  s.currentBackoff,
			RequestsServed:  s.requestsServed,
			TokensRecorded:  s.tokensRecorded,
		}
		s.mu.Unlock()
	}
	return status
}
