// Package keys tracks credential health per provider and rotates to the next
// healthy credential when one is disqualified.
package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// Status represents the health of a single credential
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusFailed      Status = "FAILED"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusUnknown     Status = "UNKNOWN"
)

// Health holds the tracked state of one credential
type Health struct {
	Status            Status    `json:"status"`
	FailureCount      int       `json:"failure_count"`
	SuccessCount      int       `json:"success_count"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	RateLimitedUntil  time.Time `json:"rate_limited_until,omitempty"`
}

// RotationObserver is notified after a rotation. Observers are best-effort:
// a panicking observer is swallowed.
type RotationObserver func(provider string, fromIndex, toIndex int, reason string)

// Config holds key manager configuration
type Config struct {
	// FailureThreshold is the failure count at which a credential is
	// disqualified even without an auth failure
	FailureThreshold int
}

// DefaultConfig returns default key manager configuration
func DefaultConfig() Config {
	return Config{FailureThreshold: 3}
}

// providerKeys holds the ordered credential ring for one provider.
type providerKeys struct {
	mu           sync.Mutex
	credentials  []string
	health       []Health
	currentIndex int
}

// Manager owns credential rings per provider.
type Manager struct {
	config    Config
	providers map[string]*providerKeys
	observers []RotationObserver
	mu        sync.Mutex
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewManager creates a key manager.
func NewManager(config Config, m *metrics.Metrics) *Manager {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Manager{
		config:    config,
		providers: make(map[string]*providerKeys),
		metrics:   m,
		logger:    logging.GetLogger(),
	}
}

// RegisterProvider installs the ordered credential list for a provider,
// replacing any previous registration.
func (km *Manager) RegisterProvider(provider string, credentials []string) {
	health := make([]Health, len(credentials))
	for i := range health {
		health[i] = Health{Status: StatusUnknown}
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.providers[provider] = &providerKeys{
		credentials: append([]string(nil), credentials...),
		health:      health,
	}
}

// AddRotationObserver registers a rotation callback.
func (km *Manager) AddRotationObserver(observer RotationObserver) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.observers = append(km.observers, observer)
}

func (km *Manager) keysFor(provider string) (*providerKeys, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()
	pk, ok := km.providers[provider]
	return pk, ok
}

// usableLocked reports whether the credential at index may serve traffic.
// An expired rate limit window makes the credential usable again.
func (pk *providerKeys) usableLocked(index int, now time.Time) bool {
	h := pk.health[index]
	switch h.Status {
	case StatusActive, StatusUnknown:
		return true
	case StatusRateLimited:
		return !h.RateLimitedUntil.IsZero() && now.After(h.RateLimitedUntil)
	default:
		return false
	}
}

// GetKey returns the credential that should serve the next request. Starting
// at the rotation pointer it scans the ring for the first healthy credential;
// if none is healthy the first credential is returned so the caller can
// surface a terminal auth error instead of stalling.
func (km *Manager) GetKey(provider string) (string, bool) {
	pk, ok := km.keysFor(provider)
	if !ok || len(pk.credentials) == 0 {
		return "", false
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	now := time.Now()
	n := len(pk.credentials)
	for offset := 0; offset < n; offset++ {
		idx := (pk.currentIndex + offset) % n
		if pk.usableLocked(idx, now) {
			if h := &pk.health[idx]; h.Status == StatusRateLimited {
				h.Status = StatusActive
			}
			pk.currentIndex = idx
			return pk.credentials[idx], true
		}
	}

	return pk.credentials[0], true
}

func (pk *providerKeys) indexOfLocked(credential string) int {
	for i, c := range pk.credentials {
		if c == credential {
			return i
		}
	}
	return -1
}

// MarkSuccess records a successful call with the credential.
func (km *Manager) MarkSuccess(provider, credential string) {
	pk, ok := km.keysFor(provider)
	if !ok {
		return
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	idx := pk.indexOfLocked(credential)
	if idx < 0 {
		return
	}
	h := &pk.health[idx]
	h.Status = StatusActive
	h.SuccessCount++
	h.FailureCount = 0
	h.LastFailureReason = ""
}

// MarkFailure records a failed call. An auth failure, or reaching the
// failure threshold, disqualifies the credential and rotates to the next
// healthy one. The returned credential is the new current key; ok is false
// when the provider is unknown or has no credentials.
func (km *Manager) MarkFailure(provider, credential, reason string, isAuthFailure bool) (string, bool) {
	pk, ok := km.keysFor(provider)
	if !ok || len(pk.credentials) == 0 {
		return "", false
	}

	pk.mu.Lock()

	idx := pk.indexOfLocked(credential)
	if idx < 0 {
		pk.mu.Unlock()
		return "", false
	}

	h := &pk.health[idx]
	h.FailureCount++
	h.LastFailureReason = reason

	disqualified := isAuthFailure || h.FailureCount >= km.config.FailureThreshold
	if !disqualified {
		next := pk.credentials[pk.currentIndex]
		pk.mu.Unlock()
		return next, true
	}

	h.Status = StatusFailed
	fromIndex := pk.currentIndex
	toIndex := km.advanceLocked(pk)
	next := pk.credentials[toIndex]
	pk.mu.Unlock()

	rotationReason := reason
	if isAuthFailure {
		rotationReason = "auth_failure"
	}
	if km.metrics != nil {
		km.metrics.RecordKeyRotation(provider, rotationReason)
	}
	km.logger.LogRotationEvent(context.Background(), provider, fromIndex, toIndex, rotationReason)
	km.notifyObservers(provider, fromIndex, toIndex, rotationReason)

	return next, true
}

// MarkRateLimited records that the credential hit a provider-side rate
// limit. With a retryAfter hint the credential becomes usable again once the
// window expires.
func (km *Manager) MarkRateLimited(provider, credential string, retryAfter time.Duration) {
	pk, ok := km.keysFor(provider)
	if !ok {
		return
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	idx := pk.indexOfLocked(credential)
	if idx < 0 {
		return
	}
	h := &pk.health[idx]
	h.Status = StatusRateLimited
	h.LastFailureReason = "rate_limited"
	if retryAfter > 0 {
		h.RateLimitedUntil = time.Now().Add(retryAfter)
	} else {
		h.RateLimitedUntil = time.Time{}
	}
}

// advanceLocked moves the rotation pointer to the next healthy credential in
// ring order, or to the slot after the current one if none is healthy.
// Caller must hold pk.mu.
func (km *Manager) advanceLocked(pk *providerKeys) int {
	n := len(pk.credentials)
	now := time.Now()
	for offset := 1; offset <= n; offset++ {
		idx := (pk.currentIndex + offset) % n
		if pk.usableLocked(idx, now) {
			pk.currentIndex = idx
			return idx
		}
	}
	pk.currentIndex = (pk.currentIndex + 1) % n
	return pk.currentIndex
}

// notifyObservers fires rotation callbacks, swallowing panics so a
// misbehaving observer cannot affect rotation correctness.
func (km *Manager) notifyObservers(provider string, fromIndex, toIndex int, reason string) {
	km.mu.Lock()
	observers := append([]RotationObserver(nil), km.observers...)
	km.mu.Unlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					km.logger.Warn("Rotation observer panicked", "panic", fmt.Sprintf("%v", r))
				}
			}()
			observer(provider, fromIndex, toIndex, reason)
		}()
	}
}

// Reset restores all of a provider's credentials to UNKNOWN and rewinds the
// rotation pointer. Test and ops hook.
func (km *Manager) Reset(provider string) {
	pk, ok := km.keysFor(provider)
	if !ok {
		return
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := range pk.health {
		pk.health[i] = Health{Status: StatusUnknown}
	}
	pk.currentIndex = 0
}

// ProviderSummary is a read-only snapshot of one provider's credential ring.
type ProviderSummary struct {
	CredentialCount int      `json:"credential_count"`
	CurrentIndex    int      `json:"current_index"`
	HealthyCount    int      `json:"healthy_count"`
	Health          []Health `json:"health"`
}

// HealthSummary returns a snapshot of every provider's credential health.
// Credential values themselves are never included.
func (km *Manager) HealthSummary() map[string]ProviderSummary {
	km.mu.Lock()
	providers := make(map[string]*providerKeys, len(km.providers))
	for name, pk := range km.providers {
		providers[name] = pk
	}
	km.mu.Unlock()

	now := time.Now()
	summary := make(map[string]ProviderSummary, len(providers))
	for name, pk := range providers {
		pk.mu.Lock()
		healthy := 0
		health := make([]Health, len(pk.health))
		for i := range pk.health {
			health[i] = pk.health[i]
			if pk.usableLocked(i, now) {
				healthy++
			}
		}
		summary[name] = ProviderSummary{
			CredentialCount: len(pk.credentials),
			CurrentIndex:    pk.currentIndex,
			HealthyCount:    healthy,
			Health:          health,
		}
		pk.mu.Unlock()
	}
	return summary
}
