package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/strategy"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/provider"
)

// stubTransport returns a fixed completion for every call.
type stubTransport struct {
	name    string
	costUSD float64
	fail    error
}

func (s *stubTransport) Name() string {
	return s.name
}

func (s *stubTransport) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.Completion, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return &provider.Completion{
		Content:      "persona sketch from " + s.name,
		InputTokens:  5,
		OutputTokens: 10,
		CostUSD:      s.costUSD,
	}, nil
}

func testOrchestratorConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			RequestsPerMinute:  600,
			ConcurrentRequests: 10,
			InitialBackoff:     time.Millisecond,
			MaxBackoff:         10 * time.Millisecond,
			BackoffMultiplier:  2.0,
		},
		Circuit: config.CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      time.Minute,
		},
		Retry: config.RetryConfig{
			MaxRetries:        1,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
			JitterRange:       0,
		},
		Keys:      config.KeysConfig{FailureThreshold: 3},
		Execution: config.ExecutionConfig{MaxWorkers: 4, CallTimeout: time.Second, PassContext: true},
		Consolidation: config.ConsolidationConfig{
			ClusterThreshold: 0.6,
			MergeThreshold:   0.75,
			MaxGoals:         5,
			MaxPainPoints:    3,
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	orch, err := New(cfg, Options{
		Transports: map[string]provider.Transport{
			"openai":    &stubTransport{name: "openai", costUSD: 0.01},
			"anthropic": &stubTransport{name: "anthropic", costUSD: 0.02},
		},
		Credentials: map[string][]string{
			"openai":    {"sk-test-0", "sk-test-1"},
			"anthropic": {"sk-ant-0"},
		},
	})
	require.NoError(t, err)
	return orch
}

func TestNew_RequiresConfigAndTransports(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New(testOrchestratorConfig(), Options{})
	assert.Error(t, err)
}

func TestExecute_ParallelAcrossProviders(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	result, err := orch.Execute(context.Background(), strategy.ModeParallel, strategy.Request{
		Prompt: "generate personas",
		Models: []provider.ModelSpec{
			{Provider: "openai", Model: "gpt-test"},
			{Provider: "anthropic", Model: "claude-test"},
		},
	})

	require.NoError(t, err)
	require.Len(t, result.ModelOutputs, 2)
	assert.True(t, result.ModelOutputs[0].Success)
	assert.True(t, result.ModelOutputs[1].Success)
	assert.InDelta(t, 0.03, result.TotalCostUSD, 1e-9)
}

func TestExecute_RejectsEmptyModelList(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	_, err := orch.Execute(context.Background(), strategy.ModeParallel, strategy.Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestExecute_RejectsUnknownProvider(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	_, err := orch.Execute(context.Background(), strategy.ModeParallel, strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{{Provider: "missing", Model: "m"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestExecute_RejectsUnknownMode(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	_, err := orch.Execute(context.Background(), strategy.Mode("oracle"), strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{{Provider: "openai", Model: "m"}},
	})
	assert.Error(t, err)
}

func TestExecute_BudgetLimitBlocksFurtherSpend(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Budget.DailyLimitUSD = 0.02
	orch := newTestOrchestrator(t, cfg)

	req := strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{
			{Provider: "openai", Model: "m"},
			{Provider: "anthropic", Model: "m"},
		},
	}

	_, err := orch.Execute(context.Background(), strategy.ModeParallel, req)
	require.NoError(t, err)

	// The first run spent past the daily limit; the next one is rejected.
	_, err = orch.Execute(context.Background(), strategy.ModeParallel, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUDGET_EXCEEDED")
}

func TestExecute_SequentialMode(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	result, err := orch.Execute(context.Background(), strategy.ModeSequential, strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{
			{Provider: "openai", Model: "m"},
			{Provider: "anthropic", Model: "m"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, strategy.ModeSequential, result.ExecutionMode)
	assert.Len(t, result.ModelOutputs, 2)
}

func TestStatus_CoversAllSubsystems(t *testing.T) {
	orch := newTestOrchestrator(t, testOrchestratorConfig())

	_, err := orch.Execute(context.Background(), strategy.ModeParallel, strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{{Provider: "openai", Model: "m"}},
	})
	require.NoError(t, err)

	status := orch.Status()
	assert.Contains(t, status.RateLimits, "openai")
	assert.Contains(t, status.Circuits, "openai")
	assert.Contains(t, status.Keys, "openai")
	assert.Equal(t, 2, status.Keys["openai"].CredentialCount)
	assert.InDelta(t, 0.01, status.Budget.Daily.SpentUSD, 1e-9)
}

func TestHealthy_ReflectsCircuitState(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Circuit.FailureThreshold = 1
	orch, err := New(cfg, Options{
		Transports: map[string]provider.Transport{
			"flaky": &stubTransport{name: "flaky", fail: &provider.Error{Provider: "flaky", StatusCode: 503, Message: "down"}},
		},
		Credentials: map[string][]string{"flaky": {"k"}},
	})
	require.NoError(t, err)

	assert.True(t, orch.Healthy())

	_, _ = orch.Execute(context.Background(), strategy.ModeParallel, strategy.Request{
		Prompt: "p",
		Models: []provider.ModelSpec{{Provider: "flaky", Model: "m"}},
	})

	assert.False(t, orch.Healthy())

	orch.Reset("flaky")
	assert.True(t, orch.Healthy())
}
