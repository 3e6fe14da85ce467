package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          8 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterRange:       0,
	}
}

func TestStrategy_ShouldRetryHonorsBudget(t *testing.T) {
	s := NewStrategy(fastConfig())

	assert.True(t, s.ShouldRetry(errors.KindServerError, 0))
	assert.True(t, s.ShouldRetry(errors.KindServerError, 2))
	assert.False(t, s.ShouldRetry(errors.KindServerError, 3))
}

func TestStrategy_ShouldRetryHonorsKind(t *testing.T) {
	s := NewStrategy(fastConfig())

	assert.True(t, s.ShouldRetry(errors.KindNetworkTimeout, 0))
	assert.True(t, s.ShouldRetry(errors.KindRateLimit, 0))
	assert.True(t, s.ShouldRetry(errors.KindConnection, 0))
	assert.False(t, s.ShouldRetry(errors.KindAuthFailure, 0))
	assert.False(t, s.ShouldRetry(errors.KindBadRequest, 0))
	assert.False(t, s.ShouldRetry(errors.KindContextTooLong, 0))
	assert.False(t, s.ShouldRetry(errors.KindUnknown, 0))
}

func TestStrategy_DelayGrowsExponentiallyAndCaps(t *testing.T) {
	s := NewStrategy(fastConfig())

	assert.Equal(t, 1*time.Millisecond, s.Delay(0, 0))
	assert.Equal(t, 2*time.Millisecond, s.Delay(1, 0))
	assert.Equal(t, 4*time.Millisecond, s.Delay(2, 0))
	assert.Equal(t, 8*time.Millisecond, s.Delay(3, 0))
	// Capped at MaxDelay from here on.
	assert.Equal(t, 8*time.Millisecond, s.Delay(10, 0))
}

func TestStrategy_RetryAfterOverridesBackoff(t *testing.T) {
	s := NewStrategy(fastConfig())

	assert.Equal(t, 42*time.Millisecond, s.Delay(0, 42*time.Millisecond))
	assert.Equal(t, 42*time.Millisecond, s.Delay(5, 42*time.Millisecond))
}

func TestStrategy_JitterStaysWithinRange(t *testing.T) {
	cfg := fastConfig()
	cfg.JitterRange = 0.25
	s := NewStrategy(cfg)

	base := float64(2 * time.Millisecond)
	for i := 0; i < 100; i++ {
		d := float64(s.Delay(1, 0))
		assert.GreaterOrEqual(t, d, base*0.75)
		assert.LessOrEqual(t, d, base*1.25)
	}
}

func TestExecutor_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	result, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	result, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.NewServerError("openai", "upstream 503")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestExecutor_ExhaustionMakesExactlyMaxRetriesPlusOneAttempts(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	_, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.NewServerError("openai", "upstream 503")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, errors.IsPermanent(err))
	assert.Equal(t, "RETRIES_EXHAUSTED", errors.GetCode(err))
	assert.NotEmpty(t, errors.GetKind(err))

	var perm *errors.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.NotEmpty(t, perm.Suggestion)
}

func TestExecutor_NonRetryableFailsImmediately(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	_, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.NewBadRequestError("malformed prompt")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsPermanent(err))
	assert.Equal(t, "PERMANENT_FAILURE", errors.GetCode(err))
}

func TestExecutor_UnknownErrorsAreNotRetried(t *testing.T) {
	e := NewExecutor(fastConfig(), nil)

	calls := 0
	_, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, fmt.Errorf("something entirely novel happened")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errors.KindUnknown, errors.GetKind(err))
}

func TestExecutor_ContextCancelStopsRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = 100 * time.Millisecond
	e := NewExecutor(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.NewServerError("openai", "upstream 503")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsPermanent(err))
}

func TestExecutor_RetryAfterHintDrivesDelay(t *testing.T) {
	var delays []time.Duration
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	e := NewExecutor(cfg, nil)

	calls := 0
	_, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.NewRateLimitError("openai").WithRetryAfter(5 * time.Millisecond)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, 5*time.Millisecond, delays[0])
}

func TestExecutor_PanickingObserverDoesNotAbortRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		panic("observer bug")
	}
	e := NewExecutor(cfg, nil)

	calls := 0
	result, err := e.Execute(context.Background(), "openai", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.NewServerError("openai", "upstream 502")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}
