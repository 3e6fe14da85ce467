package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	m := NewManager(Config{FailureThreshold: 3}, nil)
	m.RegisterProvider("openai", []string{"key-0", "key-1", "key-2"})
	return m
}

func TestManager_GetKeyStartsAtFirstCredential(t *testing.T) {
	m := newTestManager()

	key, ok := m.GetKey("openai")
	require.True(t, ok)
	assert.Equal(t, "key-0", key)
}

func TestManager_UnknownProvider(t *testing.T) {
	m := newTestManager()

	_, ok := m.GetKey("nonexistent")
	assert.False(t, ok)
}

func TestManager_AuthFailureRotatesImmediately(t *testing.T) {
	m := newTestManager()

	next, ok := m.MarkFailure("openai", "key-0", "401 unauthorized", true)
	require.True(t, ok)
	assert.Equal(t, "key-1", next)

	// The rotation is sticky: every subsequent GetKey returns key-1.
	for i := 0; i < 5; i++ {
		key, ok := m.GetKey("openai")
		require.True(t, ok)
		assert.Equal(t, "key-1", key)
	}
}

func TestManager_ThresholdFailuresDisqualify(t *testing.T) {
	m := newTestManager()

	next, _ := m.MarkFailure("openai", "key-0", "503", false)
	assert.Equal(t, "key-0", next)
	next, _ = m.MarkFailure("openai", "key-0", "503", false)
	assert.Equal(t, "key-0", next)

	// Third failure reaches the threshold and rotates.
	next, _ = m.MarkFailure("openai", "key-0", "503", false)
	assert.Equal(t, "key-1", next)
}

func TestManager_SuccessResetsFailureCount(t *testing.T) {
	m := newTestManager()

	m.MarkFailure("openai", "key-0", "503", false)
	m.MarkFailure("openai", "key-0", "503", false)
	m.MarkSuccess("openai", "key-0")
	m.MarkFailure("openai", "key-0", "503", false)

	key, _ := m.GetKey("openai")
	assert.Equal(t, "key-0", key)
}

func TestManager_AllFailedFallsBackToFirst(t *testing.T) {
	m := newTestManager()

	m.MarkFailure("openai", "key-0", "401", true)
	m.MarkFailure("openai", "key-1", "401", true)
	m.MarkFailure("openai", "key-2", "401", true)

	// Nothing healthy remains; the first credential is handed out so the
	// caller surfaces a terminal auth error instead of stalling.
	key, ok := m.GetKey("openai")
	require.True(t, ok)
	assert.Equal(t, "key-0", key)
}

func TestManager_RateLimitedCredentialRecoversAfterWindow(t *testing.T) {
	m := newTestManager()

	m.MarkRateLimited("openai", "key-0", 20*time.Millisecond)

	key, _ := m.GetKey("openai")
	assert.Equal(t, "key-1", key)

	time.Sleep(30 * time.Millisecond)
	m.Reset("openai")
	m.MarkRateLimited("openai", "key-0", 20*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	// The window expired, so key-0 serves again.
	key, _ = m.GetKey("openai")
	assert.Equal(t, "key-0", key)
}

func TestManager_RateLimitedWithoutHintStaysOut(t *testing.T) {
	m := newTestManager()

	m.MarkRateLimited("openai", "key-0", 0)
	time.Sleep(10 * time.Millisecond)

	// No retry hint means no automatic recovery.
	key, _ := m.GetKey("openai")
	assert.Equal(t, "key-1", key)
}

func TestManager_ObserversAreNotifiedOnRotation(t *testing.T) {
	m := newTestManager()

	type rotation struct {
		provider string
		from, to int
		reason   string
	}
	var rotations []rotation
	m.AddRotationObserver(func(provider string, fromIndex, toIndex int, reason string) {
		rotations = append(rotations, rotation{provider, fromIndex, toIndex, reason})
	})

	m.MarkFailure("openai", "key-0", "401 unauthorized", true)

	require.Len(t, rotations, 1)
	assert.Equal(t, rotation{"openai", 0, 1, "auth_failure"}, rotations[0])
}

func TestManager_PanickingObserverDoesNotBreakRotation(t *testing.T) {
	m := newTestManager()

	var called bool
	m.AddRotationObserver(func(provider string, fromIndex, toIndex int, reason string) {
		panic("observer bug")
	})
	m.AddRotationObserver(func(provider string, fromIndex, toIndex int, reason string) {
		called = true
	})

	next, ok := m.MarkFailure("openai", "key-0", "401", true)
	require.True(t, ok)
	assert.Equal(t, "key-1", next)
	assert.True(t, called)
}

func TestManager_ResetRestoresRing(t *testing.T) {
	m := newTestManager()

	m.MarkFailure("openai", "key-0", "401", true)
	m.Reset("openai")

	key, _ := m.GetKey("openai")
	assert.Equal(t, "key-0", key)

	summary := m.HealthSummary()["openai"]
	assert.Equal(t, 3, summary.HealthyCount)
	assert.Equal(t, 0, summary.CurrentIndex)
}

func TestManager_HealthSummaryNeverExposesCredentials(t *testing.T) {
	m := newTestManager()
	m.MarkFailure("openai", "key-0", "401 with key key-0 embedded", true)

	summary := m.HealthSummary()["openai"]
	assert.Equal(t, 3, summary.CredentialCount)
	assert.Equal(t, 2, summary.HealthyCount)
	assert.Equal(t, StatusFailed, summary.Health[0].Status)
	assert.Equal(t, 1, summary.CurrentIndex)
}
