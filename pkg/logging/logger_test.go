package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name:    "nil config uses defaults",
			config:  nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func newBufferedLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func parseEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRequestID(ctx, "req-1")

	logger.WithContext(ctx).Info("test message")

	entry := parseEntry(t, buf)
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "test message", entry["message"])
}

func TestLogger_KeyValuePairs(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Info("provider call finished", "provider", "openai", "attempt", 2)

	entry := parseEntry(t, buf)
	assert.Equal(t, "openai", entry["provider"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "provider call finished", entry["message"])
}

func TestLogger_DanglingKeyIsDropped(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Info("message", "provider", "openai", "dangling")

	entry := parseEntry(t, buf)
	assert.Equal(t, "openai", entry["provider"])
	assert.NotContains(t, entry, "dangling")
}

func TestLogger_LogRotationEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.LogRotationEvent(context.Background(), "anthropic", 0, 1, "auth_failure")

	entry := parseEntry(t, buf)
	assert.Equal(t, "key_rotation", entry["event"])
	assert.Equal(t, "anthropic", entry["provider"])
	assert.Equal(t, float64(0), entry["from_index"])
	assert.Equal(t, float64(1), entry["to_index"])
	assert.Equal(t, "auth_failure", entry["reason"])
	assert.Equal(t, "warning", entry["level"])
}

func TestLogger_LogProviderEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.LogProviderEvent(context.Background(), "completion", "openai", "gpt-test", map[string]interface{}{
		"tokens": 42,
	})

	entry := parseEntry(t, buf)
	assert.Equal(t, "completion", entry["event"])
	assert.Equal(t, "openai", entry["provider"])
	assert.Equal(t, "gpt-test", entry["model"])
	assert.Equal(t, float64(42), entry["tokens"])
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	id := NewCorrelationID()
	assert.NotEmpty(t, id)

	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
}

func TestGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetGlobalLogger(original)

	replacement, err := NewLogger(nil)
	require.NoError(t, err)
	SetGlobalLogger(replacement)

	assert.Same(t, replacement, GetLogger())
}
