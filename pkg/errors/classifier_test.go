package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{408, KindNetworkTimeout},
		{413, KindContextTooLong},
		{429, KindRateLimit},
		{400, KindBadRequest},
		{422, KindBadRequest},
		{500, KindServerError},
		{502, KindServerError},
		{529, KindServerError},
		{0, KindUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, c.ClassifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestClassify_MessageHeuristics(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"rate limit exceeded, retry later", KindRateLimit},
		{"too many requests", KindRateLimit},
		{"maximum context length is 8192 tokens", KindContextTooLong},
		{"invalid api key provided", KindAuthFailure},
		{"request timed out after 30s", KindNetworkTimeout},
		{"dial tcp: connection refused", KindConnection},
		{"upstream returned 503 service unavailable", KindServerError},
		{"invalid request: missing model field", KindBadRequest},
		{"a completely novel failure", KindUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(stderrors.New(tc.msg)), "msg %q", tc.msg)
	}
}

func TestClassify_RateLimitWinsOverTimeoutMention(t *testing.T) {
	c := NewClassifier()

	// Provider 429 bodies frequently mention waiting and timeouts too.
	err := stderrors.New("rate limit exceeded: request timed out waiting for quota")
	assert.Equal(t, KindRateLimit, c.Classify(err))
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, KindNetworkTimeout, c.Classify(context.DeadlineExceeded))
	assert.Equal(t, KindNetworkTimeout, c.Classify(fmt.Errorf("calling provider: %w", context.DeadlineExceeded)))
}

func TestClassify_KeepsExistingKind(t *testing.T) {
	c := NewClassifier()

	err := NewRateLimitError("openai")
	assert.Equal(t, KindRateLimit, c.Classify(err))

	wrapped := fmt.Errorf("outer: %w", NewAuthFailureError("openai"))
	assert.Equal(t, KindAuthFailure, c.Classify(wrapped))
}

func TestClassify_NilError(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, KindUnknown, c.Classify(nil))
}

func TestIsRetryableKind(t *testing.T) {
	assert.True(t, IsRetryableKind(KindNetworkTimeout))
	assert.True(t, IsRetryableKind(KindRateLimit))
	assert.True(t, IsRetryableKind(KindServerError))
	assert.True(t, IsRetryableKind(KindConnection))

	assert.False(t, IsRetryableKind(KindAuthFailure))
	assert.False(t, IsRetryableKind(KindBadRequest))
	assert.False(t, IsRetryableKind(KindContextTooLong))
	assert.False(t, IsRetryableKind(KindUnknown))
}

func TestWrappers_RetryableAndPermanent(t *testing.T) {
	base := NewServerError("openai", "boom")

	retryable := NewRetryable(base)
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsPermanent(retryable))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", retryable)))

	permanent := NewPermanent(base)
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsRetryable(permanent))
}

func TestOrchestrationError_BuilderAndUnwrap(t *testing.T) {
	cause := stderrors.New("underlying")
	err := NewError(KindServerError, "UPSTREAM_DOWN", "provider is down").
		WithCause(cause).
		WithSuggestion("try again later").
		WithDetail("provider", "openai")

	assert.Equal(t, KindServerError, GetKind(err))
	assert.Equal(t, "UPSTREAM_DOWN", GetCode(err))
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "provider is down")
	assert.Equal(t, "openai", err.Details["provider"])
}

func TestGetRetryAfter(t *testing.T) {
	err := NewRateLimitError("openai").WithRetryAfter(42)
	assert.Equal(t, int64(42), int64(GetRetryAfter(err)))

	assert.Zero(t, GetRetryAfter(stderrors.New("plain")))
}
