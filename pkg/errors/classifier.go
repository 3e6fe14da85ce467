package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classifier maps raw provider failures to an ErrorKind. It first trusts an
// HTTP status code when one is present and falls back to message heuristics.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// ClassifyStatus maps an HTTP status code to an ErrorKind. A zero status means
// no HTTP response was received at all.
func (c *Classifier) ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthFailure
	case status == 408:
		return KindNetworkTimeout
	case status == 429:
		return KindRateLimit
	case status == 413:
		return KindContextTooLong
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary error to an ErrorKind. Already-classified
// orchestration errors keep their kind.
func (c *Classifier) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var oe *OrchestrationError
	if errors.As(err, &oe) && oe.Kind != KindUnknown {
		return oe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindConnection
	}

	return c.classifyMessage(err.Error())
}

// classifyMessage applies ordered substring heuristics. Rate limit wins over
// timeout because provider 429 bodies frequently mention both.
func (c *Classifier) classifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)

	switch {
	case containsAny(m, "rate limit", "too many requests", "quota exceeded", "429"):
		return KindRateLimit
	case containsAny(m, "context length", "context_length", "maximum context", "prompt is too long", "too many tokens"):
		return KindContextTooLong
	case containsAny(m, "unauthorized", "invalid api key", "invalid x-api-key", "authentication", "permission denied", "forbidden", "401", "403"):
		return KindAuthFailure
	case containsAny(m, "timeout", "timed out", "deadline exceeded"):
		return KindNetworkTimeout
	case containsAny(m, "connection refused", "connection reset", "no such host", "broken pipe", "eof"):
		return KindConnection
	case containsAny(m, "internal server error", "bad gateway", "service unavailable", "overloaded", "500", "502", "503", "529"):
		return KindServerError
	case containsAny(m, "invalid request", "bad request", "validation", "400"):
		return KindBadRequest
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
