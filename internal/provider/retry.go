package provider

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// RetryKind classifies a provider error for the Agent Loop's retry
// policy, per spec.md §4.3. There is no teacher precedent for this
// classifier (the teacher's newRetryBackoff in internal/session/loop.go
// retries uniformly without distinguishing transient from permanent);
// this is authored fresh against the spec, reusing the teacher's
// exponential-backoff shape.
type RetryKind string

const (
	Transient RetryKind = "transient"
	Permanent RetryKind = "permanent"
)

// transientMarkers and permanentMarkers are substring patterns checked
// case-insensitively against an error's rendered text/code. Order
// doesn't matter: when both a transient and a permanent marker are
// present, Permanent always wins (testable property #6).
var transientMarkers = []string{
	"rate limit", "rate_limit", "ratelimit",
	"429",
	"500", "502", "503", "504",
	"connection reset", "connection refused", "econnreset",
	"timeout", "timed out",
	"server error", "internal server error", "overloaded",
	"temporarily unavailable",
}

var permanentMarkers = []string{
	"context length", "context_length", "maximum context",
	"too many tokens", "token limit", "prompt is too long",
	"authentication", "unauthorized", "invalid api key", "invalid_api_key",
	"forbidden", "permission denied",
	"content filter", "content_filter",
}

// ClassifyError inspects a rendered error message and/or a provider
// error code and returns Transient or Permanent. Permanent wins when
// markers of both kinds are present.
func ClassifyError(message string, code string) RetryKind {
	haystack := strings.ToLower(message + " " + code)

	permanent := containsAny(haystack, permanentMarkers)
	if permanent {
		return Permanent
	}
	if containsAny(haystack, transientMarkers) {
		return Transient
	}
	// Unrecognized errors default to transient: retrying costs a
	// bounded number of attempts, while treating a recoverable error
	// as permanent would strand the session in error state needlessly.
	return Transient
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func classifyProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	code := ""
	// Some SDKs embed an HTTP status as a bare number in the message;
	// pull it out so ClassifyError's code-aware markers also fire when
	// the message itself doesn't spell out "429"/"503" in words.
	for _, tok := range strings.Fields(msg) {
		if _, convErr := strconv.Atoi(tok); convErr == nil && len(tok) == 3 {
			code = tok
			break
		}
	}
	return &ProviderError{Message: msg, Code: code, Kind: ClassifyError(msg, code)}
}

// Backoff parameters, per spec.md §4.3: delay = min(max_ms, base_ms *
// 2^(attempt-1)). attempt is 1-indexed (the first retry is attempt 1).
const (
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// RetryDelay computes the backoff delay for the given 1-indexed retry
// attempt using base and max delays; if either is zero the package
// defaults are used. A successful stream segment resets the caller's
// attempt counter back to zero (not modeled here — that's the Agent
// Loop's responsibility).
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * mult)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
