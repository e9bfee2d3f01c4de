// Package retry decides whether a failed fetch is worth another attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// Defaults for a zero Config.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// retryableStatus lists the HTTP codes treated as transient.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	522:                            true,
	524:                            true,
}

// Config bounds the retry loop. MaxRetries < 0 disables retries.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Policy retries transient failures with jittered exponential backoff.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New builds a Policy, filling zero fields with defaults.
func New(cfg Config) *Policy {
	p := &Policy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}
	if p.maxRetries == 0 {
		p.maxRetries = DefaultMaxRetries
	}
	if p.baseDelay <= 0 {
		p.baseDelay = DefaultBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultMaxDelay
	}
	return p
}

// ShouldRetry reports whether a fetch that failed with status and err on
// attempt (0 for the first try) should be retried. A zero status means the
// request never got a response.
func (p *Policy) ShouldRetry(status int, err error, attempt int) bool {
	if err == nil || p.maxRetries < 0 || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if status == 0 {
		return true
	}
	return retryableStatus[status]
}

// Backoff returns the wait before retry number attempt+1: half the capped
// exponential delay plus up to the same amount of jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return 0
	}
	return half + rand.N(half)
}
