// SPDX-License-Identifier: GPL-3.0-or-later

// Package ratelimit provides a rate limiter addons can use when calling
// external APIs (spec §7 "Rate-limit errors... caught and applied to the
// relevant limiter's backoff").
package ratelimit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/obslog"
)

// Limiter is the common interface every rate limiter strategy implements.
type Limiter interface {
	// CanCall reports whether a call may proceed now, and a message to
	// surface to the caller when it may not.
	CanCall() (bool, string)
	// Reset clears any accumulated backoff.
	Reset()
	// TriggerLimit records that a call was rejected upstream (e.g. HTTP 429)
	// and the backoff should grow.
	TriggerLimit()
}

// ExponentialBackoffRateLimiter doubles its wait window on every
// [TriggerLimit] up to MaxWait, and resets to BaseWait on [Reset] (spec §9
// supplemented feature, grounded on the source's ExponentialBackoffRateLimiter).
type ExponentialBackoffRateLimiter struct {
	mu sync.Mutex

	source        string
	baseWait      time.Duration
	maxWait       time.Duration
	backoffFactor float64
	jitterFactor  float64
	currentWait   time.Duration
	nextAllowed   time.Time
	now           func() time.Time
	logger        obslog.SLogger
}

// Config tunes an [ExponentialBackoffRateLimiter].
type Config struct {
	Source        string
	BaseWait      time.Duration
	MaxWait       time.Duration
	BackoffFactor float64
	// JitterFactor adds a random uniform(1, 1+JitterFactor) multiplier to
	// every [TriggerLimit] growth step, matching the source's
	// jitter_factor = 0.1 applied around its own ExponentialBackoffRateLimiter
	// in event.py's broadcast consumer loop. Zero disables jitter.
	JitterFactor float64
	Logger       obslog.SLogger
}

// NewConfig returns the source's defaults: 60s base wait, 600s max, factor 2,
// no jitter.
func NewConfig(source string) Config {
	return Config{
		Source:        source,
		BaseWait:      60 * time.Second,
		MaxWait:       600 * time.Second,
		BackoffFactor: 2,
		Logger:        obslog.DefaultSLogger(),
	}
}

// New constructs an [ExponentialBackoffRateLimiter] from cfg.
func New(cfg Config) *ExponentialBackoffRateLimiter {
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.DefaultSLogger()
	}
	return &ExponentialBackoffRateLimiter{
		source:        cfg.Source,
		baseWait:      cfg.BaseWait,
		maxWait:       cfg.MaxWait,
		backoffFactor: cfg.BackoffFactor,
		jitterFactor:  cfg.JitterFactor,
		currentWait:   cfg.BaseWait,
		now:           time.Now,
		logger:        cfg.Logger,
	}
}

// Wait reports the current backoff window, for callers that schedule their
// own retry timer around this limiter instead of calling CanCall in a loop.
func (l *ExponentialBackoffRateLimiter) Wait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentWait
}

var _ Limiter = (*ExponentialBackoffRateLimiter)(nil)

// CanCall reports whether a call may proceed now.
func (l *ExponentialBackoffRateLimiter) CanCall() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.After(l.nextAllowed) || now.Equal(l.nextAllowed) {
		return true, ""
	}
	wait := l.nextAllowed.Sub(now)
	msg := l.format("rate limited, skipping call; allowed again in " + wait.String())
	l.logger.Info(msg, "source", l.source)
	return false, msg
}

// Reset clears the backoff window to BaseWait, called by a caller after a
// successful upstream call (the source's "reset_on_success" convention).
func (l *ExponentialBackoffRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextAllowed = time.Time{}
	l.currentWait = l.baseWait
}

// TriggerLimit records a rejected call and doubles the wait window, capped at MaxWait.
func (l *ExponentialBackoffRateLimiter) TriggerLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.nextAllowed = now.Add(l.currentWait)
	jitter := 1.0
	if l.jitterFactor > 0 {
		jitter += rand.Float64() * l.jitterFactor
	}
	next := time.Duration(float64(l.currentWait) * l.backoffFactor * jitter)
	if next > l.maxWait {
		next = l.maxWait
	}
	l.currentWait = next
	l.logger.Warn(l.format("rate limit triggered"), "source", l.source, "wait", l.currentWait)
}

func (l *ExponentialBackoffRateLimiter) format(msg string) string {
	if l.source == "" {
		return msg
	}
	return "[" + l.source + "] " + msg
}
