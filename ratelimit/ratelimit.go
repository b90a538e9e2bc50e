// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package ratelimit provides a keyed token bucket for admission control.
// Each key owns a bucket of capacity C refilled at C/window tokens per
// second; idle buckets are swept to bound memory.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"golang.org/x/time/rate"
)

// defaultSweepInterval is how often the background sweeper looks for idle
// buckets to release.
const defaultSweepInterval = time.Minute

var windowRe = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// ParseWindow resolves a window string such as "30s", "5m", "1h" or "1d" to
// seconds.
func ParseWindow(window string) (int64, error) {
	m := windowRe.FindStringSubmatch(window)
	if m == nil {
		return 0, fmt.Errorf("invalid window %q: expected <number>(s|m|h|d)", window)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window %q", window)
	}

	switch m[2] {
	case "m":
		n *= 60
	case "h":
		n *= 3600
	case "d":
		n *= 86400
	}
	return n, nil
}

// Result reports the outcome of a Consume call.
type Result struct {
	Allowed bool

	// RetryAfter is the suggested client wait before retrying, rounded up
	// to whole seconds. Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is a keyed token bucket limiter.
type Limiter struct {
	capacity      int
	windowSeconds int64
	refillRate    rate.Limit

	lock    sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter allowing capacity requests per window.
func New(capacity int, windowSeconds int64) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d", windowSeconds)
	}

	return &Limiter{
		capacity:      capacity,
		windowSeconds: windowSeconds,
		refillRate:    rate.Limit(float64(capacity) / float64(windowSeconds)),
		buckets:       make(map[string]*bucket),
	}, nil
}

// Consume attempts to take one token from the bucket owned by key.
func (l *Limiter) Consume(key string) Result {
	l.lock.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.refillRate, l.capacity)}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()
	l.lock.Unlock()

	res := b.limiter.Reserve()
	if !res.OK() {
		metrics.IncrCounter([]string{"ratelimit", "denied"}, 1)
		return Result{Allowed: false, RetryAfter: time.Duration(l.windowSeconds) * time.Second}
	}

	if delay := res.Delay(); delay > 0 {
		// Not enough tokens; hand the reservation back rather than wait.
		res.Cancel()
		metrics.IncrCounter([]string{"ratelimit", "denied"}, 1)
		retry := time.Duration(math.Ceil(delay.Seconds())) * time.Second
		return Result{Allowed: false, RetryAfter: retry}
	}

	metrics.IncrCounter([]string{"ratelimit", "allowed"}, 1)
	return Result{Allowed: true}
}

// Run starts the idle bucket sweeper and blocks until the context is
// canceled. It should be run via a go-routine.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops buckets which have refilled to capacity, i.e. have been idle
// for at least a full window.
func (l *Limiter) sweep(now time.Time) {
	idleAfter := time.Duration(l.windowSeconds) * time.Second

	l.lock.Lock()
	defer l.lock.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) >= idleAfter && b.limiter.TokensAt(now) >= float64(l.capacity) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the current number of tracked buckets.
func (l *Limiter) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.buckets)
}
