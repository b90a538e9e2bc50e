// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workerpool

import (
	"sync/atomic"
	"time"
)

// poolCounters are the monotonically increasing pool statistics. They are
// updated with atomics so the hot path never contends on the pool lock for
// bookkeeping.
type poolCounters struct {
	hits        int64
	misses      int64
	evictions   int64
	created     int64
	failed      int64
	requests    int64
	durationSum int64 // nanoseconds
}

func (c *poolCounters) cacheHit()      { atomic.AddInt64(&c.hits, 1) }
func (c *poolCounters) cacheMiss()     { atomic.AddInt64(&c.misses, 1) }
func (c *poolCounters) eviction()      { atomic.AddInt64(&c.evictions, 1) }
func (c *poolCounters) workerCreated() { atomic.AddInt64(&c.created, 1) }
func (c *poolCounters) workerFailed()  { atomic.AddInt64(&c.failed, 1) }

func (c *poolCounters) observeRequest(d time.Duration) {
	atomic.AddInt64(&c.requests, 1)
	atomic.AddInt64(&c.durationSum, int64(d))
}

// PoolMetrics is a point-in-time snapshot of pool statistics. Every
// dispatch is either a cache hit or a cache miss, so HitCount plus
// MissCount equals the number of admitted dispatches.
type PoolMetrics struct {
	CacheHitCount      int64         `json:"cacheHitCount"`
	CacheMissCount     int64         `json:"cacheMissCount"`
	EvictionCount      int64         `json:"evictionCount"`
	WorkersCreated     int64         `json:"workersCreated"`
	WorkersFailed      int64         `json:"workersFailed"`
	RequestCount       int64         `json:"requestCount"`
	AvgRequestDuration time.Duration `json:"avgRequestDuration"`
	PoolSize           int           `json:"poolSize"`
	PoolCapacity       int           `json:"poolCapacity"`
	Workers            []WorkerInfo  `json:"workers"`
}

// WorkerInfo describes one live handle for the metrics surface.
type WorkerInfo struct {
	ID           string    `json:"id"`
	AppDir       string    `json:"appDir"`
	Status       string    `json:"status"`
	Created      time.Time `json:"created"`
	LastUsed     time.Time `json:"lastUsed"`
	RequestCount int       `json:"requestCount"`
}

// Metrics returns a snapshot of pool statistics and the live handle set.
func (p *Pool) Metrics() PoolMetrics {
	m := PoolMetrics{
		CacheHitCount:  atomic.LoadInt64(&p.counters.hits),
		CacheMissCount: atomic.LoadInt64(&p.counters.misses),
		EvictionCount:  atomic.LoadInt64(&p.counters.evictions),
		WorkersCreated: atomic.LoadInt64(&p.counters.created),
		WorkersFailed:  atomic.LoadInt64(&p.counters.failed),
		RequestCount:   atomic.LoadInt64(&p.counters.requests),
		PoolCapacity:   p.size,
	}
	if sum := atomic.LoadInt64(&p.counters.durationSum); m.RequestCount > 0 {
		m.AvgRequestDuration = time.Duration(sum / m.RequestCount)
	}

	p.lock.Lock()
	m.PoolSize = len(p.entries)
	for elem := p.lru.Front(); elem != nil; elem = elem.Next() {
		h := elem.Value.(*Handle)
		h.lock.Lock()
		m.Workers = append(m.Workers, WorkerInfo{
			ID:           h.id,
			AppDir:       h.appDir,
			Status:       h.status.String(),
			Created:      h.created,
			LastUsed:     h.lastUsed,
			RequestCount: h.requestCount,
		})
		h.lock.Unlock()
	}
	p.lock.Unlock()

	return m
}
