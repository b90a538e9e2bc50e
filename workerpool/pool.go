// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package workerpool maintains the bounded LRU cache of live worker
// processes and dispatches requests to them. Handles are keyed by the
// application directory and the fingerprint of the normalized worker
// config, so a config change naturally drains into a fresh entry.
package workerpool

import (
	"container/list"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/sdk"
)

const (
	// defaultSweepInterval is how often the background sweeper scans for
	// expired idle handles.
	defaultSweepInterval = 10 * time.Second

	// spawnRetryDelay is the pause before the single spawn retry.
	spawnRetryDelay = 250 * time.Millisecond
)

// errBodyTooLarge aborts streaming bodies which exceed the per-app limit
// while being counted.
var errBodyTooLarge = errors.New("request body exceeds the configured limit")

// Config holds the values required to construct a Pool.
type Config struct {
	Logger   hclog.Logger
	Launcher Launcher

	// Size caps the number of live handles. Zero means a default of 8.
	Size int

	SweepInterval time.Duration

	// ShutdownGrace bounds how long Shutdown waits for in-flight requests.
	ShutdownGrace time.Duration
}

// Pool is the bounded worker cache. All cache state is guarded by lock;
// per-handle request serialization happens on the handle itself so the pool
// lock is never held across a forwarded request.
type Pool struct {
	log      hclog.Logger
	launcher Launcher
	size     int
	sweep    time.Duration
	grace    time.Duration

	lock    sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used
	closed  bool

	counters poolCounters
}

// NewPool creates a Pool. Run must be started for idle sweeping.
func NewPool(cfg *Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 8
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	return &Pool{
		log:      cfg.Logger.Named("pool"),
		launcher: cfg.Launcher,
		size:     size,
		sweep:    sweep,
		grace:    grace,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Run starts the background sweeper and blocks until the context is
// canceled. It should be run via a go-routine.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpired(time.Now())
		}
	}
}

// Dispatch forwards the request to a worker for the application, creating
// or recycling a handle as needed, and enforcing the per-request deadline
// and body-size limit from the config.
func (p *Pool) Dispatch(ctx context.Context, appDir string, cfg *manifest.Worker, r *http.Request) (*http.Response, error) {
	if err := enforceBodySize(r, cfg.MaxBodySize); err != nil {
		return nil, err
	}

	start := time.Now()
	key := cacheKey(appDir, Fingerprint(cfg))

	// Every admitted dispatch is observed, failures included, so the cache
	// hit and miss counters always sum to the request total.
	defer func() {
		p.counters.observeRequest(time.Since(start))
		metrics.MeasureSince([]string{"pool", "dispatch_ms"}, start)
	}()

	h, err := p.acquire(ctx, key, appDir, cfg, true)
	if err != nil {
		return nil, err
	}

	return p.serve(ctx, h, key, r)
}

// acquire returns a live handle for the key, spawning a worker on a cache
// miss. Cache hit/miss counters are recorded only when countCache is set so
// internal retries do not skew the hit rate.
func (p *Pool) acquire(ctx context.Context, key, appDir string, cfg *manifest.Worker, countCache bool) (*Handle, error) {
	for attempt := 0; ; attempt++ {
		h, hit, err := p.probe(key, appDir, cfg, countCache && attempt == 0)
		if err != nil {
			return nil, err
		}
		if hit {
			return h, nil
		}

		// Miss: h is a fresh starting handle already inserted into the
		// cache. Spawn outside the pool lock.
		proc, err := p.launcher.Launch(ctx, appDir, cfg)
		if err != nil {
			p.removeHandle(key, h)
			p.counters.workerFailed()
			metrics.IncrCounter([]string{"pool", "worker", "failed"}, 1)

			if attempt == 0 {
				p.log.Warn("worker spawn failed, retrying", "app_dir", appDir, "error", err)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(spawnRetryDelay):
				}
				continue
			}
			return nil, sdk.NewError(sdk.ErrorKindWorkerFailed, "worker-spawn-failed: %v", err).
				WithCode("WORKER_SPAWN_FAILED")
		}

		h.lock.Lock()
		if h.status == HandleTerminated {
			// Evicted while starting; release the process and retry.
			h.lock.Unlock()
			proc.Stop(0)
			continue
		}
		h.proc = proc
		h.status = HandleIdle
		h.lock.Unlock()

		p.counters.workerCreated()
		metrics.IncrCounter([]string{"pool", "worker", "created"}, 1)
		return h, nil
	}
}

// probe performs the locked portion of admission: cache lookup, usability
// check, LRU promotion and eviction. On a miss it inserts and returns a
// starting handle for the caller to spawn.
func (p *Pool) probe(key, appDir string, cfg *manifest.Worker, countCache bool) (*Handle, bool, error) {
	now := time.Now()

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return nil, false, sdk.NewError(sdk.ErrorKindUnavailable, "worker pool is shutting down")
	}

	if elem, ok := p.entries[key]; ok {
		h := elem.Value.(*Handle)

		h.lock.Lock()
		stale := h.status == HandleTerminated ||
			(h.status == HandleIdle && (h.expiredLocked(now) || !h.usableLocked(now)))
		h.lock.Unlock()

		if !stale {
			// Active and starting handles count as hits too; exclusive
			// use is arbitrated later on the handle itself.
			p.lru.MoveToFront(elem)
			if countCache {
				p.counters.cacheHit()
				metrics.IncrCounter([]string{"pool", "cache", "hit"}, 1)
			}
			return h, true, nil
		}

		p.evictLocked(key, elem, false)
	}

	if countCache {
		p.counters.cacheMiss()
		metrics.IncrCounter([]string{"pool", "cache", "miss"}, 1)
	}

	if len(p.entries) >= p.size {
		if err := p.evictForSpaceLocked(); err != nil {
			return nil, false, err
		}
	}

	h := newHandle(appDir, keyFingerprint(key), cfg, now)
	p.entries[key] = p.lru.PushFront(h)
	return h, false, nil
}

// evictForSpaceLocked reclaims exactly one slot, preferring the least
// recently used idle handle and preempting the least recently used handle
// outright when none is idle.
func (p *Pool) evictForSpaceLocked() error {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		h := elem.Value.(*Handle)
		if h.Status() == HandleIdle {
			p.evictLocked(cacheKey(h.appDir, h.fingerprint), elem, true)
			return nil
		}
	}

	elem := p.lru.Back()
	if elem == nil {
		return sdk.NewError(sdk.ErrorKindInternal, "worker pool has zero capacity")
	}

	h := elem.Value.(*Handle)
	p.log.Warn("preempting in-flight worker under pool pressure",
		"worker_id", h.id, "app_dir", h.appDir)
	h.preempt()
	p.evictLocked(cacheKey(h.appDir, h.fingerprint), elem, true)
	return nil
}

// evictLocked removes the entry from the cache and terminates its handle in
// the background. The caller must hold p.lock.
func (p *Pool) evictLocked(key string, elem *list.Element, countEviction bool) {
	h := elem.Value.(*Handle)
	delete(p.entries, key)
	p.lru.Remove(elem)

	if countEviction {
		p.counters.eviction()
		metrics.IncrCounter([]string{"pool", "eviction"}, 1)
	}
	go h.terminate(0)
}

// removeHandle drops the entry if it still maps to the given handle.
func (p *Pool) removeHandle(key string, h *Handle) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if elem, ok := p.entries[key]; ok && elem.Value.(*Handle) == h {
		delete(p.entries, key)
		p.lru.Remove(elem)
	}
}

// serve forwards one request through the handle, enforcing the per-request
// deadline and the post-request recycling conditions.
func (p *Pool) serve(ctx context.Context, h *Handle, key string, r *http.Request) (*http.Response, error) {
	h.lock.Lock()
	proc := h.proc
	h.lock.Unlock()

	if proc != nil && !proc.Multiplexing() {
		h.serial.Lock()
		defer h.serial.Unlock()
	}

	h.lock.Lock()
	if h.status == HandleTerminated || h.proc == nil {
		h.lock.Unlock()
		// The handle was recycled while this request waited its turn;
		// restart admission without skewing the cache counters.
		fresh, err := p.acquire(ctx, key, h.appDir, h.config, false)
		if err != nil {
			return nil, err
		}
		return p.serve(ctx, fresh, key, r)
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	h.status = HandleActive
	h.inflightCancel = cancel
	proc = h.proc
	h.lock.Unlock()

	resp, err := proc.Serve(reqCtx, r)
	now := time.Now()

	h.lock.Lock()
	h.inflightCancel = nil
	preempted := h.preempted
	h.lock.Unlock()

	if err != nil {
		p.removeHandle(key, h)
		go h.terminate(0)

		switch {
		case preempted:
			return nil, sdk.NewError(sdk.ErrorKindWorkerFailed, "worker replaced").
				WithCode("WORKER_REPLACED")
		case errors.Is(err, errBodyTooLarge):
			return nil, sdk.NewError(sdk.ErrorKindBodyTooLarge, "request body exceeds the configured limit")
		case reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			// The worker is in an unknown state after a deadline; it has
			// already been terminated above.
			return nil, sdk.NewError(sdk.ErrorKindDeadlineExceeded,
				"worker did not respond within %s", h.config.Timeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, sdk.NewError(sdk.ErrorKindWorkerFailed, "worker request failed: %v", err)
		}
	}

	h.lock.Lock()
	h.requestCount++
	h.lastUsed = now
	h.status = HandleIdle
	recycle := h.exhaustedLocked(now)
	h.lock.Unlock()

	if recycle {
		p.removeHandle(key, h)
		go h.terminate(p.grace)
	}

	return resp, nil
}

// sweepExpired removes idle handles whose idle or ttl timers have elapsed.
// Active handles are never interrupted by the sweeper.
func (p *Pool) sweepExpired(now time.Time) {
	p.lock.Lock()
	var victims []*list.Element
	for _, elem := range p.entries {
		h := elem.Value.(*Handle)
		h.lock.Lock()
		if h.status == HandleIdle && h.expiredLocked(now) {
			victims = append(victims, elem)
		}
		h.lock.Unlock()
	}
	for _, elem := range victims {
		h := elem.Value.(*Handle)
		p.log.Debug("sweeping expired worker", "worker_id", h.id, "app_dir", h.appDir)
		p.evictLocked(cacheKey(h.appDir, h.fingerprint), elem, false)
	}
	p.lock.Unlock()
}

// Shutdown terminates all handles, draining in-flight requests for up to
// the configured grace period before forcing termination.
func (p *Pool) Shutdown() {
	p.lock.Lock()
	p.closed = true
	handles := make([]*Handle, 0, len(p.entries))
	for _, elem := range p.entries {
		handles = append(handles, elem.Value.(*Handle))
	}
	p.entries = make(map[string]*list.Element)
	p.lru.Init()
	p.lock.Unlock()

	deadline := time.Now().Add(p.grace)
	for {
		busy := 0
		for _, h := range handles {
			if h.Status() == HandleActive {
				busy++
			}
		}
		if busy == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.terminate(time.Until(deadline))
		}(h)
	}
	wg.Wait()

	p.log.Info("worker pool shut down", "workers", len(handles))
}

// keyFingerprint recovers the fingerprint half of a cache key.
func keyFingerprint(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[i+1:]
		}
	}
	return key
}

// enforceBodySize rejects oversized bodies early via Content-Length and
// wraps unknown-length bodies in a counting reader which aborts on
// overflow. A limit of zero disables the check.
func enforceBodySize(r *http.Request, limit int64) error {
	if limit <= 0 || r.Body == nil {
		return nil
	}
	if r.ContentLength > limit {
		return sdk.NewError(sdk.ErrorKindBodyTooLarge,
			"request body of %d bytes exceeds the %d byte limit", r.ContentLength, limit)
	}
	if r.ContentLength < 0 {
		r.Body = &countingBody{inner: r.Body, remaining: limit}
	}
	return nil
}

type countingBody struct {
	inner     io.ReadCloser
	remaining int64
}

func (c *countingBody) Read(buf []byte) (int, error) {
	n, err := c.inner.Read(buf)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errBodyTooLarge
	}
	return n, err
}

func (c *countingBody) Close() error { return c.inner.Close() }
