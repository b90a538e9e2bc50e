// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workerpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/sdk"
)

// fakeProcess is a Process stub which answers with a fixed status and
// records Stop calls.
type fakeProcess struct {
	serve   func(ctx context.Context, r *http.Request) (*http.Response, error)
	stopped int32
}

func (f *fakeProcess) Serve(ctx context.Context, r *http.Request) (*http.Response, error) {
	if f.serve != nil {
		return f.serve(ctx, r)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func (f *fakeProcess) Multiplexing() bool { return false }

func (f *fakeProcess) Stop(time.Duration) { atomic.AddInt32(&f.stopped, 1) }

// fakeLauncher spawns fakeProcesses, optionally failing the first N
// launches.
type fakeLauncher struct {
	lock      sync.Mutex
	failures  int
	launched  []*fakeProcess
	serveFunc func(ctx context.Context, r *http.Request) (*http.Response, error)
}

func (f *fakeLauncher) Launch(_ context.Context, appDir string, _ *manifest.Worker) (Process, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("spawn refused for %s", appDir)
	}
	proc := &fakeProcess{serve: f.serveFunc}
	f.launched = append(f.launched, proc)
	return proc, nil
}

func (f *fakeLauncher) launchCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.launched)
}

func testWorkerConfig() *manifest.Worker {
	return &manifest.Worker{
		Entrypoint:  "index.ts",
		Timeout:     2 * time.Second,
		IdleTimeout: time.Minute,
		TTL:         time.Hour,
		MaxBodySize: 1 << 20,
	}
}

func testPool(t *testing.T, size int, launcher Launcher) *Pool {
	t.Helper()
	return NewPool(&Config{
		Logger:        hclog.NewNullLogger(),
		Launcher:      launcher,
		Size:          size,
		ShutdownGrace: 100 * time.Millisecond,
	})
}

func testRequest(path string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "http://localhost"+path, nil)
	return r
}

func TestPool_Dispatch_cacheLifecycle(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 2, launcher)
	ctx := context.Background()
	cfg := testWorkerConfig()

	// A and B fill the pool, the second A is a hit, C forces the idle LRU
	// entry (B) out.
	for _, app := range []string{"/apps/a", "/apps/b", "/apps/a", "/apps/c"} {
		resp, err := p.Dispatch(ctx, app, cfg, testRequest("/"))
		require.Nil(t, err, app)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	m := p.Metrics()
	assert.Equal(t, int64(1), m.CacheHitCount)
	assert.Equal(t, int64(3), m.CacheMissCount)
	assert.Equal(t, int64(1), m.EvictionCount)
	assert.Equal(t, int64(3), m.WorkersCreated)
	assert.Equal(t, int64(4), m.RequestCount)
	assert.Equal(t, 2, m.PoolSize)
	assert.Equal(t, 2, m.PoolCapacity)

	// Every dispatch is counted exactly once as hit or miss.
	assert.Equal(t, m.RequestCount, m.CacheHitCount+m.CacheMissCount)

	// The evicted worker is the one spawned for B.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&launcher.launched[1].stopped) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_Dispatch_configChangeIsNewEntry(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 4, launcher)
	ctx := context.Background()

	_, err := p.Dispatch(ctx, "/apps/a", testWorkerConfig(), testRequest("/"))
	require.Nil(t, err)

	changed := testWorkerConfig()
	changed.Timeout = 3 * time.Second
	_, err = p.Dispatch(ctx, "/apps/a", changed, testRequest("/"))
	require.Nil(t, err)

	// Same directory, different fingerprint: two live workers.
	assert.Equal(t, 2, launcher.launchCount())
	assert.Equal(t, int64(2), p.Metrics().CacheMissCount)
}

func TestPool_Dispatch_spawnRetry(t *testing.T) {
	launcher := &fakeLauncher{failures: 1}
	p := testPool(t, 2, launcher)

	// The first launch fails, the retry succeeds.
	resp, err := p.Dispatch(context.Background(), "/apps/a", testWorkerConfig(), testRequest("/"))
	require.Nil(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m := p.Metrics()
	assert.Equal(t, int64(1), m.WorkersFailed)
	assert.Equal(t, int64(1), m.WorkersCreated)
	assert.Equal(t, int64(1), m.CacheMissCount)
}

func TestPool_Dispatch_spawnFailure(t *testing.T) {
	launcher := &fakeLauncher{failures: 2}
	p := testPool(t, 2, launcher)

	_, err := p.Dispatch(context.Background(), "/apps/a", testWorkerConfig(), testRequest("/"))
	require.NotNil(t, err)

	var sdkErr *sdk.Error
	require.ErrorAs(t, err, &sdkErr)
	assert.Equal(t, "WORKER_SPAWN_FAILED", sdkErr.Code)

	// The failed dispatch still counts as a request, keeping the hit/miss
	// counters in step with the request total.
	m := p.Metrics()
	assert.Equal(t, int64(2), m.WorkersFailed)
	assert.Equal(t, int64(1), m.RequestCount)
	assert.Equal(t, m.CacheHitCount+m.CacheMissCount, m.RequestCount)
}

func TestPool_Dispatch_deadline(t *testing.T) {
	launcher := &fakeLauncher{
		serveFunc: func(ctx context.Context, _ *http.Request) (*http.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := testPool(t, 2, launcher)

	cfg := testWorkerConfig()
	cfg.Timeout = 50 * time.Millisecond

	_, err := p.Dispatch(context.Background(), "/apps/slow", cfg, testRequest("/"))
	require.NotNil(t, err)
	assert.True(t, sdk.IsKind(err, sdk.ErrorKindDeadlineExceeded))

	// The timed-out worker is unusable and has been terminated.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&launcher.launched[0].stopped) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Metrics().PoolSize)
}

func TestPool_Dispatch_callerCanceled(t *testing.T) {
	launcher := &fakeLauncher{
		serveFunc: func(ctx context.Context, _ *http.Request) (*http.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := testPool(t, 2, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := p.Dispatch(ctx, "/apps/slow", testWorkerConfig(), testRequest("/"))
	require.NotNil(t, err)

	// A caller-side cancellation is not reported as a worker timeout.
	assert.False(t, sdk.IsKind(err, sdk.ErrorKindDeadlineExceeded))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_Dispatch_workerError(t *testing.T) {
	launcher := &fakeLauncher{
		serveFunc: func(context.Context, *http.Request) (*http.Response, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	p := testPool(t, 2, launcher)

	_, err := p.Dispatch(context.Background(), "/apps/a", testWorkerConfig(), testRequest("/"))
	require.NotNil(t, err)
	assert.True(t, sdk.IsKind(err, sdk.ErrorKindWorkerFailed))
	assert.Equal(t, 0, p.Metrics().PoolSize)
}

func TestPool_Dispatch_ephemeral(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 2, launcher)
	ctx := context.Background()

	cfg := testWorkerConfig()
	cfg.TTL = 0

	// Ephemeral workers serve exactly one request each.
	for i := 0; i < 3; i++ {
		_, err := p.Dispatch(ctx, "/apps/once", cfg, testRequest("/"))
		require.Nil(t, err)
	}

	assert.Equal(t, 3, launcher.launchCount())
	m := p.Metrics()
	assert.Equal(t, int64(3), m.CacheMissCount)
	assert.Equal(t, int64(0), m.CacheHitCount)
}

func TestPool_Dispatch_maxRequests(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 2, launcher)
	ctx := context.Background()

	cfg := testWorkerConfig()
	cfg.MaxRequests = 2

	for i := 0; i < 3; i++ {
		_, err := p.Dispatch(ctx, "/apps/a", cfg, testRequest("/"))
		require.Nil(t, err)
	}

	// The handle is recycled after its second request, so the third
	// dispatch spawns a replacement.
	assert.Equal(t, 2, launcher.launchCount())
	m := p.Metrics()
	assert.Equal(t, int64(1), m.CacheHitCount)
	assert.Equal(t, int64(2), m.CacheMissCount)
}

func TestPool_Dispatch_bodyTooLarge(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 2, launcher)

	cfg := testWorkerConfig()
	cfg.MaxBodySize = 10

	r := testRequest("/")
	r.Body = io.NopCloser(strings.NewReader("this body is far too large"))
	r.ContentLength = 26

	_, err := p.Dispatch(context.Background(), "/apps/a", cfg, r)
	require.NotNil(t, err)
	assert.True(t, sdk.IsKind(err, sdk.ErrorKindBodyTooLarge))

	// Rejected before admission: no worker was spawned.
	assert.Equal(t, 0, launcher.launchCount())
}

func TestPool_Dispatch_bodyTooLargeStreaming(t *testing.T) {
	launcher := &fakeLauncher{
		serveFunc: func(_ context.Context, r *http.Request) (*http.Response, error) {
			if _, err := io.Copy(io.Discard, r.Body); err != nil {
				return nil, err
			}
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		},
	}
	p := testPool(t, 2, launcher)

	cfg := testWorkerConfig()
	cfg.MaxBodySize = 10

	// Chunked transfer: the length is unknown up front, so the overflow is
	// caught while streaming.
	r := testRequest("/")
	r.Body = io.NopCloser(strings.NewReader("this body is far too large"))
	r.ContentLength = -1

	_, err := p.Dispatch(context.Background(), "/apps/a", cfg, r)
	require.NotNil(t, err)
	assert.True(t, sdk.IsKind(err, sdk.ErrorKindBodyTooLarge))
}

func TestPool_sweepExpired(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 4, launcher)

	cfg := testWorkerConfig()
	cfg.IdleTimeout = 100 * time.Millisecond

	_, err := p.Dispatch(context.Background(), "/apps/a", cfg, testRequest("/"))
	require.Nil(t, err)
	require.Equal(t, 1, p.Metrics().PoolSize)

	// A sweep before the idle timeout keeps the handle.
	p.sweepExpired(time.Now())
	assert.Equal(t, 1, p.Metrics().PoolSize)

	// A sweep after the idle timeout drops it without counting an
	// eviction.
	p.sweepExpired(time.Now().Add(time.Second))
	assert.Equal(t, 0, p.Metrics().PoolSize)
	assert.Equal(t, int64(0), p.Metrics().EvictionCount)
}

func TestPool_Shutdown(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(t, 4, launcher)

	_, err := p.Dispatch(context.Background(), "/apps/a", testWorkerConfig(), testRequest("/"))
	require.Nil(t, err)

	p.Shutdown()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&launcher.launched[0].stopped) >= 1
	}, time.Second, 10*time.Millisecond)

	// The closed pool refuses further dispatches.
	_, err = p.Dispatch(context.Background(), "/apps/a", testWorkerConfig(), testRequest("/"))
	require.NotNil(t, err)
	assert.True(t, sdk.IsKind(err, sdk.ErrorKindUnavailable))
}

func TestFingerprint(t *testing.T) {
	a := testWorkerConfig()
	b := testWorkerConfig()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.MaxRequests = 99
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
