// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/sdk/helper/uuid"
)

// HandleStatus tracks the lifecycle of a worker handle.
type HandleStatus int32

const (
	HandleStarting HandleStatus = iota
	HandleIdle
	HandleActive
	HandleTerminated
)

func (s HandleStatus) String() string {
	switch s {
	case HandleStarting:
		return "starting"
	case HandleIdle:
		return "idle"
	case HandleActive:
		return "active"
	default:
		return "terminated"
	}
}

// Handle wraps a live worker process with the bookkeeping the pool needs:
// identity, usage counters and lifecycle bounds.
type Handle struct {
	id          string
	appDir      string
	fingerprint string
	config      *manifest.Worker
	created     time.Time

	// expiry is the absolute deadline derived from the config ttl. The
	// zero value means the handle is ephemeral and is recycled after a
	// single request.
	expiry time.Time

	// serial gates exclusive use of non-multiplexing workers. It is held
	// for the whole duration of a forwarded request.
	serial sync.Mutex

	// lock guards the mutable fields below.
	lock           sync.Mutex
	proc           Process
	status         HandleStatus
	lastUsed       time.Time
	requestCount   int
	preempted      bool
	inflightCancel context.CancelFunc
}

func newHandle(appDir, fingerprint string, cfg *manifest.Worker, now time.Time) *Handle {
	h := &Handle{
		id:          uuid.Generate(),
		appDir:      appDir,
		fingerprint: fingerprint,
		config:      cfg,
		created:     now,
		lastUsed:    now,
		status:      HandleStarting,
	}
	if cfg.TTL > 0 {
		h.expiry = now.Add(cfg.TTL)
	}
	return h
}

// ID returns the stable handle identifier.
func (h *Handle) ID() string { return h.id }

// Status returns the current lifecycle status.
func (h *Handle) Status() HandleStatus {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.status
}

// usable reports whether the handle can serve another request right now.
// The caller must hold h.lock.
func (h *Handle) usableLocked(now time.Time) bool {
	if h.status != HandleIdle {
		return false
	}
	if !h.expiry.IsZero() && now.After(h.expiry) {
		return false
	}
	if h.config.MaxRequests > 0 && h.requestCount >= h.config.MaxRequests {
		return false
	}
	return true
}

// expiredLocked reports whether the handle has outlived its idle timeout or
// its absolute ttl. The caller must hold h.lock.
func (h *Handle) expiredLocked(now time.Time) bool {
	if !h.expiry.IsZero() && now.After(h.expiry) {
		return true
	}
	if h.config.IdleTimeout > 0 && now.Sub(h.lastUsed) > h.config.IdleTimeout {
		return true
	}
	return false
}

// exhaustedLocked reports whether the handle must be recycled after the
// request it just served. The caller must hold h.lock.
func (h *Handle) exhaustedLocked(now time.Time) bool {
	if h.config.TTL == 0 {
		// Ephemeral workers serve exactly one request.
		return true
	}
	if !h.expiry.IsZero() && now.After(h.expiry) {
		return true
	}
	if h.config.MaxRequests > 0 && h.requestCount >= h.config.MaxRequests {
		return true
	}
	return false
}

// preempt cancels any in-flight request and marks the handle so the serving
// goroutine can tell preemption apart from a worker fault.
func (h *Handle) preempt() {
	h.lock.Lock()
	h.preempted = true
	cancel := h.inflightCancel
	h.lock.Unlock()

	if cancel != nil {
		cancel()
	}
}

// terminate transitions the handle to terminated and stops the underlying
// process. It is idempotent.
func (h *Handle) terminate(grace time.Duration) {
	h.lock.Lock()
	if h.status == HandleTerminated {
		h.lock.Unlock()
		return
	}
	h.status = HandleTerminated
	proc := h.proc
	h.lock.Unlock()

	if proc != nil {
		proc.Stop(grace)
	}
}
