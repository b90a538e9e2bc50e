// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package manifest loads and normalizes the per-directory manifests which
// describe worker applications and plugins. Manifests are YAML or JSON files;
// a missing file yields the default configuration.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// workerManifestNames are the accepted manifest file names inside a worker
// application directory, probed in order.
var workerManifestNames = []string{"buntime.yaml", "buntime.yml", "buntime.json"}

// Worker visibility levels control how an application may be reached.
const (
	VisibilityPublic    = "public"
	VisibilityProtected = "protected"
	VisibilityInternal  = "internal"
)

// Worker is the normalized, immutable configuration of a worker application.
// All durations and sizes have been resolved and validated; the struct is
// safe to share across requests.
type Worker struct {
	Entrypoint  string
	Timeout     time.Duration
	IdleTimeout time.Duration

	// TTL bounds the absolute lifetime of a worker. Zero means ephemeral:
	// the worker is terminated after serving a single request.
	TTL time.Duration

	MaxRequests int
	MaxBodySize int64
	AutoInstall bool
	LowMemory   bool
	InjectBase  bool
	Visibility  string
	Env         map[string]string

	PublicRoutes *PublicRoutes

	// routePatterns retains the raw manifest globs so the canonical
	// fingerprint is stable regardless of compilation details.
	routePatterns map[string][]string
}

// Limits carries the global defaults and caps the loader applies to every
// worker manifest.
type Limits struct {
	DefaultTimeout     time.Duration
	DefaultIdleTimeout time.Duration
	DefaultTTL         time.Duration
	MaxTimeout         time.Duration
	MaxTTL             time.Duration
	DefaultBodySize    int64
	MaxBodySize        int64
}

// DefaultLimits returns the limits applied when the agent configuration does
// not override them.
func DefaultLimits() *Limits {
	return &Limits{
		DefaultTimeout:     30 * time.Second,
		DefaultIdleTimeout: 5 * time.Minute,
		DefaultTTL:         time.Hour,
		MaxTimeout:         5 * time.Minute,
		MaxTTL:             24 * time.Hour,
		DefaultBodySize:    10 << 20,
		MaxBodySize:        1 << 30,
	}
}

type rawWorker struct {
	Entrypoint   string            `yaml:"entrypoint"`
	Timeout      interface{}       `yaml:"timeout"`
	IdleTimeout  interface{}       `yaml:"idleTimeout"`
	TTL          interface{}       `yaml:"ttl"`
	MaxRequests  int               `yaml:"maxRequests"`
	MaxBodySize  interface{}       `yaml:"maxBodySize"`
	AutoInstall  bool              `yaml:"autoInstall"`
	LowMemory    bool              `yaml:"lowMemory"`
	InjectBase   bool              `yaml:"injectBase"`
	PublicRoutes interface{}       `yaml:"publicRoutes"`
	Env          map[string]string `yaml:"env"`
	Visibility   string            `yaml:"visibility"`
}

// LoadWorker reads and normalizes the worker manifest from dir. A missing
// manifest file is not an error and results in the default configuration.
func LoadWorker(dir string, limits *Limits, log hclog.Logger) (*Worker, error) {
	if limits == nil {
		limits = DefaultLimits()
	}

	raw := &rawWorker{}
	for _, name := range workerManifestNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %v", name, err)
		}
		if err := yaml.Unmarshal(data, raw); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %v", name, err)
		}
		break
	}

	return normalizeWorker(raw, limits, log)
}

func normalizeWorker(raw *rawWorker, limits *Limits, log hclog.Logger) (*Worker, error) {
	var mErr *multierror.Error

	w := &Worker{
		Entrypoint:  raw.Entrypoint,
		MaxRequests: raw.MaxRequests,
		AutoInstall: raw.AutoInstall,
		LowMemory:   raw.LowMemory,
		InjectBase:  raw.InjectBase,
		Visibility:  raw.Visibility,
		Env:         raw.Env,
	}

	if w.Entrypoint == "" {
		w.Entrypoint = "index.ts"
	}
	if w.Visibility == "" {
		w.Visibility = VisibilityPublic
	}
	switch w.Visibility {
	case VisibilityPublic, VisibilityProtected, VisibilityInternal:
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("invalid visibility %q", w.Visibility))
	}
	if w.MaxRequests < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("maxRequests must not be negative"))
	}

	w.Timeout = normalizeDuration(raw.Timeout, limits.DefaultTimeout, limits.MaxTimeout, "timeout", &mErr, log)
	w.IdleTimeout = normalizeDuration(raw.IdleTimeout, limits.DefaultIdleTimeout, limits.MaxTTL, "idleTimeout", &mErr, log)

	if raw.TTL == nil {
		w.TTL = limits.DefaultTTL
	} else {
		w.TTL = normalizeDuration(raw.TTL, limits.DefaultTTL, limits.MaxTTL, "ttl", &mErr, log)
	}

	if raw.MaxBodySize == nil {
		w.MaxBodySize = limits.DefaultBodySize
	} else {
		size, err := ParseSize(raw.MaxBodySize)
		if err != nil {
			mErr = multierror.Append(mErr, err)
		} else {
			w.MaxBodySize = size
		}
	}
	if limits.MaxBodySize > 0 && w.MaxBodySize > limits.MaxBodySize {
		log.Warn("maxBodySize exceeds the global cap and has been clamped",
			"value", w.MaxBodySize, "cap", limits.MaxBodySize)
		w.MaxBodySize = limits.MaxBodySize
	}

	// Relationship invariants only hold for non-ephemeral workers.
	if w.TTL > 0 {
		if w.TTL < w.Timeout {
			mErr = multierror.Append(mErr, fmt.Errorf("ttl must be ≥ timeout"))
		}
		if w.IdleTimeout < w.Timeout {
			mErr = multierror.Append(mErr, fmt.Errorf("idleTimeout must be ≥ timeout"))
		}
		if w.IdleTimeout > w.TTL {
			log.Warn("idleTimeout exceeds ttl and has been clamped",
				"idle_timeout", w.IdleTimeout, "ttl", w.TTL)
			w.IdleTimeout = w.TTL
		}
	}

	routes, err := ParsePublicRoutes(raw.PublicRoutes)
	if err != nil {
		mErr = multierror.Append(mErr, err)
	}
	w.PublicRoutes = routes
	w.routePatterns = rawRoutePatterns(raw.PublicRoutes)

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return w, nil
}

func normalizeDuration(raw interface{}, def, cap time.Duration, field string, mErr **multierror.Error, log hclog.Logger) time.Duration {
	if raw == nil {
		return def
	}

	d, err := ParseDuration(raw)
	if err != nil {
		*mErr = multierror.Append(*mErr, fmt.Errorf("%s: %v", field, err))
		return def
	}
	if cap > 0 && d > cap {
		log.Warn("duration exceeds the global cap and has been clamped",
			"field", field, "value", d, "cap", cap)
		return cap
	}
	return d
}

func rawRoutePatterns(raw interface{}) map[string][]string {
	out := make(map[string][]string)

	switch v := raw.(type) {
	case []interface{}:
		patterns, err := stringSlice(v)
		if err == nil {
			out[allMethodsKey] = patterns
		}
	case map[string]interface{}:
		for method, rawPatterns := range v {
			if list, ok := rawPatterns.([]interface{}); ok {
				if patterns, err := stringSlice(list); err == nil {
					out[method] = patterns
				}
			}
		}
	}
	return out
}

// CanonicalJSON renders the normalized configuration as deterministic JSON:
// fixed field order, millisecond durations, sorted env and route keys. Two
// workers with equal canonical forms are interchangeable in the pool.
func (w *Worker) CanonicalJSON() []byte {
	var buf bytes.Buffer

	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%q", "entrypoint", w.Entrypoint)
	fmt.Fprintf(&buf, ",%q:%d", "timeoutMs", w.Timeout.Milliseconds())
	fmt.Fprintf(&buf, ",%q:%d", "idleTimeoutMs", w.IdleTimeout.Milliseconds())
	fmt.Fprintf(&buf, ",%q:%d", "ttlMs", w.TTL.Milliseconds())
	fmt.Fprintf(&buf, ",%q:%d", "maxRequests", w.MaxRequests)
	fmt.Fprintf(&buf, ",%q:%d", "maxBodySizeBytes", w.MaxBodySize)
	fmt.Fprintf(&buf, ",%q:%t", "autoInstall", w.AutoInstall)
	fmt.Fprintf(&buf, ",%q:%t", "lowMemory", w.LowMemory)
	fmt.Fprintf(&buf, ",%q:%t", "injectBase", w.InjectBase)
	fmt.Fprintf(&buf, ",%q:%q", "visibility", w.Visibility)

	buf.WriteString(`,"env":{`)
	envKeys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for i, k := range envKeys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%q", k, w.Env[k])
	}
	buf.WriteByte('}')

	buf.WriteString(`,"publicRoutes":{`)
	routeKeys := make([]string, 0, len(w.routePatterns))
	for k := range w.routePatterns {
		routeKeys = append(routeKeys, k)
	}
	sort.Strings(routeKeys)
	for i, k := range routeKeys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:[", k)
		patterns := append([]string(nil), w.routePatterns[k]...)
		sort.Strings(patterns)
		for j, p := range patterns {
			if j > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%q", p)
		}
		buf.WriteByte(']')
	}
	buf.WriteString("}}")

	return buf.Bytes()
}
