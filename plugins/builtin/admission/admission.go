// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package admission is the builtin admission-control plugin: a per-client
// rate limit applied ahead of routing via an onRequest hook.
package admission

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/mitchellh/mapstructure"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
	"github.com/buntime/buntime/ratelimit"
)

func init() {
	plugins.RegisterFactory("admission", New)
}

// Config is the plugin-specific manifest surface.
type Config struct {
	// Limit is the number of requests allowed per window per client.
	Limit int `mapstructure:"limit"`

	// Window is the refill window, e.g. "60s" or "5m".
	Window string `mapstructure:"window"`

	// KeyHeader, when set, keys buckets on a request header instead of the
	// client address. Useful behind a trusted proxy.
	KeyHeader string `mapstructure:"keyHeader"`
}

// Admission wraps the keyed limiter with request keying.
type Admission struct {
	log       hclog.Logger
	limiter   *ratelimit.Limiter
	keyHeader string
	cancel    context.CancelFunc
}

// New builds the admission plugin from its manifest.
func New(log hclog.Logger, m *manifest.Plugin) (*plugins.Plugin, error) {
	var cfg Config
	if err := mapstructure.Decode(m.Config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid admission config: %v", err)
	}

	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("admission limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window == "" {
		cfg.Window = "60s"
	}
	windowSeconds, err := ratelimit.ParseWindow(cfg.Window)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.Limit, windowSeconds)
	if err != nil {
		return nil, err
	}

	a := &Admission{
		log:       log,
		limiter:   limiter,
		keyHeader: cfg.KeyHeader,
	}

	return &plugins.Plugin{
		Name:                 m.Name,
		Base:                 m.Base,
		Dir:                  m.Dir,
		Dependencies:         m.Dependencies,
		OptionalDependencies: m.OptionalDependencies,
		PublicRoutes:         m.PublicRoutes,
		Config:               m.Config,
		OnInit:               a.onInit,
		OnShutdown:           a.onShutdown,
		OnRequest:            a.onRequest,
	}, nil
}

func (a *Admission) onInit(ctx context.Context, svc plugins.Services) error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.limiter.Run(sweepCtx)
	return nil
}

func (a *Admission) onShutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// onRequest consumes one token for the client and answers 429 with a
// Retry-After header when the bucket is empty.
func (a *Admission) onRequest(ctx context.Context, r *http.Request) (*http.Request, *http.Response, error) {
	res := a.limiter.Consume(a.clientKey(r))
	if res.Allowed {
		return nil, nil, nil
	}

	retryAfter := int(res.RetryAfter.Seconds())
	a.log.Debug("request rate limited", "path", r.URL.Path, "retry_after_s", retryAfter)

	payload := struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}{
		Error:      "Too Many Requests",
		RetryAfter: retryAfter,
	}

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.JsonHandle{HTMLCharsAsIs: true})
	_ = enc.Encode(payload)

	header := make(http.Header)
	header.Set("Content-Type", "application/json; charset=utf-8")
	header.Set("Retry-After", strconv.Itoa(retryAfter))

	return nil, &http.Response{
		StatusCode:    http.StatusTooManyRequests,
		Status:        "429 Too Many Requests",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(buf)),
		ContentLength: int64(len(buf)),
		Request:       r,
	}, nil
}

func (a *Admission) clientKey(r *http.Request) string {
	if a.keyHeader != "" {
		if v := r.Header.Get(a.keyHeader); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
