// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dispatch composes the per-request pipeline: entry guards,
// virtual-host interception, shell pre-emption, the plugin hook chains,
// plugin routes and apps, worker apps and the shell 404 fallback.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
	"github.com/buntime/buntime/plugins/registry"
	"github.com/buntime/buntime/sdk"
	"github.com/buntime/buntime/sdk/helper/uuid"
	"github.com/buntime/buntime/vhost"
	"github.com/buntime/buntime/workerpool"
)

// defaultShellPlugin is the plugin name consulted for the shell app when
// the agent config does not name one.
const defaultShellPlugin = "shell"

// Config holds the values required to construct a Dispatcher.
type Config struct {
	Logger   hclog.Logger
	Pool     *workerpool.Pool
	Registry *registry.Registry

	// VHosts maps Host headers to apps; nil disables virtual hosting.
	VHosts *vhost.Matcher

	// Apps are the discovered worker applications keyed by name.
	Apps map[string]*App

	// HomepageApp, when set, serves the root path and any path that does
	// not start with a known app name.
	HomepageApp string

	// ShellPlugin names the plugin whose served app renders navigations
	// and 404 pages. Empty means "shell".
	ShellPlugin string

	// BodyLimit is the global request body ceiling; per-app limits are
	// enforced by the pool.
	BodyLimit int64
}

// shellTarget is the resolved shell app.
type shellTarget struct {
	base string
	dir  string
	cfg  *manifest.Worker
}

// Dispatcher is the composed request handler. It is safe for concurrent
// use; only the app set changes after construction, via ReloadApps.
type Dispatcher struct {
	log       hclog.Logger
	pool      *workerpool.Pool
	registry  *registry.Registry
	vhosts    *vhost.Matcher
	homepage  string
	shell     *shellTarget
	bodyLimit int64

	appsLock sync.RWMutex
	apps     map[string]*App
}

// ReloadApps swaps the worker app set, typically after a SIGHUP rescan.
func (d *Dispatcher) ReloadApps(apps map[string]*App) {
	d.appsLock.Lock()
	d.apps = apps
	d.appsLock.Unlock()
	d.log.Info("worker apps reloaded", "apps", len(apps))
}

func (d *Dispatcher) app(name string) (*App, bool) {
	d.appsLock.RLock()
	defer d.appsLock.RUnlock()
	app, ok := d.apps[name]
	return app, ok
}

// New builds a Dispatcher. The registry must already be initialized so the
// shell plugin can be resolved.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		log:       cfg.Logger.Named("dispatch"),
		pool:      cfg.Pool,
		registry:  cfg.Registry,
		vhosts:    cfg.VHosts,
		apps:      cfg.Apps,
		homepage:  cfg.HomepageApp,
		bodyLimit: cfg.BodyLimit,
	}

	shellName := cfg.ShellPlugin
	if shellName == "" {
		shellName = defaultShellPlugin
	}
	for _, p := range cfg.Registry.Ordered() {
		if p.Name == shellName && p.App != nil {
			d.shell = &shellTarget{base: p.Base, dir: p.App.Dir, cfg: p.App.Config}
			d.log.Info("shell app enabled", "plugin", p.Name, "base", p.Base)
			break
		}
	}

	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(sdk.HeaderRequestID)
	if reqID == "" {
		reqID = uuid.Generate()
		r.Header.Set(sdk.HeaderRequestID, reqID)
	}
	w.Header().Set(sdk.HeaderRequestID, reqID)

	log := d.log.With("req_id", reqID)
	start := time.Now()
	defer metrics.MeasureSince([]string{"dispatch", "request_ms"}, start)

	// A panicking hook or route is isolated to its own request.
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while serving request", "method", r.Method,
				"path", r.URL.Path, "panic", p)
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindInternal, "internal server error"))
		}
	}()

	ctx := r.Context()

	// Entry guards.
	if err := guardCSRF(r); err != nil {
		metrics.IncrCounter([]string{"dispatch", "csrf_rejected"}, 1)
		sdk.WriteError(w, err)
		return
	}
	if err := guardBodySize(r, d.bodyLimit); err != nil {
		sdk.WriteError(w, err)
		return
	}

	// Virtual hosts bypass the plugin pipeline except for onResponse.
	if d.vhosts != nil {
		if m := d.vhosts.Match(r.Host); m != nil {
			d.serveVHost(ctx, log, w, r, m)
			return
		}
	}

	// Shell pre-emption: a configured shell claims every top-level
	// navigation and routes it client-side via the fragment-route header.
	if d.shell != nil && r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		cur, resp, err := d.runOnRequest(ctx, r)
		if err != nil {
			d.hookError(log, w, err)
			return
		}
		if resp != nil {
			d.finalize(ctx, log, w, cur, resp)
			return
		}
		d.serveShell(ctx, log, w, cur, cur.URL.Path, false)
		return
	}

	cur := r
	ranHooks := false

	// serverFetch chain; non-public paths get the onRequest chain first.
	for _, p := range d.registry.OrderedHooks(plugins.HookServerFetch) {
		if !ranHooks && !d.registry.IsPublicRoute(p, cur.Method, cur.URL.Path) {
			var resp *http.Response
			var err error
			cur, resp, err = d.runOnRequest(ctx, cur)
			if err != nil {
				d.hookError(log, w, err)
				return
			}
			if resp != nil {
				d.finalize(ctx, log, w, cur, resp)
				return
			}
			ranHooks = true
		}

		resp, err := p.ServerFetch(ctx, cur)
		if err != nil {
			log.Error("serverFetch failed", "plugin", p.Name, "error", err)
			sdk.WriteError(w, sdk.NewError(sdk.ErrorKindInternal, "plugin %s failed", p.Name))
			return
		}
		if resp == nil {
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			drain(resp)
			continue
		}
		d.finalize(ctx, log, w, cur, resp)
		return
	}

	// Global onRequest chain, unless the serverFetch loop already ran it.
	if !ranHooks {
		var resp *http.Response
		var err error
		cur, resp, err = d.runOnRequest(ctx, cur)
		if err != nil {
			d.hookError(log, w, err)
			return
		}
		if resp != nil {
			d.finalize(ctx, log, w, cur, resp)
			return
		}
	}

	// Plugin routes, longest base first. The first base owning the path
	// takes the request; its 404 falls through to app routing.
	for _, p := range d.registry.ByBaseLength() {
		if p.Routes == nil || !baseMatch(p.Base, cur.URL.Path) {
			continue
		}

		rec := newRecorder()
		routed := cur.Clone(ctx)
		routed.URL.Path = relPath(p.Base, cur.URL.Path)
		routed.RequestURI = ""
		p.Routes.ServeHTTP(rec, routed)

		if rec.code == http.StatusNotFound {
			break
		}
		d.finalize(ctx, log, w, cur, rec.response(cur))
		return
	}

	// Plugin-served apps.
	if m := d.registry.ResolvePluginApp(cur.URL.Path); m != nil {
		resp, err := d.poolDispatch(ctx, m.Dir, m.Config, cur, relPath(m.Base, cur.URL.Path),
			map[string]string{sdk.HeaderBase: m.Base})
		if err != nil {
			d.poolError(log, w, err)
			return
		}
		d.maybeShell404(ctx, log, w, cur, resp)
		return
	}

	// Regular worker apps by first path segment, falling back to the
	// homepage app.
	d.serveWorkerApp(ctx, log, w, cur)
}

// serveWorkerApp resolves the first path segment to a discovered app and
// dispatches it, applying the visibility gate.
func (d *Dispatcher) serveWorkerApp(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request) {
	app, base, rel := d.resolveApp(r.URL.Path)

	if app != nil {
		switch app.Config.Visibility {
		case manifest.VisibilityInternal:
			// Internal apps are not reachable from the outside; pretend
			// they do not exist.
			if r.Header.Get(sdk.HeaderInternal) == "" {
				app = nil
			}
		case manifest.VisibilityProtected:
			if r.Header.Get(sdk.HeaderIdentity) == "" {
				sdk.WriteError(w, sdk.NewError(sdk.ErrorKindUnauthorized,
					"identity required for app %s", app.Name))
				return
			}
		}
	}

	if app == nil {
		d.notFound(ctx, log, w, r)
		return
	}

	resp, err := d.poolDispatch(ctx, app.Dir, app.Config, r, rel,
		map[string]string{sdk.HeaderBase: base})
	if err != nil {
		d.poolError(log, w, err)
		return
	}
	if app.Config.InjectBase {
		resp = injectBaseTag(resp, base)
	}
	d.maybeShell404(ctx, log, w, r, resp)
}

// resolveApp maps a path to an app, its mount base and the rewritten path.
// Unknown first segments fall back to the homepage app when configured.
func (d *Dispatcher) resolveApp(path string) (*App, string, string) {
	if name := firstSegment(path); name != "" {
		if app, ok := d.app(name); ok {
			rel := strings.TrimPrefix(path, "/"+name)
			if rel == "" {
				rel = "/"
			}
			return app, "/" + name, rel
		}
	}
	if d.homepage != "" {
		if app, ok := d.app(d.homepage); ok {
			return app, "/", path
		}
	}
	return nil, "", ""
}

func (d *Dispatcher) serveVHost(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request, m *vhost.Match) {
	app, ok := d.app(m.App)
	if !ok {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "unknown app %s for host %s", m.App, r.Host))
		return
	}
	if m.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, m.PathPrefix) {
		sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "path not served for host %s", r.Host))
		return
	}

	headers := map[string]string{sdk.HeaderBase: "/"}
	if m.Tenant != "" {
		headers[sdk.HeaderVHostTenant] = m.Tenant
	}

	resp, err := d.poolDispatch(ctx, app.Dir, app.Config, r, r.URL.Path, headers)
	if err != nil {
		d.poolError(log, w, err)
		return
	}
	d.finalize(ctx, log, w, r, resp)
}

// serveShell dispatches to the shell worker, carrying the original path in
// the fragment-route header so the shell's client router can take over.
func (d *Dispatcher) serveShell(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request, fragmentRoute string, notFound bool) {
	headers := map[string]string{
		sdk.HeaderBase:          d.shell.base,
		sdk.HeaderFragmentRoute: fragmentRoute,
	}
	if notFound {
		headers[sdk.HeaderNotFound] = "true"
	}

	resp, err := d.poolDispatch(ctx, d.shell.dir, d.shell.cfg, r, "/", headers)
	if err != nil {
		d.poolError(log, w, err)
		return
	}
	if notFound {
		resp.StatusCode = http.StatusNotFound
		resp.Status = "404 Not Found"
	}
	d.finalize(ctx, log, w, r, resp)
}

// maybeShell404 routes 404 responses through the shell when configured so
// the not-found page renders inside the shell layout.
func (d *Dispatcher) maybeShell404(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request, resp *http.Response) {
	if resp.StatusCode == http.StatusNotFound && d.shell != nil {
		drain(resp)
		d.serveShell(ctx, log, w, r, r.URL.Path, true)
		return
	}
	d.finalize(ctx, log, w, r, resp)
}

// notFound terminates unroutable requests: shell-rendered when available,
// a JSON 404 otherwise.
func (d *Dispatcher) notFound(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request) {
	metrics.IncrCounter([]string{"dispatch", "not_found"}, 1)
	if d.shell != nil {
		d.serveShell(ctx, log, w, r, r.URL.Path, true)
		return
	}
	sdk.WriteError(w, sdk.NewError(sdk.ErrorKindNotFound, "no route for %s", r.URL.Path))
}

// runOnRequest applies the onRequest chain in topological order. Request
// modifications are cumulative; a returned response short-circuits.
func (d *Dispatcher) runOnRequest(ctx context.Context, r *http.Request) (*http.Request, *http.Response, error) {
	cur := r
	for _, p := range d.registry.OrderedHooks(plugins.HookOnRequest) {
		next, resp, err := p.OnRequest(ctx, cur)
		if err != nil {
			return cur, nil, err
		}
		if resp != nil {
			return cur, resp, nil
		}
		if next != nil {
			cur = next
		}
	}
	return cur, nil, nil
}

// finalize runs the onResponse chain in topological order and emits the
// result. Hook failures are logged and skipped rather than dropping the
// response.
func (d *Dispatcher) finalize(ctx context.Context, log hclog.Logger, w http.ResponseWriter, r *http.Request, resp *http.Response) {
	for _, p := range d.registry.OrderedHooks(plugins.HookOnResponse) {
		next, err := p.OnResponse(ctx, r, resp)
		if err != nil {
			log.Warn("onResponse hook failed", "plugin", p.Name, "error", err)
			continue
		}
		if next != nil {
			resp = next
		}
	}
	d.emit(w, resp)
}

func (d *Dispatcher) emit(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// poolDispatch clones the request with the rewritten path and injected
// headers and hands it to the worker pool.
func (d *Dispatcher) poolDispatch(ctx context.Context, dir string, cfg *manifest.Worker, r *http.Request, path string, headers map[string]string) (*http.Response, error) {
	out := r.Clone(ctx)
	out.URL.Path = path
	out.RequestURI = ""
	for k, v := range headers {
		out.Header.Set(k, v)
	}
	return d.pool.Dispatch(ctx, dir, cfg, out)
}

func (d *Dispatcher) poolError(log hclog.Logger, w http.ResponseWriter, err error) {
	if !sdk.IsKind(err, sdk.ErrorKindNotFound) {
		log.Error("worker dispatch failed", "error", err)
	}
	sdk.WriteError(w, err)
}

func (d *Dispatcher) hookError(log hclog.Logger, w http.ResponseWriter, err error) {
	log.Error("onRequest hook failed", "error", err)
	sdk.WriteError(w, sdk.NewError(sdk.ErrorKindInternal, "request hook failed"))
}

// injectBaseTag inserts a <base href> into HTML responses so relative
// asset URLs resolve under the app's mount path.
func injectBaseTag(resp *http.Response, base string) *http.Response {
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") {
		return resp
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}

	href := strings.TrimSuffix(base, "/") + "/"
	tag := []byte(`<base href="` + href + `">`)
	if i := bytes.Index(bytes.ToLower(body), []byte("<head>")); i >= 0 {
		insert := i + len("<head>")
		out := make([]byte, 0, len(body)+len(tag))
		out = append(out, body[:insert]...)
		out = append(out, tag...)
		out = append(out, body[insert:]...)
		body = out
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}

// drain consumes a response body so its connection can be reused.
func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// baseMatch reports whether base is a path-segment prefix of path.
func baseMatch(base, path string) bool {
	if base == "" {
		return false
	}
	if !strings.HasPrefix(path, base) {
		return false
	}
	return len(path) == len(base) || path[len(base)] == '/'
}

// relPath rewrites path relative to base, preserving a leading slash.
func relPath(base, path string) string {
	rel := strings.TrimPrefix(path, base)
	if rel == "" {
		return "/"
	}
	if rel[0] != '/' {
		rel = "/" + rel
	}
	return rel
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
