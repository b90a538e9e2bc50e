// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package plugins defines the plugin descriptor and hook surface. A plugin
// is a struct of optional capabilities; the registry orders and drives
// them, the dispatcher invokes the hooks per request.
package plugins

import (
	"context"
	"net/http"

	"github.com/buntime/buntime/manifest"
)

// RequestHook runs before routing. It may return a modified request to
// propagate down the chain, a response to short-circuit the request, or
// neither to continue unchanged.
type RequestHook func(ctx context.Context, r *http.Request) (*http.Request, *http.Response, error)

// ResponseHook runs after a response is produced and may replace it.
type ResponseHook func(ctx context.Context, r *http.Request, resp *http.Response) (*http.Response, error)

// ServerFetchFunc lets a plugin answer requests ahead of routing. A nil or
// 404 response means the plugin does not handle the path and dispatch
// continues.
type ServerFetchFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

// Services is the inter-plugin service registry handed to OnInit. Plugins
// later in the initialization order can look up services published by
// earlier ones; lookups are also valid at request time.
type Services interface {
	Register(name string, svc interface{})
	Lookup(name string) interface{}
}

// ServedApp is a worker application bundled with a plugin and served under
// its base path.
type ServedApp struct {
	// Dir is the application directory handed to the worker pool.
	Dir string

	// Config is the normalized worker config for the app.
	Config *manifest.Worker
}

// Plugin is the capability set of one registered plugin. Absent
// capabilities are nil; the registry indexes only what is present.
type Plugin struct {
	// Name is the globally unique plugin name from its manifest.
	Name string

	// Base is the mount path this plugin owns for routes and its served
	// app. Globally unique; may be empty for pure-hook plugins.
	Base string

	// Dir is the plugin directory the manifest was loaded from.
	Dir string

	Dependencies         []string
	OptionalDependencies []string

	// PublicRoutes, when matched, exempts a path from the onRequest chain
	// ahead of this plugin's serverFetch.
	PublicRoutes *manifest.PublicRoutes

	// Config carries the plugin-specific manifest keys.
	Config map[string]interface{}

	OnInit      func(ctx context.Context, svc Services) error
	OnShutdown  func(ctx context.Context) error
	OnRequest   RequestHook
	OnResponse  ResponseHook
	ServerFetch ServerFetchFunc

	// Routes serves the plugin's owned HTTP surface under Base. The
	// dispatcher strips Base from the path before invoking it.
	Routes http.Handler

	// App is the worker application this plugin serves, if any.
	App *ServedApp
}

// HookKind selects a hook chain from the registry.
type HookKind int

const (
	HookOnRequest HookKind = iota
	HookOnResponse
	HookServerFetch
)

// Has reports whether the plugin carries the given hook.
func (p *Plugin) Has(kind HookKind) bool {
	switch kind {
	case HookOnRequest:
		return p.OnRequest != nil
	case HookOnResponse:
		return p.OnResponse != nil
	case HookServerFetch:
		return p.ServerFetch != nil
	default:
		return false
	}
}
