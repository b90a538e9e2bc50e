// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package registry validates, orders and exposes the plugin set. The
// registry is built once at boot and is immutable after Init; only the
// inter-plugin service table accepts updates afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
)

// shutdownHookTimeout bounds each plugin's onShutdown hook so one hung
// plugin cannot stall process exit.
const shutdownHookTimeout = 5 * time.Second

// AppMatch is the result of resolving a path to a plugin-served app.
type AppMatch struct {
	Dir    string
	Base   string
	Config *manifest.Worker
}

// Registry holds the ordered plugin set and the service table.
type Registry struct {
	log hclog.Logger

	byName map[string]*plugins.Plugin

	// order is the topological initialization and dispatch order,
	// dependencies first. Fixed by Init.
	order []*plugins.Plugin

	// byBaseLen is the route-dispatch order: descending base-path length.
	byBaseLen []*plugins.Plugin

	svcLock  sync.RWMutex
	services map[string]interface{}

	initialized bool
}

// New builds a registry from the loaded plugin set. Duplicate names are
// rejected here; everything else waits for Init.
func New(log hclog.Logger, list []*plugins.Plugin) (*Registry, error) {
	byName := make(map[string]*plugins.Plugin, len(list))
	for _, p := range list {
		if p.Name == "" {
			return nil, fmt.Errorf("plugin with empty name")
		}
		if _, ok := byName[p.Name]; ok {
			return nil, fmt.Errorf("duplicate plugin name %q", p.Name)
		}
		byName[p.Name] = p
	}

	return &Registry{
		log:      log.Named("registry"),
		byName:   byName,
		services: make(map[string]interface{}),
	}, nil
}

// Init validates dependencies and base paths, computes the topological
// order and runs every plugin's onInit hook in that order. Any failure is
// fatal to boot.
func (r *Registry) Init(ctx context.Context) error {
	if r.initialized {
		return fmt.Errorf("registry already initialized")
	}

	var mErr *multierror.Error
	for _, p := range r.byName {
		for _, dep := range p.Dependencies {
			if _, ok := r.byName[dep]; !ok {
				mErr = multierror.Append(mErr, fmt.Errorf(
					"plugin %q requires %q which is not registered", p.Name, dep))
			}
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	order, err := r.topoSort()
	if err != nil {
		return err
	}
	r.order = order

	if err := r.checkBaseCollisions(); err != nil {
		return err
	}
	r.buildBaseIndex()

	for _, p := range r.order {
		if p.OnInit == nil {
			continue
		}
		if err := p.OnInit(ctx, r); err != nil {
			return fmt.Errorf("plugin %q failed to initialize: %v", p.Name, err)
		}
		r.log.Debug("plugin initialized", "plugin", p.Name)
	}

	r.initialized = true
	r.log.Info("plugin registry initialized", "plugins", len(r.order))
	return nil
}

// topoSort orders plugins dependencies-first using Tarjan's strongly
// connected components; any component of more than one plugin, or a plugin
// depending on itself, is a cycle and fatal.
func (r *Registry) topoSort() ([]*plugins.Plugin, error) {
	// Deterministic node order so the dispatch order is stable across runs.
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	index := make(map[string]int, len(names))
	lowlink := make(map[string]int, len(names))
	onStack := make(map[string]bool, len(names))
	var stack []string
	next := 0

	var order []*plugins.Plugin
	var cycleErr error

	var strongconnect func(name string)
	strongconnect = func(name string) {
		index[name] = next
		lowlink[name] = next
		next++
		stack = append(stack, name)
		onStack[name] = true

		p := r.byName[name]
		for _, dep := range r.edges(p) {
			if _, seen := index[dep]; !seen {
				strongconnect(dep)
				if lowlink[dep] < lowlink[name] {
					lowlink[name] = lowlink[dep]
				}
			} else if onStack[dep] {
				if index[dep] < lowlink[name] {
					lowlink[name] = index[dep]
				}
			}
		}

		if lowlink[name] == index[name] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == name {
					break
				}
			}
			if len(scc) > 1 {
				cycleErr = fmt.Errorf("plugin dependency cycle: %s", strings.Join(scc, " -> "))
				return
			}
			if selfDependent(r.byName[scc[0]]) {
				cycleErr = fmt.Errorf("plugin %q depends on itself", scc[0])
				return
			}
			// Tarjan completes sinks first, which is exactly
			// dependencies-before-dependents.
			order = append(order, r.byName[scc[0]])
		}
	}

	for _, name := range names {
		if _, seen := index[name]; !seen {
			strongconnect(name)
		}
		if cycleErr != nil {
			return nil, cycleErr
		}
	}

	return order, nil
}

// edges returns the dependency edges of a plugin: required dependencies
// plus the optional ones which are actually present.
func (r *Registry) edges(p *plugins.Plugin) []string {
	out := append([]string{}, p.Dependencies...)
	for _, dep := range p.OptionalDependencies {
		if _, ok := r.byName[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

func selfDependent(p *plugins.Plugin) bool {
	for _, dep := range p.Dependencies {
		if dep == p.Name {
			return true
		}
	}
	return false
}

// checkBaseCollisions verifies base paths are pairwise distinct.
func (r *Registry) checkBaseCollisions() error {
	seen := make(map[string]string)
	for _, p := range r.order {
		if p.Base == "" {
			continue
		}
		if other, ok := seen[p.Base]; ok {
			return fmt.Errorf("route collision: plugins %q and %q both claim base %s",
				other, p.Name, p.Base)
		}
		seen[p.Base] = p.Name
	}
	return nil
}

// buildBaseIndex sorts base-owning plugins by descending base length for
// longest-prefix route dispatch.
func (r *Registry) buildBaseIndex() {
	for _, p := range r.order {
		if p.Base != "" {
			r.byBaseLen = append(r.byBaseLen, p)
		}
	}
	sort.SliceStable(r.byBaseLen, func(i, j int) bool {
		return len(r.byBaseLen[i].Base) > len(r.byBaseLen[j].Base)
	})
}

// Register publishes a named service for other plugins. Later registrations
// replace earlier ones; a plugin updating its own service is the only
// expected writer after Init.
func (r *Registry) Register(name string, svc interface{}) {
	r.svcLock.Lock()
	defer r.svcLock.Unlock()
	r.services[name] = svc
}

// Lookup returns a published service or nil.
func (r *Registry) Lookup(name string) interface{} {
	r.svcLock.RLock()
	defer r.svcLock.RUnlock()
	return r.services[name]
}

// GetService is the dispatcher-facing alias for Lookup.
func (r *Registry) GetService(name string) interface{} { return r.Lookup(name) }

// OrderedHooks returns the plugins carrying the hook, in dispatch order.
func (r *Registry) OrderedHooks(kind plugins.HookKind) []*plugins.Plugin {
	var out []*plugins.Plugin
	for _, p := range r.order {
		if p.Has(kind) {
			out = append(out, p)
		}
	}
	return out
}

// Ordered returns the full topological plugin order.
func (r *Registry) Ordered() []*plugins.Plugin {
	return append([]*plugins.Plugin{}, r.order...)
}

// ByBaseLength returns base-owning plugins longest base first.
func (r *Registry) ByBaseLength() []*plugins.Plugin {
	return append([]*plugins.Plugin{}, r.byBaseLen...)
}

// ResolvePluginApp maps a request path to the app-publishing plugin with
// the longest matching base prefix, or nil.
func (r *Registry) ResolvePluginApp(path string) *AppMatch {
	for _, p := range r.byBaseLen {
		if p.App == nil {
			continue
		}
		if baseMatches(p.Base, path) {
			return &AppMatch{
				Dir:    p.App.Dir,
				Base:   p.Base,
				Config: p.App.Config,
			}
		}
	}
	return nil
}

// OwnsPath returns the plugin whose base is the longest prefix of the path,
// or nil. Used for shell pre-emption and route dispatch.
func (r *Registry) OwnsPath(path string) *plugins.Plugin {
	for _, p := range r.byBaseLen {
		if baseMatches(p.Base, path) {
			return p
		}
	}
	return nil
}

// IsPublicRoute reports whether the plugin's manifest marks the path public
// for the method.
func (r *Registry) IsPublicRoute(p *plugins.Plugin, method, path string) bool {
	if p.PublicRoutes == nil {
		return false
	}
	return p.PublicRoutes.Match(method, path)
}

// Shutdown runs onShutdown hooks in reverse topological order, each under
// a bounded timeout.
func (r *Registry) Shutdown() {
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.order[i]
		if p.OnShutdown == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownHookTimeout)
		done := make(chan error, 1)
		go func() { done <- p.OnShutdown(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				r.log.Error("plugin shutdown hook failed", "plugin", p.Name, "error", err)
			}
		case <-ctx.Done():
			r.log.Error("plugin shutdown hook timed out", "plugin", p.Name)
		}
		cancel()
	}
}

// baseMatches reports whether base is a path-segment prefix of path.
func baseMatches(base, path string) bool {
	if base == "" || base == "/" {
		return base == "/"
	}
	if !strings.HasPrefix(path, base) {
		return false
	}
	return len(path) == len(base) || path[len(base)] == '/'
}
