// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
)

func TestNew_duplicateName(t *testing.T) {
	_, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "authz"},
		{Name: "authz"},
	})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `duplicate plugin name "authz"`)
}

func TestNew_emptyName(t *testing.T) {
	_, err := New(hclog.NewNullLogger(), []*plugins.Plugin{{Name: ""}})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "plugin with empty name")
}

func TestRegistry_Init_missingDependency(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "shell", Dependencies: []string{"authz"}},
	})
	require.Nil(t, err)

	err = r.Init(context.Background())
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `plugin "shell" requires "authz" which is not registered`)
}

func TestRegistry_Init_cycle(t *testing.T) {
	testCases := []struct {
		list          []*plugins.Plugin
		expectedError string
		name          string
	}{
		{
			list: []*plugins.Plugin{
				{Name: "a", Dependencies: []string{"b"}},
				{Name: "b", Dependencies: []string{"a"}},
			},
			expectedError: "plugin dependency cycle",
			name:          "two plugin cycle",
		},
		{
			list: []*plugins.Plugin{
				{Name: "a", Dependencies: []string{"b"}},
				{Name: "b", Dependencies: []string{"c"}},
				{Name: "c", Dependencies: []string{"a"}},
			},
			expectedError: "plugin dependency cycle",
			name:          "three plugin cycle",
		},
		{
			list: []*plugins.Plugin{
				{Name: "a", Dependencies: []string{"a"}},
			},
			expectedError: `plugin "a" depends on itself`,
			name:          "self dependency",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(hclog.NewNullLogger(), tc.list)
			require.Nil(t, err)

			err = r.Init(context.Background())
			assert.NotNil(t, err, tc.name)
			assert.Contains(t, err.Error(), tc.expectedError, tc.name)
		})
	}
}

func TestRegistry_Init_topologicalOrder(t *testing.T) {
	var initOrder []string
	record := func(name string) func(context.Context, plugins.Services) error {
		return func(context.Context, plugins.Services) error {
			initOrder = append(initOrder, name)
			return nil
		}
	}

	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "shell", Dependencies: []string{"authz"}, OnInit: record("shell")},
		{Name: "authz", OnInit: record("authz")},
		{Name: "admission", OptionalDependencies: []string{"authz"}, OnInit: record("admission")},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	// Dependencies initialize before their dependents.
	require.Len(t, initOrder, 3)
	assert.Equal(t, "authz", initOrder[0])

	ordered := r.Ordered()
	pos := make(map[string]int, len(ordered))
	for i, p := range ordered {
		pos[p.Name] = i
	}
	assert.Less(t, pos["authz"], pos["shell"])
	assert.Less(t, pos["authz"], pos["admission"])
}

func TestRegistry_Init_optionalDependencyAbsent(t *testing.T) {
	// A missing optional dependency is not an error and contributes no
	// ordering edge.
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "admission", OptionalDependencies: []string{"authz"}},
	})
	require.Nil(t, err)
	assert.Nil(t, r.Init(context.Background()))
}

func TestRegistry_Init_routeCollision(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "a", Base: "/admin"},
		{Name: "b", Base: "/admin"},
	})
	require.Nil(t, err)

	err = r.Init(context.Background())
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "route collision")
}

func TestRegistry_Init_onInitFailureIsFatal(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "authz", OnInit: func(context.Context, plugins.Services) error {
			return fmt.Errorf("boom")
		}},
	})
	require.Nil(t, err)

	err = r.Init(context.Background())
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), `plugin "authz" failed to initialize: boom`)
}

func TestRegistry_Init_twice(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{{Name: "authz"}})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	err = r.Init(context.Background())
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "already initialized")
}

func TestRegistry_services(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), nil)
	require.Nil(t, err)

	assert.Nil(t, r.Lookup("authz"))

	type svc struct{ n int }
	r.Register("authz", &svc{n: 1})
	assert.Equal(t, &svc{n: 1}, r.Lookup("authz"))
	assert.Equal(t, &svc{n: 1}, r.GetService("authz"))

	// Re-registration replaces.
	r.Register("authz", &svc{n: 2})
	assert.Equal(t, &svc{n: 2}, r.Lookup("authz"))
}

func TestRegistry_OrderedHooks(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "shell", Dependencies: []string{"authz"}},
		{Name: "authz", OnRequest: func(ctx context.Context, req *http.Request) (*http.Request, *http.Response, error) {
			return req, nil, nil
		}},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	hooks := r.OrderedHooks(plugins.HookOnRequest)
	require.Len(t, hooks, 1)
	assert.Equal(t, "authz", hooks[0].Name)
}

func TestRegistry_ResolvePluginApp(t *testing.T) {
	cfg := &manifest.Worker{}
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "cpanel", Base: "/cpanel", App: &plugins.ServedApp{Dir: "/srv/cpanel", Config: cfg}},
		{Name: "cpanel-api", Base: "/cpanel/api", App: &plugins.ServedApp{Dir: "/srv/cpanel-api", Config: cfg}},
		{Name: "hookonly", Base: "/hooks"},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	testCases := []struct {
		inputPath   string
		expectedDir string
		name        string
	}{
		{"/cpanel", "/srv/cpanel", "exact base"},
		{"/cpanel/settings", "/srv/cpanel", "below base"},
		{"/cpanel/api/v1", "/srv/cpanel-api", "longest base wins"},
		{"/cpanelx", "", "segment boundary enforced"},
		{"/hooks/x", "", "base without app"},
		{"/other", "", "no match"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			match := r.ResolvePluginApp(tc.inputPath)
			if tc.expectedDir == "" {
				assert.Nil(t, match, tc.name)
			} else {
				require.NotNil(t, match, tc.name)
				assert.Equal(t, tc.expectedDir, match.Dir, tc.name)
			}
		})
	}
}

func TestRegistry_OwnsPath(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "cpanel", Base: "/cpanel"},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	require.NotNil(t, r.OwnsPath("/cpanel/users"))
	assert.Equal(t, "cpanel", r.OwnsPath("/cpanel/users").Name)
	assert.Nil(t, r.OwnsPath("/elsewhere"))
}

func TestRegistry_Shutdown(t *testing.T) {
	var shutdownOrder []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			shutdownOrder = append(shutdownOrder, name)
			return nil
		}
	}

	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "shell", Dependencies: []string{"authz"}, OnShutdown: record("shell")},
		{Name: "authz", OnShutdown: record("authz")},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	r.Shutdown()

	// Reverse topological order: dependents shut down before their
	// dependencies.
	require.Len(t, shutdownOrder, 2)
	assert.Equal(t, []string{"shell", "authz"}, shutdownOrder)
}

func TestRegistry_Shutdown_timeout(t *testing.T) {
	r, err := New(hclog.NewNullLogger(), []*plugins.Plugin{
		{Name: "hung", OnShutdown: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	require.Nil(t, err)
	require.Nil(t, r.Init(context.Background()))

	start := time.Now()
	r.Shutdown()
	assert.Less(t, time.Since(start), 10*time.Second)
}
