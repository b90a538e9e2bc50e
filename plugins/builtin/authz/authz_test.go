// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authz

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
	"github.com/buntime/buntime/plugins/registry"
	"github.com/buntime/buntime/policy"
)

func testManifest(config map[string]interface{}) *manifest.Plugin {
	return &manifest.Plugin{
		Name:    "authz",
		Base:    "/authz",
		Enabled: true,
		Config:  config,
	}
}

// newAuthz builds and initializes the plugin through a registry so the
// onInit hook runs exactly as it would at boot.
func newAuthz(t *testing.T, config map[string]interface{}) (*plugins.Plugin, *registry.Registry) {
	t.Helper()

	p, err := New(hclog.NewNullLogger(), testManifest(config))
	require.Nil(t, err)

	reg, err := registry.New(hclog.NewNullLogger(), []*plugins.Plugin{p})
	require.Nil(t, err)
	require.Nil(t, reg.Init(context.Background()))
	return p, reg
}

func denyAllSeed() map[string]interface{} {
	return map[string]interface{}{
		"id":        "deny-all",
		"effect":    "deny",
		"subjects":  []interface{}{},
		"resources": []interface{}{},
		"actions":   []interface{}{},
	}
}

func TestNew_invalidConfig(t *testing.T) {
	testCases := []struct {
		config        map[string]interface{}
		expectedError string
		name          string
	}{
		{
			config:        map[string]interface{}{"excludePaths": []interface{}{"["}},
			expectedError: "invalid excludePaths entry",
			name:          "bad exclude regexp",
		},
		{
			config: map[string]interface{}{
				"policies": []map[string]interface{}{{"effect": []interface{}{1}}},
			},
			expectedError: "invalid seed policy",
			name:          "malformed seed policy",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(hclog.NewNullLogger(), testManifest(tc.config))
			assert.NotNil(t, err, tc.name)
			assert.Contains(t, err.Error(), tc.expectedError, tc.name)
		})
	}
}

func TestAuthz_onRequest_deny(t *testing.T) {
	p, _ := newAuthz(t, map[string]interface{}{
		"policies":         []map[string]interface{}{denyAllSeed()},
		"seedEnvironments": []interface{}{"*"},
	})

	r := httptest.NewRequest(http.MethodGet, "/blog/posts", nil)
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	require.Nil(t, json.Unmarshal(data, &body))
	assert.Equal(t, "Forbidden", body["error"])
	assert.Equal(t, "deny-all", body["policy"])
}

func TestAuthz_onRequest_permitByDefaultEffect(t *testing.T) {
	p, _ := newAuthz(t, map[string]interface{}{
		"defaultEffect": "permit",
	})

	r := httptest.NewRequest(http.MethodGet, "/blog", nil)
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	assert.Nil(t, resp)
}

func TestAuthz_onRequest_defaultDeny(t *testing.T) {
	// Without policies and without an explicit default, everything is
	// denied.
	p, _ := newAuthz(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/blog", nil)
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthz_onRequest_excludePaths(t *testing.T) {
	p, _ := newAuthz(t, map[string]interface{}{
		"excludePaths": []interface{}{"^/health", "^/assets/"},
	})

	// Excluded paths skip evaluation entirely, even under default deny.
	for _, path := range []string{"/health", "/assets/app.js"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		_, resp, err := p.OnRequest(context.Background(), r)
		require.Nil(t, err, path)
		assert.Nil(t, resp, path)
	}

	r := httptest.NewRequest(http.MethodGet, "/private", nil)
	_, resp, _ := p.OnRequest(context.Background(), r)
	assert.NotNil(t, resp)
}

func TestAuthz_onRequest_roleBasedPolicy(t *testing.T) {
	p, _ := newAuthz(t, map[string]interface{}{
		"policies": []map[string]interface{}{
			{
				"id":        "admins-only",
				"effect":    "permit",
				"subjects":  []interface{}{map[string]interface{}{"role": "admin"}},
				"resources": []interface{}{map[string]interface{}{"app": "admin"}},
				"actions":   []interface{}{},
			},
		},
		"seedEnvironments": []interface{}{"*"},
	})

	// The identity header supplies the subject.
	r := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	r.Header.Set("X-Identity", `{"id":"u1","roles":["admin"]}`)
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	assert.Nil(t, resp)

	// A subject without the role is denied.
	r = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	r.Header.Set("X-Identity", `{"id":"u2","roles":["viewer"]}`)
	_, resp, err = p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthz_rootKeyBearer(t *testing.T) {
	t.Setenv("ROOT_KEY", "super-secret")

	p, _ := newAuthz(t, map[string]interface{}{
		"policies": []map[string]interface{}{
			{
				"id":        "root-only",
				"effect":    "permit",
				"subjects":  []interface{}{map[string]interface{}{"role": "root"}},
				"resources": []interface{}{},
				"actions":   []interface{}{},
			},
		},
		"seedEnvironments": []interface{}{"*"},
	})

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.Header.Set("Authorization", "Bearer super-secret")
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	assert.Nil(t, resp)

	// A wrong key is an anonymous subject and falls to default deny.
	r = httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	_, resp, err = p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	assert.NotNil(t, resp)
}

func TestAuthz_seedGating(t *testing.T) {
	t.Setenv("NODE_ENV", "production")

	// Seeds gated to development do not load in production.
	p, reg := newAuthz(t, map[string]interface{}{
		"policies":         []map[string]interface{}{denyAllSeed()},
		"seedEnvironments": []interface{}{"development"},
		"defaultEffect":    "permit",
	})

	svc := reg.Lookup(ServiceName).(*Service)
	assert.Equal(t, 0, svc.Store().Len())

	r := httptest.NewRequest(http.MethodGet, "/blog", nil)
	_, resp, err := p.OnRequest(context.Background(), r)
	require.Nil(t, err)
	assert.Nil(t, resp)
}

func TestAuthz_serviceEvaluate(t *testing.T) {
	_, reg := newAuthz(t, map[string]interface{}{
		"policies":         []map[string]interface{}{denyAllSeed()},
		"seedEnvironments": []interface{}{"*"},
	})

	svc, ok := reg.Lookup(ServiceName).(*Service)
	require.True(t, ok)

	dec := svc.Evaluate(&policy.Context{
		Subject:  policy.Subject{ID: "u1"},
		Resource: policy.Resource{App: "blog", Path: "/blog"},
		Action:   policy.Action{Method: "GET"},
	})
	assert.Equal(t, policy.EffectDeny, dec.Effect)
	assert.Equal(t, "deny-all", dec.MatchedPolicy)
}

func routesHandler(t *testing.T, config map[string]interface{}) http.Handler {
	t.Helper()
	p, _ := newAuthz(t, config)
	require.NotNil(t, p.Routes)
	return p.Routes
}

func TestAuthz_routes_policyCRUD(t *testing.T) {
	h := routesHandler(t, nil)

	// Upsert.
	body := `{"id":"p1","effect":"permit","subjects":[],"resources":[],"actions":[]}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/policies", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var stored policy.Policy
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "p1", stored.ID)

	// List.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/policies", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list []*policy.Policy
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	// Get by id.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/policies/p1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Delete.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/policies/p1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/policies/p1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthz_routes_invalidPolicy(t *testing.T) {
	h := routesHandler(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/policies", strings.NewReader(`{"effect":"maybe"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
}

func TestAuthz_routes_methodNotAllowed(t *testing.T) {
	h := routesHandler(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/policies", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body["code"])
}

func TestAuthz_routes_evaluate(t *testing.T) {
	h := routesHandler(t, map[string]interface{}{
		"policies":         []map[string]interface{}{denyAllSeed()},
		"seedEnvironments": []interface{}{"*"},
	})

	ctxBody := `{"subject":{"id":"u1"},"resource":{"app":"blog","path":"/blog"},"action":{"method":"GET"}}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/evaluate", strings.NewReader(ctxBody)))
	require.Equal(t, http.StatusOK, w.Code)

	var dec policy.Decision
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &dec))
	assert.Equal(t, policy.EffectDeny, dec.Effect)
	assert.Equal(t, "deny-all", dec.MatchedPolicy)
}

func TestAuthz_routes_explain(t *testing.T) {
	h := routesHandler(t, map[string]interface{}{
		"policies":         []map[string]interface{}{denyAllSeed()},
		"seedEnvironments": []interface{}{"*"},
	})

	ctxBody := `{"subject":{"id":"u1"},"resource":{"path":"/x"},"action":{"method":"GET"}}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/explain", strings.NewReader(ctxBody)))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Context  *policy.Context  `json:"context"`
		Decision policy.Decision  `json:"decision"`
		Policies []*policy.Policy `json:"policies"`
	}
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "u1", out.Context.Subject.ID)
	assert.Equal(t, policy.EffectDeny, out.Decision.Effect)
	require.Len(t, out.Policies, 1)
	assert.Equal(t, "deny-all", out.Policies[0].ID)
}
