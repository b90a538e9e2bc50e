// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package authz is the builtin authorization plugin. It enforces the policy
// set on every request via an onRequest hook and exposes the policy
// administration API under its base path.
package authz

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/mitchellh/mapstructure"

	"github.com/buntime/buntime/manifest"
	"github.com/buntime/buntime/plugins"
	"github.com/buntime/buntime/policy"
	"github.com/buntime/buntime/sdk"
)

// ServiceName is the name the plugin publishes its evaluation service
// under.
const ServiceName = "authz"

func init() {
	plugins.RegisterFactory("authz", New)
}

// Config is the plugin-specific manifest surface.
type Config struct {
	// Algorithm selects the combining algorithm, defaulting to
	// deny-overrides.
	Algorithm string `mapstructure:"algorithm"`

	// DefaultEffect applies when no policy matches, defaulting to deny.
	DefaultEffect string `mapstructure:"defaultEffect"`

	// ExcludePaths are regular expressions for paths the enforcement hook
	// skips entirely.
	ExcludePaths []string `mapstructure:"excludePaths"`

	// MirrorPath, when set, persists the policy set across restarts.
	MirrorPath string `mapstructure:"mirrorPath"`

	// Policies is the bundled seed set.
	Policies []map[string]interface{} `mapstructure:"policies"`

	// SeedEnvironments gates seeding on NODE_ENV; "*" matches all.
	SeedEnvironments []string `mapstructure:"seedEnvironments"`

	// SeedOnlyIfEmpty skips seeding when the store already has policies.
	SeedOnlyIfEmpty bool `mapstructure:"seedOnlyIfEmpty"`
}

// Authz holds the plugin state: the store (PAP), the evaluator (PDP) and
// the compiled enforcement exclusions (PEP).
type Authz struct {
	log       hclog.Logger
	cfg       Config
	store     *policy.Store
	evaluator *policy.Evaluator
	exclude   []*regexp.Regexp
	rootKey   string
	seeds     []*policy.Policy
}

// Service is the inter-plugin surface other plugins can look up to make
// authorization decisions of their own.
type Service struct {
	a *Authz
}

// Evaluate runs the current policy snapshot against the context.
func (s *Service) Evaluate(ctx *policy.Context) policy.Decision {
	return s.a.evaluate(ctx)
}

// Store exposes the policy administration point.
func (s *Service) Store() *policy.Store {
	return s.a.store
}

// New builds the authz plugin from its manifest.
func New(log hclog.Logger, m *manifest.Plugin) (*plugins.Plugin, error) {
	var cfg Config
	if err := mapstructure.Decode(m.Config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid authz config: %v", err)
	}

	a := &Authz{
		log: log,
		cfg: cfg,
		evaluator: &policy.Evaluator{
			Algorithm:     cfg.Algorithm,
			DefaultEffect: policy.Effect(cfg.DefaultEffect),
		},
		rootKey: os.Getenv("ROOT_KEY"),
	}

	for _, expr := range cfg.ExcludePaths {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid excludePaths entry %q: %v", expr, err)
		}
		a.exclude = append(a.exclude, re)
	}

	seeds, err := decodeSeedPolicies(cfg.Policies)
	if err != nil {
		return nil, err
	}
	a.seeds = seeds

	return &plugins.Plugin{
		Name:                 m.Name,
		Base:                 m.Base,
		Dir:                  m.Dir,
		Dependencies:         m.Dependencies,
		OptionalDependencies: m.OptionalDependencies,
		PublicRoutes:         m.PublicRoutes,
		Config:               m.Config,
		OnInit:               a.onInit,
		OnRequest:            a.onRequest,
		Routes:               a.routes(),
	}, nil
}

func (a *Authz) onInit(ctx context.Context, svc plugins.Services) error {
	store, err := policy.NewStore(a.log, a.cfg.MirrorPath)
	if err != nil {
		return err
	}
	a.store = store

	if len(a.seeds) > 0 {
		_, err := policy.Seed(a.log, a.store, a.seeds, os.Getenv("NODE_ENV"), policy.SeedOptions{
			Environments: a.cfg.SeedEnvironments,
			OnlyIfEmpty:  a.cfg.SeedOnlyIfEmpty,
		})
		if err != nil {
			return fmt.Errorf("failed to seed policies: %v", err)
		}
	}

	svc.Register(ServiceName, &Service{a: a})
	return nil
}

func (a *Authz) evaluate(ctx *policy.Context) policy.Decision {
	return a.evaluator.Evaluate(ctx, a.store.List())
}

// onRequest is the enforcement hook. Excluded paths pass through untouched;
// everything else is evaluated and denied requests get a 403 with the
// decision attached.
func (a *Authz) onRequest(ctx context.Context, r *http.Request) (*http.Request, *http.Response, error) {
	for _, re := range a.exclude {
		if re.MatchString(r.URL.Path) {
			return nil, nil, nil
		}
	}

	ectx := a.buildContext(r)
	dec := a.evaluate(ectx)
	if dec.Effect == policy.EffectDeny {
		a.log.Debug("request denied", "path", r.URL.Path, "subject", ectx.Subject.ID,
			"policy", dec.MatchedPolicy, "reason", dec.Reason)
		return nil, forbiddenResponse(r, dec), nil
	}

	return nil, nil, nil
}

// buildContext assembles the evaluation context from the request. The
// subject comes from the upstream identity header, or from the bootstrap
// root key when presented as a bearer token.
func (a *Authz) buildContext(r *http.Request) *policy.Context {
	ectx := &policy.Context{
		Resource: policy.Resource{
			App:  firstSegment(r.URL.Path),
			Path: r.URL.Path,
		},
		Action: policy.Action{
			Method: r.Method,
		},
		Environment: policy.Environment{
			IP:        clientIP(r),
			Time:      time.Now().UTC(),
			UserAgent: r.UserAgent(),
		},
	}

	if a.rootKey != "" {
		if token, ok := bearerToken(r); ok && token == a.rootKey {
			ectx.Subject = policy.Subject{ID: "root", Roles: []string{"root"}}
			return ectx
		}
	}

	if id, err := sdk.ParseIdentity(r); err == nil && id != nil {
		ectx.Subject = policy.Subject{
			ID:     id.ID,
			Roles:  id.Roles,
			Groups: id.Groups,
			Claims: id.Claims,
		}
	}

	return ectx
}

// forbiddenResponse builds the 403 body `{error, reason, policy}`.
func forbiddenResponse(r *http.Request, dec policy.Decision) *http.Response {
	payload := struct {
		Error  string `json:"error"`
		Reason string `json:"reason,omitempty"`
		Policy string `json:"policy,omitempty"`
	}{
		Error:  "Forbidden",
		Reason: dec.Reason,
		Policy: dec.MatchedPolicy,
	}

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.JsonHandle{HTMLCharsAsIs: true})
	_ = enc.Encode(payload)

	header := make(http.Header)
	header.Set("Content-Type", "application/json; charset=utf-8")

	return &http.Response{
		StatusCode:    http.StatusForbidden,
		Status:        "403 Forbidden",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(buf)),
		ContentLength: int64(len(buf)),
		Request:       r,
	}
}

func decodeSeedPolicies(raw []map[string]interface{}) ([]*policy.Policy, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := make([]*policy.Policy, 0, len(raw))
	for i, m := range raw {
		var p policy.Policy
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName: "json",
			Result:  &p,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("invalid seed policy at index %d: %v", i, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
