// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vhost maps inbound Host headers onto worker applications. Patterns
// are exact host names or single leading-label wildcards of the form
// "*.domain". Exact entries always win over wildcard entries and a wildcard
// never matches its bare base domain.
package vhost

import (
	"fmt"
	"net"
	"strings"
)

// Target is a configured virtual host destination.
type Target struct {
	// App is the worker application name the host resolves to.
	App string

	// PathPrefix, when set, restricts the virtual host to request paths
	// starting with the prefix.
	PathPrefix string
}

// Match is the result of resolving a Host header.
type Match struct {
	App        string
	PathPrefix string

	// Tenant is the captured wildcard portion when the host matched a
	// "*.domain" pattern.
	Tenant string
}

// Matcher resolves Host headers against a fixed mapping. It is immutable
// after construction and safe for concurrent use.
type Matcher struct {
	exact    map[string]Target
	wildcard map[string]Target
}

// NewMatcher builds a Matcher from the host pattern mapping.
func NewMatcher(hosts map[string]Target) (*Matcher, error) {
	m := &Matcher{
		exact:    make(map[string]Target),
		wildcard: make(map[string]Target),
	}

	for pattern, target := range hosts {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			return nil, fmt.Errorf("virtual host pattern must not be empty")
		}
		if target.App == "" {
			return nil, fmt.Errorf("virtual host %q must name an app", pattern)
		}

		if rest, ok := strings.CutPrefix(pattern, "*."); ok {
			if rest == "" || strings.Contains(rest, "*") {
				return nil, fmt.Errorf("invalid wildcard virtual host pattern %q", pattern)
			}
			m.wildcard[rest] = target
			continue
		}
		if strings.Contains(pattern, "*") {
			return nil, fmt.Errorf("wildcards are only supported as a leading label, got %q", pattern)
		}
		m.exact[pattern] = target
	}

	return m, nil
}

// Match resolves host to a virtual host target. The port portion, if any, is
// stripped before matching. A nil return means no virtual host claims the
// host.
func (m *Matcher) Match(host string) *Match {
	if m == nil || host == "" {
		return nil
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if target, ok := m.exact[host]; ok {
		return &Match{App: target.App, PathPrefix: target.PathPrefix}
	}

	// Wildcards capture exactly the portion before the base domain, which
	// must be non-empty: "*.sked.ly" matches "a.b.sked.ly" with tenant
	// "a.b" but never "sked.ly" itself.
	for base, target := range m.wildcard {
		if tenant, ok := strings.CutSuffix(host, "."+base); ok && tenant != "" {
			return &Match{App: target.App, PathPrefix: target.PathPrefix, Tenant: tenant}
		}
	}

	return nil
}
