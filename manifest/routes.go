// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/buntime/buntime/sdk/helper/glob"
)

// allMethodsKey marks route globs which apply regardless of HTTP method in
// the keyed manifest form.
const allMethodsKey = "ALL"

var validRouteMethods = map[string]struct{}{
	allMethodsKey: {},
	"GET":         {},
	"POST":        {},
	"PUT":         {},
	"PATCH":       {},
	"DELETE":      {},
	"HEAD":        {},
	"OPTIONS":     {},
}

// PublicRoutes holds compiled route exemption globs. The manifest form is
// either a plain array (all methods) or a map keyed by method name. Matching
// is the union of the ALL entry and the method entry.
type PublicRoutes struct {
	all      glob.Matcher
	byMethod map[string]glob.Matcher
}

// ParsePublicRoutes compiles the raw manifest value into a PublicRoutes.
// A nil value yields a matcher which exempts nothing.
func ParsePublicRoutes(raw interface{}) (*PublicRoutes, error) {
	pr := &PublicRoutes{byMethod: make(map[string]glob.Matcher)}

	switch v := raw.(type) {
	case nil:
		return pr, nil
	case []interface{}:
		patterns, err := stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("publicRoutes: %v", err)
		}
		m, err := glob.CompileAll(patterns)
		if err != nil {
			return nil, fmt.Errorf("publicRoutes: %v", err)
		}
		pr.all = m
		return pr, nil
	case map[string]interface{}:
		var mErr *multierror.Error

		for method, rawPatterns := range v {
			method = strings.ToUpper(method)
			if _, ok := validRouteMethods[method]; !ok {
				mErr = multierror.Append(mErr, fmt.Errorf("publicRoutes: unknown method key %q", method))
				continue
			}

			list, ok := rawPatterns.([]interface{})
			if !ok {
				mErr = multierror.Append(mErr, fmt.Errorf("publicRoutes: %s must be an array of globs", method))
				continue
			}

			patterns, err := stringSlice(list)
			if err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("publicRoutes %s: %v", method, err))
				continue
			}

			m, err := glob.CompileAll(patterns)
			if err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("publicRoutes %s: %v", method, err))
				continue
			}

			if method == allMethodsKey {
				pr.all = m
			} else {
				pr.byMethod[method] = m
			}
		}

		return pr, mErr.ErrorOrNil()
	default:
		return nil, fmt.Errorf("publicRoutes must be an array or a method-keyed map, got %T", raw)
	}
}

// Match reports whether the method and path combination is exempted.
func (p *PublicRoutes) Match(method, path string) bool {
	if p == nil {
		return false
	}
	if p.all != nil && p.all.Match(path) {
		return true
	}
	if m, ok := p.byMethod[strings.ToUpper(method)]; ok && m.Match(path) {
		return true
	}
	return false
}

func stringSlice(raw []interface{}) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string entry, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}
