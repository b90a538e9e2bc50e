// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/buntime/buntime/sdk/helper/glob"
)

// matchPolicy reports whether the policy's subject, resource and action
// axes all match the context. Conditions are evaluated separately.
func matchPolicy(p *Policy, ctx *Context) bool {
	return matchSubjects(p.Subjects, &ctx.Subject) &&
		matchResources(p.Resources, &ctx.Resource) &&
		matchActions(p.Actions, &ctx.Action)
}

func matchSubjects(matches []SubjectMatch, s *Subject) bool {
	if len(matches) == 0 {
		return true
	}
	for i := range matches {
		if matchSubject(&matches[i], s) {
			return true
		}
	}
	return false
}

func matchSubject(m *SubjectMatch, s *Subject) bool {
	if m.ID != "" && m.ID != s.ID {
		return false
	}
	if m.Role != "" && !matchAnyWildcard(m.Role, s.Roles) {
		return false
	}
	if m.Group != "" && !contains(s.Groups, m.Group) {
		return false
	}
	if m.Claim != nil && !matchClaim(m.Claim, s.Claims) {
		return false
	}
	return true
}

func matchResources(matches []ResourceMatch, r *Resource) bool {
	if len(matches) == 0 {
		return true
	}
	for i := range matches {
		if matchResource(&matches[i], r) {
			return true
		}
	}
	return false
}

func matchResource(m *ResourceMatch, r *Resource) bool {
	if m.App != "" && !globMatch(m.App, r.App) {
		return false
	}
	if m.Path != "" && !globMatch(m.Path, r.Path) {
		return false
	}
	if m.Type != "" && m.Type != r.Type {
		return false
	}
	return true
}

func matchActions(matches []ActionMatch, a *Action) bool {
	if len(matches) == 0 {
		return true
	}
	for i := range matches {
		if matchAction(&matches[i], a) {
			return true
		}
	}
	return false
}

func matchAction(m *ActionMatch, a *Action) bool {
	if m.Method != "" && m.Method != "*" && !strings.EqualFold(m.Method, a.Method) {
		return false
	}
	if m.Operation != "" && m.Operation != a.Operation {
		return false
	}
	return true
}

// matchClaim applies the claim operator against the subject's claim value.
// A missing claim never matches, whatever the operator.
func matchClaim(m *ClaimMatch, claims map[string]interface{}) bool {
	value, ok := claims[m.Name]
	if !ok {
		return false
	}

	switch m.Op {
	case "eq", "":
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", m.Value)
	case "ne":
		return fmt.Sprintf("%v", value) != fmt.Sprintf("%v", m.Value)
	case "gt":
		a, aOK := toFloat(value)
		b, bOK := toFloat(m.Value)
		return aOK && bOK && a > b
	case "lt":
		a, aOK := toFloat(value)
		b, bOK := toFloat(m.Value)
		return aOK && bOK && a < b
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", m.Value))
	case "regex":
		pattern, ok := m.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(fmt.Sprintf("%v", value))
	default:
		return false
	}
}

// globMatch compares value against a pattern using path glob semantics. A
// bare "*" is treated as match-all so operators can write resources like
// {path:"*"} without worrying about separators.
func globMatch(pattern, value string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	m, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return m.Match(value)
}

func matchAnyWildcard(pattern string, values []string) bool {
	if pattern == "*" {
		return len(values) > 0
	}
	for _, v := range values {
		if globMatch(pattern, v) {
			return true
		}
	}
	return false
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
