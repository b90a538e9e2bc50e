// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package policy implements the authorization policy model: the
// administration point (Store) which owns the policy set, and the decision
// point (Evaluator) which is a pure function over a policy snapshot and a
// request context.
package policy

import (
	"time"
)

// Effect is the outcome a policy contributes to a decision.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Combining algorithms supported by the evaluator.
const (
	CombineDenyOverrides     = "deny-overrides"
	CombinePermitOverrides   = "permit-overrides"
	CombineFirstApplicable   = "first-applicable"
	CombineOnlyOneApplicable = "only-one-applicable"
)

// Policy is a single authorization rule. Empty Subjects, Resources or
// Actions lists mean "no restriction" on that axis; non-empty lists match
// when at least one entry matches. Conditions, when present, must all hold.
type Policy struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Effect      Effect `json:"effect"`

	// Priority orders evaluation, higher first. The zero value is the
	// lowest priority.
	Priority int `json:"priority,omitempty"`

	Subjects   []SubjectMatch  `json:"subjects"`
	Resources  []ResourceMatch `json:"resources"`
	Actions    []ActionMatch   `json:"actions"`
	Conditions []Condition     `json:"conditions,omitempty"`
}

// SubjectMatch matches a request subject. All populated fields must hold.
type SubjectMatch struct {
	ID    string      `json:"id,omitempty"`
	Role  string      `json:"role,omitempty"`
	Group string      `json:"group,omitempty"`
	Claim *ClaimMatch `json:"claim,omitempty"`
}

// ClaimMatch tests a single claim value against an operator. Supported
// operators are eq, ne, gt, lt, contains and regex.
type ClaimMatch struct {
	Name  string      `json:"name"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// ResourceMatch matches the requested resource. App and Path use glob
// semantics; Type, when set, requires equality.
type ResourceMatch struct {
	App  string `json:"app,omitempty"`
	Path string `json:"path,omitempty"`
	Type string `json:"type,omitempty"`
}

// ActionMatch matches the requested action. Method is case-insensitive and
// supports the "*" wildcard; Operation, when set, requires equality.
type ActionMatch struct {
	Method    string `json:"method,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Condition is a single environmental restriction. Exactly one of the
// members is expected to be populated.
type Condition struct {
	Time   *TimeCondition         `json:"time,omitempty"`
	IP     *IPCondition           `json:"ip,omitempty"`
	Custom map[string]interface{} `json:"custom,omitempty"`
}

// TimeCondition restricts a policy to a daily window and/or days of the
// week. After and Before are "HH:MM" strings evaluated in UTC; DaysOfWeek
// uses 0 for Sunday.
type TimeCondition struct {
	After      string `json:"after,omitempty"`
	Before     string `json:"before,omitempty"`
	DaysOfWeek []int  `json:"dayOfWeek,omitempty"`
}

// IPCondition restricts a policy by client address. Entries are exact
// matches; CIDR ranges are not supported.
type IPCondition struct {
	Allowlist []string `json:"allowlist,omitempty"`
	Blocklist []string `json:"blocklist,omitempty"`
}

// Subject is the authenticated caller within an evaluation context.
type Subject struct {
	ID     string                 `json:"id"`
	Roles  []string               `json:"roles,omitempty"`
	Groups []string               `json:"groups,omitempty"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// Resource identifies what is being accessed.
type Resource struct {
	App  string `json:"app,omitempty"`
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// Action identifies how the resource is being accessed.
type Action struct {
	Method    string `json:"method"`
	Operation string `json:"operation,omitempty"`
}

// Environment carries ambient request facts used by conditions.
type Environment struct {
	IP        string    `json:"ip,omitempty"`
	Time      time.Time `json:"time"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Context is the full input to an evaluation, built once per request.
type Context struct {
	Subject     Subject     `json:"subject"`
	Resource    Resource    `json:"resource"`
	Action      Action      `json:"action"`
	Environment Environment `json:"environment"`
}

// Decision is the evaluation outcome.
type Decision struct {
	Effect Effect `json:"effect"`
	Reason string `json:"reason,omitempty"`

	// MatchedPolicy is the id of the policy that determined the effect,
	// empty when the default effect applied.
	MatchedPolicy string `json:"matchedPolicy,omitempty"`
}

// Copy returns a policy copy suitable for handing out in snapshots. Match
// entries and conditions are treated as immutable once stored.
func (p *Policy) Copy() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.Subjects = append([]SubjectMatch(nil), p.Subjects...)
	c.Resources = append([]ResourceMatch(nil), p.Resources...)
	c.Actions = append([]ActionMatch(nil), p.Actions...)
	c.Conditions = append([]Condition(nil), p.Conditions...)
	return &c
}
