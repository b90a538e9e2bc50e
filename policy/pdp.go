// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"fmt"
	"sort"
)

// noApplicableReason is the decision reason when the default effect applies.
const noApplicableReason = "No applicable policy"

// Evaluator is the policy decision point. It holds only the combining
// configuration; Evaluate is a pure function of its inputs and never
// mutates the policy set.
type Evaluator struct {
	// Algorithm is one of the Combine* constants. An empty value means
	// deny-overrides.
	Algorithm string

	// DefaultEffect applies when no policy matched. An empty value means
	// deny.
	DefaultEffect Effect
}

// matchResult pairs a matched policy with its evaluated effect.
type matchResult struct {
	policy *Policy
	effect Effect
}

// Evaluate runs the policy set against the context and combines the
// individual results using the configured algorithm.
func (e *Evaluator) Evaluate(ctx *Context, policies []*Policy) Decision {
	ordered := make([]*Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var matched []matchResult
	for _, p := range ordered {
		if !matchPolicy(p, ctx) {
			continue
		}
		// A matching policy whose conditions fail is not applicable and
		// contributes nothing.
		if !evalConditions(p.Conditions, &ctx.Environment) {
			continue
		}
		matched = append(matched, matchResult{policy: p, effect: p.Effect})
	}

	return e.combine(matched)
}

func (e *Evaluator) combine(matched []matchResult) Decision {
	defaultEffect := e.DefaultEffect
	if defaultEffect == "" {
		defaultEffect = EffectDeny
	}

	if len(matched) == 0 {
		return Decision{Effect: defaultEffect, Reason: noApplicableReason}
	}

	algorithm := e.Algorithm
	if algorithm == "" {
		algorithm = CombineDenyOverrides
	}

	switch algorithm {
	case CombineFirstApplicable:
		return decisionFor(matched[0])

	case CombineDenyOverrides:
		for _, m := range matched {
			if m.effect == EffectDeny {
				return decisionFor(m)
			}
		}
		for _, m := range matched {
			if m.effect == EffectPermit {
				return decisionFor(m)
			}
		}

	case CombinePermitOverrides:
		for _, m := range matched {
			if m.effect == EffectPermit {
				return decisionFor(m)
			}
		}
		for _, m := range matched {
			if m.effect == EffectDeny {
				return decisionFor(m)
			}
		}

	case CombineOnlyOneApplicable:
		if len(matched) > 1 {
			return Decision{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("%d policies applicable, expected exactly one", len(matched)),
			}
		}
		return decisionFor(matched[0])
	}

	return Decision{Effect: defaultEffect, Reason: noApplicableReason}
}

func decisionFor(m matchResult) Decision {
	reason := m.policy.Description
	if reason == "" {
		reason = fmt.Sprintf("Matched policy %q", m.policy.ID)
	}
	return Decision{Effect: m.effect, Reason: reason, MatchedPolicy: m.policy.ID}
}
