// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// evalConditions evaluates all conditions of a policy; they combine with
// AND. A policy without conditions always passes.
func evalConditions(conditions []Condition, env *Environment) bool {
	for i := range conditions {
		if !evalCondition(&conditions[i], env) {
			return false
		}
	}
	return true
}

func evalCondition(c *Condition, env *Environment) bool {
	if c.Time != nil && !evalTimeCondition(c.Time, env.Time) {
		return false
	}
	if c.IP != nil && !evalIPCondition(c.IP, env.IP) {
		return false
	}
	// Custom conditions are a placeholder for a pluggable evaluator and
	// currently always hold.
	return true
}

func evalTimeCondition(c *TimeCondition, now time.Time) bool {
	now = now.UTC()
	minuteOfDay := now.Hour()*60 + now.Minute()

	if c.After != "" {
		after, err := parseClock(c.After)
		if err != nil || minuteOfDay < after {
			return false
		}
	}
	if c.Before != "" {
		before, err := parseClock(c.Before)
		if err != nil || minuteOfDay >= before {
			return false
		}
	}
	if len(c.DaysOfWeek) > 0 {
		day := int(now.Weekday())
		found := false
		for _, d := range c.DaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// parseClock converts an "HH:MM" string to minutes past midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

func evalIPCondition(c *IPCondition, ip string) bool {
	for _, blocked := range c.Blocklist {
		if blocked == ip {
			return false
		}
	}
	if len(c.Allowlist) > 0 {
		for _, allowed := range c.Allowlist {
			if allowed == ip {
				return true
			}
		}
		return false
	}
	return true
}
