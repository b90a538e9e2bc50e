// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationRe accepts manifest duration strings of the form "30s", "5m",
// "1h" or "2d". Decimal multipliers are allowed, "1.5h" is 90 minutes.
var durationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(s|m|h|d)$`)

// ParseDuration normalizes a manifest duration value. Numeric values are
// interpreted as whole seconds; strings must carry one of the s|m|h|d unit
// suffixes.
func ParseDuration(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return secondsToDuration(float64(v))
	case int64:
		return secondsToDuration(float64(v))
	case float64:
		return secondsToDuration(v)
	case string:
		m := durationRe.FindStringSubmatch(v)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q: expected <number>(s|m|h|d)", v)
		}

		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %v", v, err)
		}

		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return time.Duration(n * float64(unit)), nil
	default:
		return 0, fmt.Errorf("invalid duration value of type %T", raw)
	}
}

func secondsToDuration(secs float64) (time.Duration, error) {
	if secs < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
