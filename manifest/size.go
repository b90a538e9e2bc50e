// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// maxSafeSize caps parsed sizes at 2^53-1 so values survive JSON round
// tripping through consumers which only handle IEEE754 doubles.
const maxSafeSize = int64(1)<<53 - 1

var sizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(b|kb|mb|gb)$`)

// ParseSize normalizes a manifest size value to bytes. Numeric values are
// taken as bytes; strings carry a b|kb|mb|gb suffix with 1024 multipliers
// and may use a decimal quantity ("1.5mb"). The result must be a whole,
// non-negative number of bytes.
func ParseSize(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return checkSize(float64(v))
	case int64:
		return checkSize(float64(v))
	case float64:
		return checkSize(v)
	case string:
		m := sizeRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
		if m == nil {
			return 0, fmt.Errorf("invalid size %q: expected <number>(b|kb|mb|gb)", v)
		}

		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %v", v, err)
		}

		switch m[2] {
		case "kb":
			n *= 1 << 10
		case "mb":
			n *= 1 << 20
		case "gb":
			n *= 1 << 30
		}
		return checkSize(n)
	default:
		return 0, fmt.Errorf("invalid size value of type %T", raw)
	}
}

func checkSize(n float64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("size must not be negative, got %v", n)
	}
	if n > float64(maxSafeSize) {
		return 0, fmt.Errorf("size %v exceeds the maximum safe integer", n)
	}
	if math.Trunc(n) != n {
		return 0, fmt.Errorf("size %v does not resolve to a whole number of bytes", n)
	}
	return int64(n), nil
}
