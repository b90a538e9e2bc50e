// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow(t *testing.T) {
	testCases := []struct {
		input          string
		expectedOutput int64
		expectError    bool
		name           string
	}{
		{"30s", 30, false, "seconds"},
		{"5m", 300, false, "minutes"},
		{"1h", 3600, false, "hours"},
		{"1d", 86400, false, "days"},
		{"0s", 0, true, "zero window"},
		{"10", 0, true, "missing unit"},
		{"-5s", 0, true, "negative"},
		{"1.5m", 0, true, "fractional"},
		{"", 0, true, "empty"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actualOutput, err := ParseWindow(tc.input)
			if tc.expectError {
				assert.NotNil(t, err, tc.name)
			} else {
				assert.Nil(t, err, tc.name)
				assert.Equal(t, tc.expectedOutput, actualOutput, tc.name)
			}
		})
	}
}

func TestNew_invalid(t *testing.T) {
	_, err := New(0, 60)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "capacity must be positive")

	_, err = New(10, 0)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "window must be positive")
}

func TestLimiter_Consume(t *testing.T) {
	l, err := New(5, 60)
	require.Nil(t, err)

	// The first burst up to capacity is admitted.
	for i := 0; i < 5; i++ {
		res := l.Consume("10.0.0.1")
		assert.True(t, res.Allowed, "request %d should be allowed", i)
	}

	// The next request is denied with a sensible retry hint. A single
	// token refills in window/capacity = 12s, so the hint never exceeds
	// that by more than rounding.
	res := l.Consume("10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 12*time.Second)
}

func TestLimiter_Consume_perKey(t *testing.T) {
	l, err := New(1, 60)
	require.Nil(t, err)

	assert.True(t, l.Consume("a").Allowed)
	assert.False(t, l.Consume("a").Allowed)

	// A different key owns its own bucket.
	assert.True(t, l.Consume("b").Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_sweep(t *testing.T) {
	l, err := New(3, 1)
	require.Nil(t, err)

	l.Consume("a")
	l.Consume("b")
	require.Equal(t, 2, l.Len())

	// Sweeping immediately keeps the buckets: they are neither idle for a
	// full window nor refilled to capacity.
	l.sweep(time.Now())
	assert.Equal(t, 2, l.Len())

	// Well past the window both buckets are full and idle, so they go.
	l.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, l.Len())
}
