// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMatcher_invalid(t *testing.T) {
	testCases := []struct {
		inputHosts    map[string]Target
		expectedError string
		name          string
	}{
		{
			inputHosts:    map[string]Target{"": {App: "site"}},
			expectedError: "virtual host pattern must not be empty",
			name:          "empty pattern",
		},
		{
			inputHosts:    map[string]Target{"sked.ly": {}},
			expectedError: "must name an app",
			name:          "missing app",
		},
		{
			inputHosts:    map[string]Target{"*.": {App: "site"}},
			expectedError: "invalid wildcard virtual host pattern",
			name:          "bare wildcard",
		},
		{
			inputHosts:    map[string]Target{"api.*.sked.ly": {App: "site"}},
			expectedError: "only supported as a leading label",
			name:          "embedded wildcard",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMatcher(tc.inputHosts)
			assert.NotNil(t, err, tc.name)
			assert.Contains(t, err.Error(), tc.expectedError, tc.name)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	m, err := NewMatcher(map[string]Target{
		"sked.ly":      {App: "marketing"},
		"*.sked.ly":    {App: "booking"},
		"docs.sked.ly": {App: "docs", PathPrefix: "/guides"},
	})
	assert.Nil(t, err)

	testCases := []struct {
		inputHost      string
		expectedOutput *Match
		name           string
	}{
		{
			inputHost:      "sked.ly",
			expectedOutput: &Match{App: "marketing"},
			name:           "exact host",
		},
		{
			inputHost:      "SKED.LY",
			expectedOutput: &Match{App: "marketing"},
			name:           "host matching is case insensitive",
		},
		{
			inputHost:      "sked.ly:8080",
			expectedOutput: &Match{App: "marketing"},
			name:           "port is stripped",
		},
		{
			inputHost:      "acme.sked.ly",
			expectedOutput: &Match{App: "booking", Tenant: "acme"},
			name:           "wildcard captures tenant",
		},
		{
			inputHost:      "a.b.sked.ly",
			expectedOutput: &Match{App: "booking", Tenant: "a.b"},
			name:           "wildcard captures multi-label tenant",
		},
		{
			inputHost:      "docs.sked.ly",
			expectedOutput: &Match{App: "docs", PathPrefix: "/guides"},
			name:           "exact wins over wildcard",
		},
		{
			inputHost:      "example.com",
			expectedOutput: nil,
			name:           "unknown host",
		},
		{
			inputHost:      "",
			expectedOutput: nil,
			name:           "empty host",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actualOutput := m.Match(tc.inputHost)
			assert.Equal(t, tc.expectedOutput, actualOutput, tc.name)
		})
	}
}

func TestMatcher_Match_wildcardNeverMatchesBase(t *testing.T) {
	m, err := NewMatcher(map[string]Target{
		"*.sked.ly": {App: "booking"},
	})
	assert.Nil(t, err)
	assert.Nil(t, m.Match("sked.ly"))
}

func TestMatcher_Match_nilMatcher(t *testing.T) {
	var m *Matcher
	assert.Nil(t, m.Match("sked.ly"))
}
