// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package uuid

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	// Random version-4 UUIDs in canonical form.
	re := regexp.MustCompile(`^[\da-f]{8}-[\da-f]{4}-4[\da-f]{3}-[\da-f]{4}-[\da-f]{12}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := Generate()
		assert.True(t, re.MatchString(id), id)

		_, dup := seen[id]
		require.False(t, dup, id)
		seen[id] = struct{}{}
	}
}
