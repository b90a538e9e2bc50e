// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package uuid

import "github.com/google/uuid"

// Generate returns a random UUID string for use as worker handle and request
// identifiers.
func Generate() string {
	return uuid.NewString()
}
