// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	hclog "github.com/hashicorp/go-hclog"
)

// SeedOptions controls boot-time seeding of a policy store with a bundled
// policy set.
type SeedOptions struct {
	// Environments gates seeding on the runtime environment name. The
	// wildcard "*" matches every environment; an empty list disables
	// seeding entirely.
	Environments []string

	// OnlyIfEmpty skips seeding when the store already holds policies.
	OnlyIfEmpty bool
}

// Seed loads the bundled policies into the store subject to the gating
// options. It reports whether seeding ran.
func Seed(log hclog.Logger, store *Store, policies []*Policy, environment string, opts SeedOptions) (bool, error) {
	if !environmentAllowed(opts.Environments, environment) {
		log.Debug("policy seeding skipped, environment not gated in",
			"environment", environment)
		return false, nil
	}

	if opts.OnlyIfEmpty && store.Len() > 0 {
		log.Debug("policy seeding skipped, store is not empty",
			"policies", store.Len())
		return false, nil
	}

	if err := store.LoadFromArray(policies); err != nil {
		return false, err
	}

	log.Info("seeded policy store", "policies", len(policies), "environment", environment)
	return true, nil
}

func environmentAllowed(gate []string, environment string) bool {
	for _, e := range gate {
		if e == "*" || e == environment {
			return true
		}
	}
	return false
}
