// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package glob compiles URL path glob patterns into matchers. The separator
// aware semantics are: `*` matches any run of characters excluding `/`, `**`
// matches across separators, and `?` matches exactly one non-separator
// character.
package glob

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
)

// Matcher reports whether a path matches one or more compiled patterns.
type Matcher interface {
	Match(path string) bool
}

type single struct {
	g glob.Glob
}

func (s *single) Match(path string) bool { return s.g.Match(path) }

// anyOf matches when any member pattern matches.
type anyOf struct {
	members []Matcher
}

func (a *anyOf) Match(path string) bool {
	for _, m := range a.members {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Compile builds a Matcher from a single pattern.
func Compile(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %v", pattern, err)
	}
	return &single{g: g}, nil
}

// CompileAll builds a Matcher which matches iff any of the given patterns
// matches. An empty pattern list yields a matcher that never matches.
func CompileAll(patterns []string) (Matcher, error) {
	var mErr *multierror.Error

	members := make([]Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := Compile(p)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		members = append(members, m)
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &anyOf{members: members}, nil
}
