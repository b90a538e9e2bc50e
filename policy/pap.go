// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/go-multierror"
)

// Store is the policy administration point: an in-memory policy set with an
// optional file-backed mirror. Readers obtain consistent snapshots; writers
// serialize through the store lock.
type Store struct {
	log hclog.Logger

	// mirrorPath, when set, is rewritten after every mutation so the
	// policy set survives restarts.
	mirrorPath string

	lock     sync.RWMutex
	policies map[string]*Policy
}

// NewStore creates an empty policy store. When mirrorPath is non-empty the
// store loads it at construction (a missing file is not an error) and saves
// to it after every mutation.
func NewStore(log hclog.Logger, mirrorPath string) (*Store, error) {
	s := &Store{
		log:        log.Named("policy_store"),
		mirrorPath: mirrorPath,
		policies:   make(map[string]*Policy),
	}

	if mirrorPath != "" {
		if err := s.Load(mirrorPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return s, nil
}

// List returns a snapshot of all policies ordered by descending priority,
// ties broken by id for stability.
func (s *Store) List() []*Policy {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the policy with the given id, or nil.
func (s *Store) Get(id string) *Policy {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.policies[id].Copy()
}

// Len returns the number of stored policies.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.policies)
}

// Upsert validates and stores the policy, replacing any existing policy
// with the same id.
func (s *Store) Upsert(p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}

	s.lock.Lock()
	s.policies[p.ID] = p.Copy()
	s.lock.Unlock()

	return s.mirror()
}

// Delete removes the policy with the given id, reporting whether it
// existed.
func (s *Store) Delete(id string) (bool, error) {
	s.lock.Lock()
	_, ok := s.policies[id]
	delete(s.policies, id)
	s.lock.Unlock()

	if !ok {
		return false, nil
	}
	return true, s.mirror()
}

// Clear drops all policies.
func (s *Store) Clear() error {
	s.lock.Lock()
	s.policies = make(map[string]*Policy)
	s.lock.Unlock()
	return s.mirror()
}

// LoadFromArray validates and stores every policy in the slice. Existing
// policies with colliding ids are replaced; the rest of the set is kept.
func (s *Store) LoadFromArray(policies []*Policy) error {
	var mErr *multierror.Error
	for _, p := range policies {
		if err := Validate(p); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	s.lock.Lock()
	for _, p := range policies {
		s.policies[p.ID] = p.Copy()
	}
	s.lock.Unlock()

	return s.mirror()
}

// policyFile is the on-disk shape: either a bare JSON array or an object
// with a policies member.
type policyFile struct {
	Policies []*Policy `json:"policies"`
}

// Load reads a policy file, replacing the current set. The file may be a
// JSON array of policies or an object `{"policies": [...]}`.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	policies, err := decodePolicies(data)
	if err != nil {
		return fmt.Errorf("failed to parse policy file %s: %v", path, err)
	}

	var mErr *multierror.Error
	for _, p := range policies {
		if err := Validate(p); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid policy file %s: %v", path, err)
	}

	next := make(map[string]*Policy, len(policies))
	for _, p := range policies {
		next[p.ID] = p.Copy()
	}

	s.lock.Lock()
	s.policies = next
	s.lock.Unlock()

	s.log.Debug("loaded policy file", "path", path, "policies", len(policies))
	return nil
}

// Save writes the current policy set to path as a `{"policies": [...]}`
// object.
func (s *Store) Save(path string) error {
	policies := s.List()

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.JsonHandle{HTMLCharsAsIs: true})
	if err := enc.Encode(policyFile{Policies: policies}); err != nil {
		return fmt.Errorf("failed to encode policy file: %v", err)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write policy file %s: %v", path, err)
	}
	return nil
}

// decodePolicies accepts both file shapes.
func decodePolicies(data []byte) ([]*Policy, error) {
	var arr []*Policy
	if err := codec.NewDecoderBytes(data, &codec.JsonHandle{}).Decode(&arr); err == nil {
		return arr, nil
	}

	var obj policyFile
	if err := codec.NewDecoderBytes(data, &codec.JsonHandle{}).Decode(&obj); err != nil {
		return nil, err
	}
	return obj.Policies, nil
}

func (s *Store) mirror() error {
	if s.mirrorPath == "" {
		return nil
	}
	if err := s.Save(s.mirrorPath); err != nil {
		s.log.Error("failed to mirror policy store", "path", s.mirrorPath, "error", err)
		return err
	}
	return nil
}

// Validate checks the structural requirements of a policy: a non-empty id,
// a known effect, and present (possibly empty) match lists.
func Validate(p *Policy) error {
	var mErr *multierror.Error

	if p == nil {
		return fmt.Errorf("policy must not be nil")
	}
	if p.ID == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("policy id is required"))
	}
	if p.Effect != EffectPermit && p.Effect != EffectDeny {
		mErr = multierror.Append(mErr, fmt.Errorf("policy %s: effect must be permit or deny", p.ID))
	}
	if p.Subjects == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("policy %s: subjects is required", p.ID))
	}
	if p.Resources == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("policy %s: resources is required", p.ID))
	}
	if p.Actions == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("policy %s: actions is required", p.ID))
	}

	for i := range p.Conditions {
		c := &p.Conditions[i]
		if c.Time != nil {
			if c.Time.After != "" {
				if _, err := parseClock(c.Time.After); err != nil {
					mErr = multierror.Append(mErr, fmt.Errorf("policy %s: %v", p.ID, err))
				}
			}
			if c.Time.Before != "" {
				if _, err := parseClock(c.Time.Before); err != nil {
					mErr = multierror.Append(mErr, fmt.Errorf("policy %s: %v", p.ID, err))
				}
			}
			for _, d := range c.Time.DaysOfWeek {
				if d < 0 || d > 6 {
					mErr = multierror.Append(mErr, fmt.Errorf("policy %s: dayOfWeek %d out of range", p.ID, d))
				}
			}
		}
	}

	return mErr.ErrorOrNil()
}
