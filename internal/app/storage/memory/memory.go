// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	families  map[string]family.Family
	children  map[string]family.Child
	removals  map[string]family.RemovalRequest
	proposals map[string]proposal.Proposal
	grants    map[string]access.Grant
	auditLog  map[string][]audit.Entry
}

var _ storage.FamilyStore = (*Store)(nil)
var _ storage.ChildStore = (*Store)(nil)
var _ storage.ProposalStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		families:  make(map[string]family.Family),
		children:  make(map[string]family.Child),
		removals:  make(map[string]family.RemovalRequest),
		proposals: make(map[string]proposal.Proposal),
		grants:    make(map[string]access.Grant),
		auditLog:  make(map[string][]audit.Entry),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// FamilyStore implementation --------------------------------------------------

func (s *Store) CreateFamily(_ context.Context, fam family.Family) (family.Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fam.ID == "" {
		fam.ID = s.nextIDLocked()
	} else if _, exists := s.families[fam.ID]; exists {
		return family.Family{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	fam.CreatedAt = now
	fam.UpdatedAt = now
	fam.Guardians = append([]string(nil), fam.Guardians...)

	s.families[fam.ID] = fam
	return cloneFamily(fam), nil
}

func (s *Store) UpdateFamily(_ context.Context, fam family.Family) (family.Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.families[fam.ID]
	if !ok {
		return family.Family{}, storage.ErrNotFound
	}

	fam.CreatedAt = original.CreatedAt
	fam.UpdatedAt = time.Now().UTC()
	fam.Guardians = append([]string(nil), fam.Guardians...)

	s.families[fam.ID] = fam
	return cloneFamily(fam), nil
}

func (s *Store) GetFamily(_ context.Context, id string) (family.Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fam, ok := s.families[id]
	if !ok {
		return family.Family{}, storage.ErrNotFound
	}
	return cloneFamily(fam), nil
}

func (s *Store) CreateRemovalRequest(_ context.Context, req family.RemovalRequest) (family.RemovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = s.nextIDLocked()
	} else if _, exists := s.removals[req.ID]; exists {
		return family.RemovalRequest{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Version = 1

	s.removals[req.ID] = req
	return req, nil
}

func (s *Store) GetRemovalRequest(_ context.Context, id string) (family.RemovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.removals[id]
	if !ok {
		return family.RemovalRequest{}, storage.ErrNotFound
	}
	return req, nil
}

func (s *Store) UpdateRemovalRequest(_ context.Context, req family.RemovalRequest, expectedVersion int64) (family.RemovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.removals[req.ID]
	if !ok {
		return family.RemovalRequest{}, storage.ErrNotFound
	}
	if original.Version != expectedVersion {
		return family.RemovalRequest{}, storage.ErrVersionConflict
	}

	req.CreatedAt = original.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	req.Version = original.Version + 1

	s.removals[req.ID] = req
	return req, nil
}

func (s *Store) ListRemovalRequests(_ context.Context, familyID string) ([]family.RemovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]family.RemovalRequest, 0)
	for _, req := range s.removals {
		if familyID == "" || req.FamilyID == familyID {
			result = append(result, req)
		}
	}
	return result, nil
}

func (s *Store) ListExpiredPendingRemovals(_ context.Context, now time.Time) ([]family.RemovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]family.RemovalRequest, 0)
	for _, req := range s.removals {
		if req.Status == family.RemovalPending && !now.Before(req.ExpiresAt) {
			result = append(result, req)
		}
	}
	return result, nil
}

// ChildStore implementation ---------------------------------------------------

func (s *Store) CreateChild(_ context.Context, child family.Child) (family.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if child.ID == "" {
		child.ID = s.nextIDLocked()
	} else if _, exists := s.children[child.ID]; exists {
		return family.Child{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	child.CreatedAt = now
	child.UpdatedAt = now
	child.Settings = cloneMap(child.Settings)

	s.children[child.ID] = child
	return cloneChild(child), nil
}

func (s *Store) GetChild(_ context.Context, id string) (family.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child, ok := s.children[id]
	if !ok {
		return family.Child{}, storage.ErrNotFound
	}
	return cloneChild(child), nil
}

func (s *Store) ListChildren(_ context.Context, familyID string) ([]family.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]family.Child, 0)
	for _, child := range s.children {
		if familyID == "" || child.FamilyID == familyID {
			result = append(result, cloneChild(child))
		}
	}
	return result, nil
}

func (s *Store) UpdateChildSetting(_ context.Context, childID string, kind proposal.SettingKind, value string) (family.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child, ok := s.children[childID]
	if !ok {
		return family.Child{}, storage.ErrNotFound
	}

	settings := cloneMap(child.Settings)
	if settings == nil {
		settings = make(map[string]string)
	}
	settings[string(kind)] = value
	child.Settings = settings
	child.UpdatedAt = time.Now().UTC()

	s.children[childID] = child
	return cloneChild(child), nil
}

// ProposalStore implementation ------------------------------------------------

func (s *Store) CreateProposal(_ context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.proposals[p.ID]; exists {
		return proposal.Proposal{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Version = 1

	s.proposals[p.ID] = cloneProposal(p)
	return cloneProposal(p), nil
}

func (s *Store) GetProposal(_ context.Context, id string) (proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return proposal.Proposal{}, storage.ErrNotFound
	}
	return cloneProposal(p), nil
}

func (s *Store) UpdateProposal(_ context.Context, p proposal.Proposal, expectedVersion int64) (proposal.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.proposals[p.ID]
	if !ok {
		return proposal.Proposal{}, storage.ErrNotFound
	}
	if original.Version != expectedVersion {
		return proposal.Proposal{}, storage.ErrVersionConflict
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Version = original.Version + 1

	s.proposals[p.ID] = cloneProposal(p)
	return cloneProposal(p), nil
}

func (s *Store) ListProposals(_ context.Context, familyID string) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if familyID == "" || p.FamilyID == familyID {
			result = append(result, cloneProposal(p))
		}
	}
	return result, nil
}

func (s *Store) ListOpenProposals(_ context.Context, subjectID string, kind proposal.SettingKind) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if p.SubjectID != subjectID || p.SettingKind != kind {
			continue
		}
		if !p.Status.Terminal() {
			result = append(result, cloneProposal(p))
		}
	}
	return result, nil
}

func (s *Store) ListDueCooling(_ context.Context, now time.Time) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if p.Status != proposal.StatusCoolingInProgress || p.Cooling == nil {
			continue
		}
		if p.Cooling.CancelledBy == "" && !now.Before(p.Cooling.EndsAt) {
			result = append(result, cloneProposal(p))
		}
	}
	return result, nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if p.Status == proposal.StatusPending && !now.Before(p.ExpiresAt) {
			result = append(result, cloneProposal(p))
		}
	}
	return result, nil
}

func (s *Store) ListRecentDeclines(_ context.Context, subjectID string, kind proposal.SettingKind, cutoff time.Time) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if p.SubjectID != subjectID || p.SettingKind != kind {
			continue
		}
		if p.Status == proposal.StatusDeclined && p.RespondedAt != nil && p.RespondedAt.After(cutoff) {
			result = append(result, cloneProposal(p))
		}
	}
	return result, nil
}

// GrantStore implementation ---------------------------------------------------

func (s *Store) CreateGrant(_ context.Context, g access.Grant) (access.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = s.nextIDLocked()
	} else if _, exists := s.grants[g.ID]; exists {
		return access.Grant{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Scopes = append([]access.Scope(nil), g.Scopes...)

	s.grants[g.ID] = g
	return cloneGrant(g), nil
}

func (s *Store) GetGrant(_ context.Context, id string) (access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return access.Grant{}, storage.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *Store) UpdateGrant(_ context.Context, g access.Grant) (access.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.grants[g.ID]
	if !ok {
		return access.Grant{}, storage.ErrNotFound
	}

	g.CreatedAt = original.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	g.Scopes = append([]access.Scope(nil), g.Scopes...)

	s.grants[g.ID] = g
	return cloneGrant(g), nil
}

func (s *Store) ListGrants(_ context.Context, childID string) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]access.Grant, 0)
	for _, g := range s.grants {
		if childID == "" || g.ChildID == childID {
			result = append(result, cloneGrant(g))
		}
	}
	return result, nil
}

func (s *Store) ListLapsedGrants(_ context.Context, now time.Time) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]access.Grant, 0)
	for _, g := range s.grants {
		if g.Status == access.GrantActive && !now.Before(g.EndsAt) {
			result = append(result, cloneGrant(g))
		}
	}
	return result, nil
}

// AuditStore implementation ---------------------------------------------------

func (s *Store) AppendAudit(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.auditLog[entry.FamilyID] = append(s.auditLog[entry.FamilyID], entry)
	return entry, nil
}

func (s *Store) ListAudit(_ context.Context, familyID string, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.auditLog[familyID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]audit.Entry, limit)
	copy(result, entries[len(entries)-limit:])
	return result, nil
}

// Helpers --------------------------------------------------------------------

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneFamily(fam family.Family) family.Family {
	fam.Guardians = append([]string(nil), fam.Guardians...)
	return fam
}

func cloneChild(child family.Child) family.Child {
	child.Settings = cloneMap(child.Settings)
	return child
}

func cloneGrant(g access.Grant) access.Grant {
	g.Scopes = append([]access.Scope(nil), g.Scopes...)
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		g.RevokedAt = &t
	}
	return g
}

func cloneProposal(p proposal.Proposal) proposal.Proposal {
	if p.RespondedAt != nil {
		t := *p.RespondedAt
		p.RespondedAt = &t
	}
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		p.AppliedAt = &t
	}
	if p.Cooling != nil {
		c := *p.Cooling
		if c.CancelledAt != nil {
			t := *c.CancelledAt
			c.CancelledAt = &t
		}
		p.Cooling = &c
	}
	if p.Dispute != nil {
		d := *p.Dispute
		if d.ResolvedAt != nil {
			t := *d.ResolvedAt
			d.ResolvedAt = &t
		}
		p.Dispute = &d
	}
	return p
}
