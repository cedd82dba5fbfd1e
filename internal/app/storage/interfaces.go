// Package storage declares the persistence contracts used by the application
// services. One real adapter (postgres) and one in-memory adapter implement
// the same contract; services never see the database driver.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
)

// Sentinel errors shared by all adapters.
var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict indicates a conditional update observed a version
	// other than the one the caller read. The caller must re-read and
	// re-validate before retrying.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists indicates a uniqueness violation on create.
	ErrAlreadyExists = errors.New("record already exists")
)

// FamilyStore persists families and guardian-removal requests.
type FamilyStore interface {
	CreateFamily(ctx context.Context, fam family.Family) (family.Family, error)
	UpdateFamily(ctx context.Context, fam family.Family) (family.Family, error)
	GetFamily(ctx context.Context, id string) (family.Family, error)

	CreateRemovalRequest(ctx context.Context, req family.RemovalRequest) (family.RemovalRequest, error)
	GetRemovalRequest(ctx context.Context, id string) (family.RemovalRequest, error)
	// UpdateRemovalRequest writes req iff the stored version equals
	// expectedVersion, bumping the version on success.
	UpdateRemovalRequest(ctx context.Context, req family.RemovalRequest, expectedVersion int64) (family.RemovalRequest, error)
	ListRemovalRequests(ctx context.Context, familyID string) ([]family.RemovalRequest, error)
	ListExpiredPendingRemovals(ctx context.Context, now time.Time) ([]family.RemovalRequest, error)
}

// ChildStore persists monitored children. Setting writes are field-scoped so
// concurrent writes to unrelated settings never clobber each other.
type ChildStore interface {
	CreateChild(ctx context.Context, child family.Child) (family.Child, error)
	GetChild(ctx context.Context, id string) (family.Child, error)
	ListChildren(ctx context.Context, familyID string) ([]family.Child, error)
	// UpdateChildSetting writes one setting key plus the updated-at marker.
	// Writing a value equal to the stored one is a no-op and not an error.
	UpdateChildSetting(ctx context.Context, childID string, kind proposal.SettingKind, value string) (family.Child, error)
}

// ProposalStore persists safety-setting proposals.
type ProposalStore interface {
	CreateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error)
	GetProposal(ctx context.Context, id string) (proposal.Proposal, error)
	// UpdateProposal writes p iff the stored version equals expectedVersion,
	// bumping the version on success. This is the single-document
	// read-validate-write primitive every transition relies on.
	UpdateProposal(ctx context.Context, p proposal.Proposal, expectedVersion int64) (proposal.Proposal, error)
	ListProposals(ctx context.Context, familyID string) ([]proposal.Proposal, error)
	// ListOpenProposals returns non-terminal proposals for the subject and
	// kind, used to enforce one in-flight path per (subject, kind).
	ListOpenProposals(ctx context.Context, subjectID string, kind proposal.SettingKind) ([]proposal.Proposal, error)
	// ListDueCooling returns cooling_in_progress proposals whose cooling end
	// is at or before now and which have not been cancelled.
	ListDueCooling(ctx context.Context, now time.Time) ([]proposal.Proposal, error)
	// ListExpiredPending returns pending proposals whose response window has
	// closed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]proposal.Proposal, error)
	// ListRecentDeclines returns declined proposals for the subject and kind
	// responded to after cutoff, used for the re-proposal cooldown.
	ListRecentDeclines(ctx context.Context, subjectID string, kind proposal.SettingKind, cutoff time.Time) ([]proposal.Proposal, error)
}

// GrantStore persists caregiver access grants.
type GrantStore interface {
	CreateGrant(ctx context.Context, g access.Grant) (access.Grant, error)
	GetGrant(ctx context.Context, id string) (access.Grant, error)
	UpdateGrant(ctx context.Context, g access.Grant) (access.Grant, error)
	ListGrants(ctx context.Context, childID string) ([]access.Grant, error)
	// ListLapsedGrants returns active grants whose window closed at or
	// before now.
	ListLapsedGrants(ctx context.Context, now time.Time) ([]access.Grant, error)
}

// AuditStore persists the audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	ListAudit(ctx context.Context, familyID string, limit int) ([]audit.Entry, error)
}
