// Package proposals implements the two-party approval workflow over
// protective settings: proposal creation, second-guardian response, the
// cooling-off delay on protection decreases, emergency auto-applied increases
// and their dispute path.
package proposals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/metrics"
	"github.com/FamShield/safety_layer/internal/app/services/notify"
	"github.com/FamShield/safety_layer/internal/app/storage"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
	"github.com/FamShield/safety_layer/pkg/logger"
)

// Service owns proposal state transitions. Every transition is validated and
// written through the store's conditional update so two concurrent callers
// cannot both advance the same snapshot.
type Service struct {
	families   storage.FamilyStore
	children   storage.ChildStore
	store      storage.ProposalStore
	audit      storage.AuditStore
	dispatcher *notify.Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// New constructs a proposal service.
func New(families storage.FamilyStore, children storage.ChildStore, store storage.ProposalStore, auditStore storage.AuditStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("proposals")
	}
	return &Service{
		families: families,
		children: children,
		store:    store,
		audit:    auditStore,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AttachDispatcher assigns the notification dispatcher consuming committed
// transition events.
func (s *Service) AttachDispatcher(d *notify.Dispatcher) {
	s.dispatcher = d
}

// WithClock overrides the time source. Tests use this to pin "now".
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RespondResult reports a committed response. EnteredCooling distinguishes
// "applied immediately" from "entered cooling period" so the caller can
// render the correct waiting-period UI.
type RespondResult struct {
	Proposal       proposal.Proposal `json:"proposal"`
	EnteredCooling bool              `json:"entered_cooling"`
	Message        string            `json:"message"`
}

// Propose creates a pending proposal for a change to one of the child's
// protective settings.
func (s *Service) Propose(ctx context.Context, callerID, subjectID string, kind proposal.SettingKind, proposedValue string) (proposal.Proposal, error) {
	callerID = strings.TrimSpace(callerID)
	subjectID = strings.TrimSpace(subjectID)
	if callerID == "" {
		return proposal.Proposal{}, svcerrors.Unauthorized("")
	}
	if subjectID == "" {
		return proposal.Proposal{}, svcerrors.InvalidArgument("subject_id is required")
	}
	if !proposal.KnownKind(kind) {
		return proposal.Proposal{}, svcerrors.InvalidArgument(fmt.Sprintf("unknown setting kind %q", kind)).WithDetails("setting_kind", string(kind))
	}
	if err := proposal.ValidateValue(kind, proposedValue); err != nil {
		return proposal.Proposal{}, svcerrors.InvalidArgument(err.Error()).WithDetails("proposed_value", proposedValue)
	}

	child, fam, err := s.authorizeGuardian(ctx, callerID, subjectID)
	if err != nil {
		return proposal.Proposal{}, err
	}

	now := s.now()

	open, err := s.store.ListOpenProposals(ctx, subjectID, kind)
	if err != nil {
		return proposal.Proposal{}, svcerrors.Internal("list open proposals", err)
	}
	for _, p := range open {
		// auto_applied inside its dispute window also blocks a new path.
		if p.Status == proposal.StatusPending && !now.Before(p.ExpiresAt) {
			continue // stale pending, will be swept
		}
		if p.Status == proposal.StatusAutoApplied && !proposal.CanDispute(p, now) {
			continue // dispute window closed, effectively settled
		}
		return proposal.Proposal{}, svcerrors.AlreadyExists(fmt.Sprintf("a proposal for %s is already in flight", kind)).WithDetails("proposal_id", p.ID)
	}

	declines, err := s.store.ListRecentDeclines(ctx, subjectID, kind, now.Add(-proposal.ReproposalCooldown))
	if err != nil {
		return proposal.Proposal{}, svcerrors.Internal("list recent declines", err)
	}
	if len(declines) > 0 {
		return proposal.Proposal{}, svcerrors.FailedPrecondition(
			fmt.Sprintf("a proposal for %s was declined recently; wait out the cooldown", kind)).
			WithDetails("retry_after", declines[0].RespondedAt.Add(proposal.ReproposalCooldown))
	}

	p := proposal.Proposal{
		FamilyID:      child.FamilyID,
		SubjectID:     subjectID,
		ProposedBy:    callerID,
		SettingKind:   kind,
		CurrentValue:  child.Settings[string(kind)],
		ProposedValue: strings.TrimSpace(proposedValue),
		Status:        proposal.StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(proposal.ResponseWindow),
	}
	created, err := s.store.CreateProposal(ctx, p)
	if err != nil {
		return proposal.Proposal{}, svcerrors.Internal("create proposal", err)
	}

	metrics.RecordTransition(string(created.Status))
	s.log.WithField("proposal_id", created.ID).
		WithField("subject_id", subjectID).
		WithField("setting_kind", string(kind)).
		Info("proposal created")

	s.afterCommit(ctx, created, callerID, "proposal.create", fam, notify.EventProposalCreated,
		fmt.Sprintf("%s proposed %s -> %s", kind, created.CurrentValue, created.ProposedValue))
	return created, nil
}

// Respond records a second guardian's approval or decline. Approvals of
// protection-decreasing changes enter a cooling period instead of applying.
func (s *Service) Respond(ctx context.Context, callerID, proposalID string, approve bool, message string) (RespondResult, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return RespondResult{}, svcerrors.Unauthorized("")
	}

	p, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return RespondResult{}, err
	}
	fam, err := s.guardianOfFamily(ctx, callerID, p.FamilyID)
	if err != nil {
		return RespondResult{}, err
	}
	// Self-approval check comes before any state inspection.
	if callerID == p.ProposedBy {
		return RespondResult{}, svcerrors.PermissionDenied("a proposal cannot be approved or declined by its proposer")
	}

	now := s.now()
	if !proposal.CanRespond(p, now) {
		if p.Status != proposal.StatusPending {
			return RespondResult{}, svcerrors.FailedPrecondition(
				fmt.Sprintf("proposal is %s and no longer accepts a response", p.Status))
		}
		return RespondResult{}, svcerrors.WindowExpired("the response window for this proposal has closed")
	}

	expectedVersion := p.Version
	respondedAt := now
	p.RespondedBy = callerID
	p.RespondedAt = &respondedAt
	p.Message = strings.TrimSpace(message)

	if !approve {
		p.Status = proposal.StatusDeclined
		updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
		if err != nil {
			return RespondResult{}, s.mapUpdateError(err)
		}
		metrics.RecordTransition(string(updated.Status))
		s.afterCommit(ctx, updated, callerID, "proposal.decline", fam, notify.EventProposalDeclined, "")
		return RespondResult{Proposal: updated, Message: "proposal declined"}, nil
	}

	if proposal.RequiresCoolingPeriod(p.SettingKind, p.CurrentValue, p.ProposedValue) {
		p.Status = proposal.StatusCoolingInProgress
		p.Cooling = &proposal.CoolingPeriod{
			StartsAt: now,
			EndsAt:   now.Add(proposal.CoolingWindow),
		}
		// The original value stays live until the cooling period resolves.
		updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
		if err != nil {
			return RespondResult{}, s.mapUpdateError(err)
		}
		metrics.RecordTransition(string(updated.Status))
		s.afterCommit(ctx, updated, callerID, "proposal.approve", fam, notify.EventCoolingStarted,
			fmt.Sprintf("cooling until %s", updated.Cooling.EndsAt.Format(time.RFC3339)))
		return RespondResult{
			Proposal:       updated,
			EnteredCooling: true,
			Message:        "approved; the change enters a cooling period before taking effect",
		}, nil
	}

	appliedAt := now
	p.Status = proposal.StatusApproved
	p.AppliedAt = &appliedAt
	updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
	if err != nil {
		return RespondResult{}, s.mapUpdateError(err)
	}
	if err := s.applySetting(ctx, updated.SubjectID, updated.SettingKind, updated.ProposedValue); err != nil {
		return RespondResult{}, err
	}
	metrics.RecordTransition(string(updated.Status))
	s.afterCommit(ctx, updated, callerID, "proposal.approve", fam, notify.EventProposalApproved, "applied immediately")
	return RespondResult{Proposal: updated, Message: "approved and applied immediately"}, nil
}

// CancelCooling halts a cooling period before it completes. Either the
// proposer or the responder may cancel; the proposed change is never applied.
func (s *Service) CancelCooling(ctx context.Context, callerID, proposalID string) (proposal.Proposal, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return proposal.Proposal{}, svcerrors.Unauthorized("")
	}

	p, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return proposal.Proposal{}, err
	}
	fam, err := s.guardianOfFamily(ctx, callerID, p.FamilyID)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if callerID != p.ProposedBy && callerID != p.RespondedBy {
		return proposal.Proposal{}, svcerrors.PermissionDenied("only the proposer or the responder may cancel the cooling period")
	}

	now := s.now()
	if !proposal.CanCancelCooling(p, now) {
		if p.Status == proposal.StatusCoolingInProgress && p.Cooling != nil && p.Cooling.CancelledBy == "" {
			return proposal.Proposal{}, svcerrors.WindowExpired("the cooling period has already ended")
		}
		return proposal.Proposal{}, svcerrors.FailedPrecondition("the cooling period is not cancellable")
	}

	expectedVersion := p.Version
	cancelledAt := now
	p.Status = proposal.StatusCoolingCancelled
	p.Cooling.CancelledBy = callerID
	p.Cooling.CancelledAt = &cancelledAt

	updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
	if err != nil {
		return proposal.Proposal{}, s.mapUpdateError(err)
	}
	metrics.RecordTransition(string(updated.Status))
	s.log.WithField("proposal_id", updated.ID).
		WithField("cancelled_by", callerID).
		Info("cooling period cancelled")
	s.afterCommit(ctx, updated, callerID, "proposal.cancel_cooling", fam, notify.EventCoolingCancelled, "")
	return updated, nil
}

// Dispute contests an emergency auto-applied increase within its dispute
// window, reverting the subject to the pre-change value.
func (s *Service) Dispute(ctx context.Context, callerID, proposalID, reason string) (proposal.Proposal, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return proposal.Proposal{}, svcerrors.Unauthorized("")
	}

	p, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return proposal.Proposal{}, err
	}
	fam, err := s.guardianOfFamily(ctx, callerID, p.FamilyID)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if callerID == p.ProposedBy {
		return proposal.Proposal{}, svcerrors.PermissionDenied("an emergency change cannot be disputed by its proposer")
	}

	now := s.now()
	if !proposal.CanDispute(p, now) {
		if p.Status != proposal.StatusAutoApplied {
			return proposal.Proposal{}, svcerrors.FailedPrecondition(
				fmt.Sprintf("proposal is %s and not disputable", p.Status))
		}
		return proposal.Proposal{}, svcerrors.WindowExpired("the dispute window for this change has closed")
	}

	expectedVersion := p.Version
	resolvedAt := now
	p.Status = proposal.StatusReverted
	p.Dispute = &proposal.Dispute{
		DisputedBy: callerID,
		DisputedAt: now,
		Reason:     strings.TrimSpace(reason),
		ResolvedAt: &resolvedAt,
		Resolution: "reverted",
	}

	updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
	if err != nil {
		return proposal.Proposal{}, s.mapUpdateError(err)
	}
	// Undo the auto-applied increase.
	if err := s.applySetting(ctx, updated.SubjectID, updated.SettingKind, updated.CurrentValue); err != nil {
		return proposal.Proposal{}, err
	}
	metrics.RecordTransition(string(updated.Status))
	s.log.WithField("proposal_id", updated.ID).
		WithField("disputed_by", callerID).
		Info("emergency change reverted")
	s.afterCommit(ctx, updated, callerID, "proposal.dispute", fam, notify.EventDisputeReverted, p.Dispute.Reason)
	return updated, nil
}

// FileEmergency applies a protection increase immediately without waiting for
// second-party approval. The change remains disputable for the dispute
// window.
func (s *Service) FileEmergency(ctx context.Context, callerID, subjectID string, kind proposal.SettingKind, proposedValue, reason string) (proposal.Proposal, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return proposal.Proposal{}, svcerrors.Unauthorized("")
	}
	if !proposal.KnownKind(kind) {
		return proposal.Proposal{}, svcerrors.InvalidArgument(fmt.Sprintf("unknown setting kind %q", kind))
	}
	if err := proposal.ValidateValue(kind, proposedValue); err != nil {
		return proposal.Proposal{}, svcerrors.InvalidArgument(err.Error())
	}

	child, fam, err := s.authorizeGuardian(ctx, callerID, subjectID)
	if err != nil {
		return proposal.Proposal{}, err
	}

	current := child.Settings[string(kind)]
	if !proposal.IsProtectionIncrease(kind, current, proposedValue) {
		return proposal.Proposal{}, svcerrors.FailedPrecondition("emergency changes must increase protection")
	}

	now := s.now()
	open, err := s.store.ListOpenProposals(ctx, subjectID, kind)
	if err != nil {
		return proposal.Proposal{}, svcerrors.Internal("list open proposals", err)
	}
	for _, existing := range open {
		if existing.Status == proposal.StatusAutoApplied && !proposal.CanDispute(existing, now) {
			continue
		}
		if existing.Status == proposal.StatusPending && !now.Before(existing.ExpiresAt) {
			continue
		}
		return proposal.Proposal{}, svcerrors.AlreadyExists(fmt.Sprintf("a proposal for %s is already in flight", kind))
	}

	appliedAt := now
	p := proposal.Proposal{
		FamilyID:      child.FamilyID,
		SubjectID:     subjectID,
		ProposedBy:    callerID,
		SettingKind:   kind,
		CurrentValue:  current,
		ProposedValue: strings.TrimSpace(proposedValue),
		Status:        proposal.StatusAutoApplied,
		CreatedAt:     now,
		ExpiresAt:     now.Add(proposal.DisputeWindow),
		AppliedAt:     &appliedAt,
		Message:       strings.TrimSpace(reason),
	}
	created, err := s.store.CreateProposal(ctx, p)
	if err != nil {
		return proposal.Proposal{}, svcerrors.Internal("create emergency proposal", err)
	}
	if err := s.applySetting(ctx, created.SubjectID, created.SettingKind, created.ProposedValue); err != nil {
		return proposal.Proposal{}, err
	}

	metrics.RecordTransition(string(created.Status))
	s.log.WithField("proposal_id", created.ID).
		WithField("subject_id", subjectID).
		WithField("setting_kind", string(kind)).
		Warn("emergency protection increase auto-applied")
	s.afterCommit(ctx, created, callerID, "proposal.emergency", fam, notify.EventEmergencyApplied, created.Message)
	return created, nil
}

// Get fetches a proposal, authorizing the caller as a guardian of its family.
func (s *Service) Get(ctx context.Context, callerID, proposalID string) (proposal.Proposal, error) {
	p, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if _, err := s.guardianOfFamily(ctx, callerID, p.FamilyID); err != nil {
		return proposal.Proposal{}, err
	}
	return p, nil
}

// List lists proposals in a family, authorizing the caller as a guardian.
func (s *Service) List(ctx context.Context, callerID, familyID string) ([]proposal.Proposal, error) {
	if _, err := s.guardianOfFamily(ctx, callerID, familyID); err != nil {
		return nil, err
	}
	ps, err := s.store.ListProposals(ctx, familyID)
	if err != nil {
		return nil, svcerrors.Internal("list proposals", err)
	}
	return ps, nil
}

// CompleteDueCooling advances every uncancelled cooling period whose end has
// passed. Invoked by the sweep, never by a caller. A version conflict means a
// cancellation or another sweep won the race; the record is skipped.
func (s *Service) CompleteDueCooling(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueCooling(ctx, now)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, p := range due {
		// Re-check against the snapshot we are about to conditionally
		// update; the version check makes this atomic with the write.
		if p.Status != proposal.StatusCoolingInProgress || p.Cooling == nil {
			continue
		}
		if p.Cooling.CancelledBy != "" || now.Before(p.Cooling.EndsAt) {
			continue
		}

		expectedVersion := p.Version
		appliedAt := now
		p.Status = proposal.StatusCoolingCompleted
		p.AppliedAt = &appliedAt

		updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
		if err != nil {
			if err == storage.ErrVersionConflict {
				continue
			}
			s.log.WithError(err).WithField("proposal_id", p.ID).Warn("cooling completion write failed")
			continue
		}
		if err := s.applySetting(ctx, updated.SubjectID, updated.SettingKind, updated.ProposedValue); err != nil {
			s.log.WithError(err).WithField("proposal_id", updated.ID).Error("apply cooled setting failed")
			continue
		}
		metrics.RecordTransition(string(updated.Status))
		s.afterCommit(ctx, updated, "system", "proposal.cooling_completed", family.Family{ID: updated.FamilyID}, notify.EventCoolingCompleted, "")
		completed++
	}
	return completed, nil
}

// ExpireStalePending marks pending proposals whose response window closed.
func (s *Service) ExpireStalePending(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		if p.Status != proposal.StatusPending || now.Before(p.ExpiresAt) {
			continue
		}
		expectedVersion := p.Version
		p.Status = proposal.StatusExpired
		updated, err := s.store.UpdateProposal(ctx, p, expectedVersion)
		if err != nil {
			if err == storage.ErrVersionConflict {
				continue
			}
			s.log.WithError(err).WithField("proposal_id", p.ID).Warn("expiry write failed")
			continue
		}
		metrics.RecordTransition(string(updated.Status))
		s.afterCommit(ctx, updated, "system", "proposal.expired", family.Family{ID: updated.FamilyID}, notify.EventProposalExpired, "")
		expired++
	}
	return expired, nil
}

// applySetting is the mutation applier: one field-scoped, idempotent write to
// the subject record. Never called for pending or cooling_in_progress
// proposals.
func (s *Service) applySetting(ctx context.Context, subjectID string, kind proposal.SettingKind, value string) error {
	if _, err := s.children.UpdateChildSetting(ctx, subjectID, kind, value); err != nil {
		return svcerrors.Internal("apply setting", err)
	}
	return nil
}

func (s *Service) getProposal(ctx context.Context, proposalID string) (proposal.Proposal, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return proposal.Proposal{}, svcerrors.InvalidArgument("proposal_id is required")
	}
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return proposal.Proposal{}, svcerrors.NotFound("proposal not found")
		}
		return proposal.Proposal{}, svcerrors.Internal("get proposal", err)
	}
	return p, nil
}

func (s *Service) guardianOfFamily(ctx context.Context, callerID, familyID string) (family.Family, error) {
	fam, err := s.families.GetFamily(ctx, familyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return family.Family{}, svcerrors.NotFound("family not found")
		}
		return family.Family{}, svcerrors.Internal("get family", err)
	}
	if !fam.HasGuardian(callerID) {
		return family.Family{}, svcerrors.PermissionDenied("caller is not a guardian of this family")
	}
	return fam, nil
}

func (s *Service) authorizeGuardian(ctx context.Context, callerID, subjectID string) (family.Child, family.Family, error) {
	child, err := s.children.GetChild(ctx, subjectID)
	if err != nil {
		if err == storage.ErrNotFound {
			return family.Child{}, family.Family{}, svcerrors.NotFound("child not found")
		}
		return family.Child{}, family.Family{}, svcerrors.Internal("get child", err)
	}
	fam, err := s.guardianOfFamily(ctx, callerID, child.FamilyID)
	if err != nil {
		return family.Child{}, family.Family{}, err
	}
	return child, fam, nil
}

func (s *Service) mapUpdateError(err error) error {
	switch err {
	case storage.ErrVersionConflict:
		return svcerrors.FailedPrecondition("the proposal changed concurrently; re-read and retry")
	case storage.ErrNotFound:
		return svcerrors.NotFound("proposal not found")
	default:
		return svcerrors.Internal("update proposal", err)
	}
}

// afterCommit records the audit entry and notification for a committed
// transition. Failures here are logged and never surfaced: the transition's
// success is the source of truth.
func (s *Service) afterCommit(ctx context.Context, p proposal.Proposal, actor, action string, fam family.Family, eventType, detail string) {
	if s.audit != nil {
		entry := audit.Entry{
			FamilyID:   p.FamilyID,
			Actor:      actor,
			Action:     action,
			ProposalID: p.ID,
			SubjectID:  p.SubjectID,
			Detail:     detail,
		}
		if _, err := s.audit.AppendAudit(ctx, entry); err != nil {
			s.log.WithError(err).WithField("proposal_id", p.ID).Warn("audit append failed")
		}
	}

	recipients := make([]string, 0, len(fam.Guardians))
	for _, g := range fam.Guardians {
		if g != actor {
			recipients = append(recipients, g)
		}
	}
	s.dispatcher.Dispatch(ctx, []notify.Event{{
		Type:       eventType,
		FamilyID:   p.FamilyID,
		ProposalID: p.ID,
		SubjectID:  p.SubjectID,
		Actor:      actor,
		Recipients: recipients,
		Detail:     detail,
		OccurredAt: s.now(),
	}})
}
