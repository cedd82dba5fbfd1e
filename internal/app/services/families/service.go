// Package families manages family records, guardian membership and the
// guardian-removal protection workflow: removing a guardian takes effect only
// after a different guardian approves within the response window.
package families

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/services/notify"
	"github.com/FamShield/safety_layer/internal/app/storage"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
	"github.com/FamShield/safety_layer/pkg/logger"
)

// defaultSettings are the protective settings applied to a new child.
var defaultSettings = map[string]string{
	string(proposal.KindMonitoringInterval): "15",
	string(proposal.KindRetentionDays):      "90",
	string(proposal.KindScreenTimeMinutes):  "120",
	string(proposal.KindBedtimeStart):       "1260",
	string(proposal.KindBedtimeEnd):         "420",
	string(proposal.KindContentFilterLevel): "moderate",
	string(proposal.KindLocationSharing):    "off",
}

// Service manages families and children.
type Service struct {
	store      storage.FamilyStore
	children   storage.ChildStore
	audit      storage.AuditStore
	dispatcher *notify.Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// New constructs a family service.
func New(store storage.FamilyStore, children storage.ChildStore, auditStore storage.AuditStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("families")
	}
	return &Service{
		store:    store,
		children: children,
		audit:    auditStore,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AttachDispatcher assigns the notification dispatcher.
func (s *Service) AttachDispatcher(d *notify.Dispatcher) { s.dispatcher = d }

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create provisions a family with the caller as its first guardian.
func (s *Service) Create(ctx context.Context, callerID, name string) (family.Family, error) {
	callerID = strings.TrimSpace(callerID)
	name = strings.TrimSpace(name)
	if callerID == "" {
		return family.Family{}, svcerrors.Unauthorized("")
	}
	if name == "" {
		return family.Family{}, svcerrors.InvalidArgument("name is required")
	}

	fam, err := s.store.CreateFamily(ctx, family.Family{Name: name, Guardians: []string{callerID}})
	if err != nil {
		return family.Family{}, svcerrors.Internal("create family", err)
	}
	s.log.WithField("family_id", fam.ID).WithField("guardian", callerID).Info("family created")
	return fam, nil
}

// Get fetches a family, authorizing the caller as one of its guardians.
func (s *Service) Get(ctx context.Context, callerID, familyID string) (family.Family, error) {
	return s.guardianOfFamily(ctx, callerID, familyID)
}

// AddGuardian adds a second (or later) guardian to the family.
func (s *Service) AddGuardian(ctx context.Context, callerID, familyID, guardianID string) (family.Family, error) {
	guardianID = strings.TrimSpace(guardianID)
	if guardianID == "" {
		return family.Family{}, svcerrors.InvalidArgument("guardian_id is required")
	}

	fam, err := s.guardianOfFamily(ctx, callerID, familyID)
	if err != nil {
		return family.Family{}, err
	}
	if fam.HasGuardian(guardianID) {
		return family.Family{}, svcerrors.AlreadyExists("already a guardian of this family")
	}

	fam.Guardians = append(fam.Guardians, guardianID)
	updated, err := s.store.UpdateFamily(ctx, fam)
	if err != nil {
		return family.Family{}, svcerrors.Internal("update family", err)
	}
	s.log.WithField("family_id", familyID).WithField("guardian", guardianID).Info("guardian added")
	return updated, nil
}

// CreateChild registers a monitored child with default protective settings.
func (s *Service) CreateChild(ctx context.Context, callerID, familyID, name string) (family.Child, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return family.Child{}, svcerrors.InvalidArgument("name is required")
	}
	if _, err := s.guardianOfFamily(ctx, callerID, familyID); err != nil {
		return family.Child{}, err
	}

	settings := make(map[string]string, len(defaultSettings))
	for k, v := range defaultSettings {
		settings[k] = v
	}
	child, err := s.children.CreateChild(ctx, family.Child{
		FamilyID: familyID,
		Name:     name,
		Settings: settings,
	})
	if err != nil {
		return family.Child{}, svcerrors.Internal("create child", err)
	}
	s.log.WithField("child_id", child.ID).WithField("family_id", familyID).Info("child registered")
	return child, nil
}

// GetChild fetches a child, authorizing the caller as a guardian.
func (s *Service) GetChild(ctx context.Context, callerID, childID string) (family.Child, error) {
	child, err := s.children.GetChild(ctx, childID)
	if err != nil {
		if err == storage.ErrNotFound {
			return family.Child{}, svcerrors.NotFound("child not found")
		}
		return family.Child{}, svcerrors.Internal("get child", err)
	}
	if _, err := s.guardianOfFamily(ctx, callerID, child.FamilyID); err != nil {
		return family.Child{}, err
	}
	return child, nil
}

// ListChildren lists a family's children for a guardian.
func (s *Service) ListChildren(ctx context.Context, callerID, familyID string) ([]family.Child, error) {
	if _, err := s.guardianOfFamily(ctx, callerID, familyID); err != nil {
		return nil, err
	}
	children, err := s.children.ListChildren(ctx, familyID)
	if err != nil {
		return nil, svcerrors.Internal("list children", err)
	}
	return children, nil
}

// ListRemovalRequests returns the removal requests recorded for a family.
func (s *Service) ListRemovalRequests(ctx context.Context, callerID, familyID string) ([]family.RemovalRequest, error) {
	if _, err := s.guardianOfFamily(ctx, callerID, familyID); err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRemovalRequests(ctx, familyID)
	if err != nil {
		return nil, svcerrors.Internal("list removal requests", err)
	}
	return reqs, nil
}

// RequestRemoval opens a guardian-removal request. The removal takes effect
// only when a different guardian approves it.
func (s *Service) RequestRemoval(ctx context.Context, callerID, familyID, guardianID string) (family.RemovalRequest, error) {
	guardianID = strings.TrimSpace(guardianID)
	fam, err := s.guardianOfFamily(ctx, callerID, familyID)
	if err != nil {
		return family.RemovalRequest{}, err
	}
	if !fam.HasGuardian(guardianID) {
		return family.RemovalRequest{}, svcerrors.NotFound("target is not a guardian of this family")
	}
	if len(fam.Guardians) < 2 {
		return family.RemovalRequest{}, svcerrors.FailedPrecondition("cannot remove the only guardian")
	}

	now := s.now()
	existing, err := s.store.ListRemovalRequests(ctx, familyID)
	if err != nil {
		return family.RemovalRequest{}, svcerrors.Internal("list removal requests", err)
	}
	for _, req := range existing {
		if req.GuardianID == guardianID && req.Status == family.RemovalPending && now.Before(req.ExpiresAt) {
			return family.RemovalRequest{}, svcerrors.AlreadyExists("a removal request for this guardian is already pending")
		}
	}

	req, err := s.store.CreateRemovalRequest(ctx, family.RemovalRequest{
		FamilyID:    familyID,
		GuardianID:  guardianID,
		RequestedBy: callerID,
		Status:      family.RemovalPending,
		ExpiresAt:   now.Add(proposal.ResponseWindow),
	})
	if err != nil {
		return family.RemovalRequest{}, svcerrors.Internal("create removal request", err)
	}

	s.log.WithField("family_id", familyID).
		WithField("guardian", guardianID).
		WithField("requested_by", callerID).
		Info("guardian removal requested")
	s.afterCommit(ctx, req, callerID, "family.removal_requested", fam, notify.EventRemovalRequested)
	return req, nil
}

// RespondRemoval approves or declines a pending removal request. The
// responder must be a guardian other than the requester.
func (s *Service) RespondRemoval(ctx context.Context, callerID, requestID string, approve bool) (family.RemovalRequest, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return family.RemovalRequest{}, svcerrors.Unauthorized("")
	}

	req, err := s.store.GetRemovalRequest(ctx, requestID)
	if err != nil {
		if err == storage.ErrNotFound {
			return family.RemovalRequest{}, svcerrors.NotFound("removal request not found")
		}
		return family.RemovalRequest{}, svcerrors.Internal("get removal request", err)
	}
	fam, err := s.guardianOfFamily(ctx, callerID, req.FamilyID)
	if err != nil {
		return family.RemovalRequest{}, err
	}
	if callerID == req.RequestedBy {
		return family.RemovalRequest{}, svcerrors.PermissionDenied("a removal request cannot be resolved by its requester")
	}

	now := s.now()
	if req.Status != family.RemovalPending {
		return family.RemovalRequest{}, svcerrors.FailedPrecondition(
			fmt.Sprintf("removal request is %s and no longer accepts a response", req.Status))
	}
	if !now.Before(req.ExpiresAt) {
		return family.RemovalRequest{}, svcerrors.WindowExpired("the response window for this removal request has closed")
	}

	expectedVersion := req.Version
	respondedAt := now
	req.RespondedBy = callerID
	req.RespondedAt = &respondedAt
	if approve {
		req.Status = family.RemovalApproved
	} else {
		req.Status = family.RemovalDeclined
	}

	updated, err := s.store.UpdateRemovalRequest(ctx, req, expectedVersion)
	if err != nil {
		if err == storage.ErrVersionConflict {
			return family.RemovalRequest{}, svcerrors.FailedPrecondition("the removal request changed concurrently; re-read and retry")
		}
		return family.RemovalRequest{}, svcerrors.Internal("update removal request", err)
	}

	if approve {
		if err := s.removeGuardian(ctx, fam, updated.GuardianID); err != nil {
			return family.RemovalRequest{}, err
		}
	}

	s.log.WithField("request_id", updated.ID).
		WithField("approved", approve).
		Info("guardian removal resolved")
	s.afterCommit(ctx, updated, callerID, "family.removal_resolved", fam, notify.EventRemovalResolved)
	return updated, nil
}

// ExpireStaleRemovals marks pending removal requests whose window closed.
// Invoked by the reaper.
func (s *Service) ExpireStaleRemovals(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListExpiredPendingRemovals(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		if req.Status != family.RemovalPending || now.Before(req.ExpiresAt) {
			continue
		}
		expectedVersion := req.Version
		req.Status = family.RemovalExpired
		if _, err := s.store.UpdateRemovalRequest(ctx, req, expectedVersion); err != nil {
			if err == storage.ErrVersionConflict {
				continue
			}
			s.log.WithError(err).WithField("request_id", req.ID).Warn("removal expiry write failed")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) removeGuardian(ctx context.Context, fam family.Family, guardianID string) error {
	// Re-read so a concurrent membership change is not clobbered.
	current, err := s.store.GetFamily(ctx, fam.ID)
	if err != nil {
		return svcerrors.Internal("get family", err)
	}
	remaining := make([]string, 0, len(current.Guardians))
	for _, g := range current.Guardians {
		if g != guardianID {
			remaining = append(remaining, g)
		}
	}
	if len(remaining) == 0 {
		return svcerrors.FailedPrecondition("cannot remove the only guardian")
	}
	current.Guardians = remaining
	if _, err := s.store.UpdateFamily(ctx, current); err != nil {
		return svcerrors.Internal("update family", err)
	}
	return nil
}

func (s *Service) guardianOfFamily(ctx context.Context, callerID, familyID string) (family.Family, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return family.Family{}, svcerrors.Unauthorized("")
	}
	fam, err := s.store.GetFamily(ctx, familyID)
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

func (s *Service) afterCommit(ctx context.Context, req family.RemovalRequest, actor, action string, fam family.Family, eventType string) {
	if s.audit != nil {
		entry := audit.Entry{
			FamilyID: req.FamilyID,
			Actor:    actor,
			Action:   action,
			Detail:   fmt.Sprintf("guardian %s, status %s", req.GuardianID, req.Status),
		}
		if _, err := s.audit.AppendAudit(ctx, entry); err != nil {
			s.log.WithError(err).WithField("request_id", req.ID).Warn("audit append failed")
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
		FamilyID:   req.FamilyID,
		Actor:      actor,
		Recipients: recipients,
		Detail:     fmt.Sprintf("guardian %s, status %s", req.GuardianID, req.Status),
		OccurredAt: s.now(),
	}})
}
