// Package access manages time-boxed caregiver access grants: create and
// revoke by guardians, active-window checks for read authorization, expiry
// by the reaper.
package access

import (
	"context"
	"strings"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/services/notify"
	"github.com/FamShield/safety_layer/internal/app/storage"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
	"github.com/FamShield/safety_layer/pkg/logger"
)

// Service manages caregiver grants.
type Service struct {
	families   storage.FamilyStore
	children   storage.ChildStore
	store      storage.GrantStore
	audit      storage.AuditStore
	dispatcher *notify.Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// New constructs an access service.
func New(families storage.FamilyStore, children storage.ChildStore, store storage.GrantStore, auditStore storage.AuditStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("access")
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

// AttachDispatcher assigns the notification dispatcher.
func (s *Service) AttachDispatcher(d *notify.Dispatcher) { s.dispatcher = d }

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Grant creates a temporary access window for a caregiver over one child.
func (s *Service) Grant(ctx context.Context, callerID, childID, caregiverID string, scopes []access.Scope, startsAt, endsAt time.Time) (access.Grant, error) {
	callerID = strings.TrimSpace(callerID)
	caregiverID = strings.TrimSpace(caregiverID)
	if callerID == "" {
		return access.Grant{}, svcerrors.Unauthorized("")
	}
	if caregiverID == "" {
		return access.Grant{}, svcerrors.InvalidArgument("caregiver_id is required")
	}
	if len(scopes) == 0 {
		return access.Grant{}, svcerrors.InvalidArgument("at least one scope is required")
	}
	if !endsAt.After(startsAt) {
		return access.Grant{}, svcerrors.InvalidArgument("ends_at must be after starts_at")
	}

	child, fam, err := s.authorizeGuardian(ctx, callerID, childID)
	if err != nil {
		return access.Grant{}, err
	}
	if fam.HasGuardian(caregiverID) {
		return access.Grant{}, svcerrors.InvalidArgument("guardians do not need caregiver grants")
	}

	g, err := s.store.CreateGrant(ctx, access.Grant{
		FamilyID:  child.FamilyID,
		ChildID:   childID,
		Caregiver: caregiverID,
		GrantedBy: callerID,
		Scopes:    scopes,
		Status:    access.GrantActive,
		StartsAt:  startsAt.UTC(),
		EndsAt:    endsAt.UTC(),
	})
	if err != nil {
		return access.Grant{}, svcerrors.Internal("create grant", err)
	}

	s.log.WithField("grant_id", g.ID).
		WithField("child_id", childID).
		WithField("caregiver", caregiverID).
		Info("caregiver grant created")
	s.afterCommit(ctx, g, callerID, "access.grant", notify.EventGrantCreated)
	return g, nil
}

// Revoke ends a grant early. Any guardian of the family may revoke.
func (s *Service) Revoke(ctx context.Context, callerID, grantID string) (access.Grant, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return access.Grant{}, svcerrors.Unauthorized("")
	}

	g, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		if err == storage.ErrNotFound {
			return access.Grant{}, svcerrors.NotFound("grant not found")
		}
		return access.Grant{}, svcerrors.Internal("get grant", err)
	}
	if _, err := s.guardianOfFamily(ctx, callerID, g.FamilyID); err != nil {
		return access.Grant{}, err
	}
	if g.Status != access.GrantActive {
		return access.Grant{}, svcerrors.FailedPrecondition("grant is not active")
	}

	now := s.now()
	g.Status = access.GrantRevoked
	g.RevokedBy = callerID
	g.RevokedAt = &now

	updated, err := s.store.UpdateGrant(ctx, g)
	if err != nil {
		return access.Grant{}, svcerrors.Internal("update grant", err)
	}
	s.log.WithField("grant_id", grantID).WithField("revoked_by", callerID).Info("caregiver grant revoked")
	s.afterCommit(ctx, updated, callerID, "access.revoke", notify.EventGrantRevoked)
	return updated, nil
}

// ListForChild lists a child's grants for a guardian.
func (s *Service) ListForChild(ctx context.Context, callerID, childID string) ([]access.Grant, error) {
	if _, _, err := s.authorizeGuardian(ctx, callerID, childID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, childID)
	if err != nil {
		return nil, svcerrors.Internal("list grants", err)
	}
	return grants, nil
}

// HasActiveGrant reports whether caregiverID holds a live grant with the
// scope over the child right now. Used as the caregiver read authorization
// check.
func (s *Service) HasActiveGrant(ctx context.Context, caregiverID, childID string, scope access.Scope) (bool, error) {
	grants, err := s.store.ListGrants(ctx, childID)
	if err != nil {
		return false, svcerrors.Internal("list grants", err)
	}
	now := s.now()
	for _, g := range grants {
		if g.Caregiver == caregiverID && g.ActiveAt(now) && g.HasScope(scope) {
			return true, nil
		}
	}
	return false, nil
}

// LapseExpired marks active grants whose window closed. Invoked by the
// reaper.
func (s *Service) LapseExpired(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := s.store.ListLapsedGrants(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, g := range lapsed {
		if g.Status != access.GrantActive || now.Before(g.EndsAt) {
			continue
		}
		g.Status = access.GrantExpired
		if _, err := s.store.UpdateGrant(ctx, g); err != nil {
			s.log.WithError(err).WithField("grant_id", g.ID).Warn("grant expiry write failed")
			continue
		}
		count++
	}
	return count, nil
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

func (s *Service) authorizeGuardian(ctx context.Context, callerID, childID string) (family.Child, family.Family, error) {
	child, err := s.children.GetChild(ctx, childID)
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

func (s *Service) afterCommit(ctx context.Context, g access.Grant, actor, action, eventType string) {
	if s.audit != nil {
		entry := audit.Entry{
			FamilyID:  g.FamilyID,
			Actor:     actor,
			Action:    action,
			SubjectID: g.ChildID,
			Detail:    "caregiver " + g.Caregiver,
		}
		if _, err := s.audit.AppendAudit(ctx, entry); err != nil {
			s.log.WithError(err).WithField("grant_id", g.ID).Warn("audit append failed")
		}
	}
	s.dispatcher.Dispatch(ctx, []notify.Event{{
		Type:       eventType,
		FamilyID:   g.FamilyID,
		SubjectID:  g.ChildID,
		Actor:      actor,
		Recipients: []string{g.Caregiver},
		OccurredAt: s.now(),
	}})
}
