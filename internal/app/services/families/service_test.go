package families

import (
	"context"
	"testing"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/storage/memory"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
)

func newTestService(t *testing.T) (*Service, *memory.Store, func(d time.Duration)) {
	t.Helper()
	store := memory.New()
	svc := New(store, store, store, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	return svc, store, func(d time.Duration) { now = now.Add(d) }
}

func TestCreateFamilyAndChildDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fam, err := svc.Create(ctx, "g1", "testers")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	if !fam.HasGuardian("g1") {
		t.Fatal("creator is not a guardian")
	}

	child, err := svc.CreateChild(ctx, "g1", fam.ID, "kid")
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if got := child.Settings[string(proposal.KindScreenTimeMinutes)]; got != "120" {
		t.Fatalf("default screen time = %q, want 120", got)
	}
	if got := child.Settings[string(proposal.KindLocationSharing)]; got != "off" {
		t.Fatalf("location sharing default = %q, want off", got)
	}
	if _, ok := child.Settings[string(proposal.KindCrisisContacts)]; ok {
		t.Fatal("crisis contacts must start empty, not defaulted")
	}
}

func TestCreateFamilyValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", "testers"); !svcerrors.IsCode(err, svcerrors.CodeUnauthenticated) {
		t.Fatalf("err = %v, want unauthenticated", err)
	}
	if _, err := svc.Create(ctx, "g1", "  "); !svcerrors.IsCode(err, svcerrors.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid-argument", err)
	}
}

func TestAddGuardian(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	updated, err := svc.AddGuardian(ctx, "g1", fam.ID, "g2")
	if err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	if !updated.HasGuardian("g2") {
		t.Fatal("guardian not added")
	}

	if _, err := svc.AddGuardian(ctx, "g1", fam.ID, "g2"); !svcerrors.IsCode(err, svcerrors.CodeAlreadyExists) {
		t.Fatalf("duplicate err = %v, want already-exists", err)
	}
	if _, err := svc.AddGuardian(ctx, "stranger", fam.ID, "g3"); !svcerrors.IsCode(err, svcerrors.CodePermissionDenied) {
		t.Fatalf("stranger err = %v, want permission-denied", err)
	}
}

func TestRemovalRequiresSecondGuardian(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	if _, err := svc.RequestRemoval(ctx, "g1", fam.ID, "g1"); !svcerrors.IsCode(err, svcerrors.CodeFailedPrecondition) {
		t.Fatalf("sole-guardian err = %v, want failed-precondition", err)
	}

	svc.AddGuardian(ctx, "g1", fam.ID, "g2")
	if _, err := svc.RequestRemoval(ctx, "g1", fam.ID, "nobody"); !svcerrors.IsCode(err, svcerrors.CodeNotFound) {
		t.Fatalf("unknown target err = %v, want not-found", err)
	}
}

func TestRemovalApprovalFlow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	svc.AddGuardian(ctx, "g1", fam.ID, "g2")
	svc.AddGuardian(ctx, "g1", fam.ID, "g3")

	req, err := svc.RequestRemoval(ctx, "g1", fam.ID, "g3")
	if err != nil {
		t.Fatalf("request removal: %v", err)
	}
	if req.Status != family.RemovalPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}

	// The requester cannot resolve their own request.
	if _, err := svc.RespondRemoval(ctx, "g1", req.ID, true); !svcerrors.IsCode(err, svcerrors.CodePermissionDenied) {
		t.Fatalf("self-resolve err = %v, want permission-denied", err)
	}

	resolved, err := svc.RespondRemoval(ctx, "g2", req.ID, true)
	if err != nil {
		t.Fatalf("respond removal: %v", err)
	}
	if resolved.Status != family.RemovalApproved {
		t.Fatalf("status = %s, want approved", resolved.Status)
	}
	current, _ := store.GetFamily(ctx, fam.ID)
	if current.HasGuardian("g3") {
		t.Fatal("approved removal did not remove the guardian")
	}
	if !current.HasGuardian("g1") || !current.HasGuardian("g2") {
		t.Fatal("unrelated guardians were removed")
	}
}

func TestRemovalDeclineKeepsGuardian(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	svc.AddGuardian(ctx, "g1", fam.ID, "g2")

	req, _ := svc.RequestRemoval(ctx, "g1", fam.ID, "g2")
	resolved, err := svc.RespondRemoval(ctx, "g2", req.ID, false)
	if err != nil {
		t.Fatalf("respond removal: %v", err)
	}
	if resolved.Status != family.RemovalDeclined {
		t.Fatalf("status = %s, want declined", resolved.Status)
	}
	current, _ := store.GetFamily(ctx, fam.ID)
	if !current.HasGuardian("g2") {
		t.Fatal("declined removal removed the guardian")
	}
}

func TestRemovalWindowAndExpiry(t *testing.T) {
	svc, store, advance := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	svc.AddGuardian(ctx, "g1", fam.ID, "g2")
	req, _ := svc.RequestRemoval(ctx, "g1", fam.ID, "g2")
	expiresAt := req.ExpiresAt

	advance(proposal.ResponseWindow)
	if _, err := svc.RespondRemoval(ctx, "g2", req.ID, true); !svcerrors.IsCode(err, svcerrors.CodeWindowExpired) {
		t.Fatalf("late response err = %v, want window-expired", err)
	}

	n, err := svc.ExpireStaleRemovals(ctx, expiresAt)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	got, _ := store.GetRemovalRequest(ctx, req.ID)
	if got.Status != family.RemovalExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestDuplicatePendingRemovalRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	fam, _ := svc.Create(ctx, "g1", "testers")
	svc.AddGuardian(ctx, "g1", fam.ID, "g2")
	svc.AddGuardian(ctx, "g1", fam.ID, "g3")

	if _, err := svc.RequestRemoval(ctx, "g1", fam.ID, "g3"); err != nil {
		t.Fatalf("request removal: %v", err)
	}
	if _, err := svc.RequestRemoval(ctx, "g2", fam.ID, "g3"); !svcerrors.IsCode(err, svcerrors.CodeAlreadyExists) {
		t.Fatalf("duplicate err = %v, want already-exists", err)
	}
}
