package access

import (
	"context"
	"testing"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/access"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/storage/memory"
	svcerrors "github.com/FamShield/safety_layer/internal/errors"
)

func newTestService(t *testing.T) (*Service, *memory.Store, family.Child, func(d time.Duration), func() time.Time) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	fam, err := store.CreateFamily(ctx, family.Family{Name: "testers", Guardians: []string{"g1", "g2"}})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	child, err := store.CreateChild(ctx, family.Child{FamilyID: fam.ID, Name: "kid"})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	svc := New(store, store, store, store, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	return svc, store, child, func(d time.Duration) { now = now.Add(d) }, func() time.Time { return now }
}

func TestGrantLifecycle(t *testing.T) {
	svc, _, child, advance, clock := newTestService(t)
	ctx := context.Background()
	start := clock()

	g, err := svc.Grant(ctx, "g1", child.ID, "sitter", []access.Scope{access.ScopeViewLocation}, start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.Status != access.GrantActive {
		t.Fatalf("status = %s, want active", g.Status)
	}

	ok, err := svc.HasActiveGrant(ctx, "sitter", child.ID, access.ScopeViewLocation)
	if err != nil || !ok {
		t.Fatalf("HasActiveGrant = %v, %v; want true", ok, err)
	}
	ok, _ = svc.HasActiveGrant(ctx, "sitter", child.ID, access.ScopeManageScreen)
	if ok {
		t.Fatal("grant reported a scope it does not carry")
	}
	ok, _ = svc.HasActiveGrant(ctx, "someone-else", child.ID, access.ScopeViewLocation)
	if ok {
		t.Fatal("grant leaked to another caregiver")
	}

	// Exactly at ends_at the window is closed.
	advance(4 * time.Hour)
	ok, _ = svc.HasActiveGrant(ctx, "sitter", child.ID, access.ScopeViewLocation)
	if ok {
		t.Fatal("grant active at its end instant")
	}
}

func TestGrantValidation(t *testing.T) {
	svc, _, child, _, clock := newTestService(t)
	ctx := context.Background()
	start := clock()
	scopes := []access.Scope{access.ScopeViewActivity}

	if _, err := svc.Grant(ctx, "g1", child.ID, "sitter", nil, start, start.Add(time.Hour)); !svcerrors.IsCode(err, svcerrors.CodeInvalidArgument) {
		t.Fatalf("empty scopes err = %v, want invalid-argument", err)
	}
	if _, err := svc.Grant(ctx, "g1", child.ID, "sitter", scopes, start, start); !svcerrors.IsCode(err, svcerrors.CodeInvalidArgument) {
		t.Fatalf("empty window err = %v, want invalid-argument", err)
	}
	if _, err := svc.Grant(ctx, "g1", child.ID, "g2", scopes, start, start.Add(time.Hour)); !svcerrors.IsCode(err, svcerrors.CodeInvalidArgument) {
		t.Fatalf("guardian-as-caregiver err = %v, want invalid-argument", err)
	}
	if _, err := svc.Grant(ctx, "stranger", child.ID, "sitter", scopes, start, start.Add(time.Hour)); !svcerrors.IsCode(err, svcerrors.CodePermissionDenied) {
		t.Fatalf("non-guardian err = %v, want permission-denied", err)
	}
}

func TestRevokeGrant(t *testing.T) {
	svc, _, child, _, clock := newTestService(t)
	ctx := context.Background()
	start := clock()

	g, _ := svc.Grant(ctx, "g1", child.ID, "sitter", []access.Scope{access.ScopeViewLocation}, start, start.Add(4*time.Hour))

	// A different guardian may revoke.
	revoked, err := svc.Revoke(ctx, "g2", g.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != access.GrantRevoked || revoked.RevokedBy != "g2" {
		t.Fatalf("revoked = %+v", revoked)
	}
	ok, _ := svc.HasActiveGrant(ctx, "sitter", child.ID, access.ScopeViewLocation)
	if ok {
		t.Fatal("revoked grant still active")
	}

	if _, err := svc.Revoke(ctx, "g1", g.ID); !svcerrors.IsCode(err, svcerrors.CodeFailedPrecondition) {
		t.Fatalf("double revoke err = %v, want failed-precondition", err)
	}
}

func TestLapseExpired(t *testing.T) {
	svc, store, child, _, clock := newTestService(t)
	ctx := context.Background()
	start := clock()

	g, _ := svc.Grant(ctx, "g1", child.ID, "sitter", []access.Scope{access.ScopeViewLocation}, start, start.Add(time.Hour))

	n, err := svc.LapseExpired(ctx, start.Add(time.Hour-time.Second))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Fatal("lapsed a grant before its window closed")
	}

	n, err = svc.LapseExpired(ctx, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("lapsed = %d, want 1", n)
	}
	got, _ := store.GetGrant(ctx, g.ID)
	if got.Status != access.GrantExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}
