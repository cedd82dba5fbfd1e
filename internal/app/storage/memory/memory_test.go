package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FamShield/safety_layer/internal/app/domain/audit"
	"github.com/FamShield/safety_layer/internal/app/domain/family"
	"github.com/FamShield/safety_layer/internal/app/domain/proposal"
	"github.com/FamShield/safety_layer/internal/app/storage"
)

func TestConditionalProposalUpdate(t *testing.T) {
	store := New()
	ctx := context.Background()

	p, err := store.CreateProposal(ctx, proposal.Proposal{
		FamilyID:    "f1",
		SubjectID:   "c1",
		SettingKind: proposal.KindScreenTimeMinutes,
		Status:      proposal.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("version = %d, want 1", p.Version)
	}

	p.Status = proposal.StatusDeclined
	updated, err := store.UpdateProposal(ctx, p, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}

	// A second writer holding the old snapshot must be rejected.
	p.Status = proposal.StatusExpired
	if _, err := store.UpdateProposal(ctx, p, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	if _, err := store.UpdateProposal(ctx, proposal.Proposal{ID: "missing"}, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProposalCloneIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created, _ := store.CreateProposal(ctx, proposal.Proposal{
		SubjectID:   "c1",
		SettingKind: proposal.KindScreenTimeMinutes,
		Status:      proposal.StatusCoolingInProgress,
		Cooling:     &proposal.CoolingPeriod{StartsAt: start, EndsAt: start.Add(proposal.CoolingWindow)},
	})

	// Mutating the returned snapshot must not touch the stored record.
	created.Cooling.CancelledBy = "tamper"
	stored, _ := store.GetProposal(ctx, created.ID)
	if stored.Cooling.CancelledBy != "" {
		t.Fatal("stored cooling record mutated through a returned snapshot")
	}
}

func TestUpdateChildSettingIsFieldScoped(t *testing.T) {
	store := New()
	ctx := context.Background()

	child, _ := store.CreateChild(ctx, family.Child{
		FamilyID: "f1",
		Name:     "kid",
		Settings: map[string]string{
			string(proposal.KindScreenTimeMinutes):  "120",
			string(proposal.KindContentFilterLevel): "moderate",
		},
	})

	updated, err := store.UpdateChildSetting(ctx, child.ID, proposal.KindScreenTimeMinutes, "60")
	if err != nil {
		t.Fatalf("update setting: %v", err)
	}
	if updated.Settings[string(proposal.KindScreenTimeMinutes)] != "60" {
		t.Fatal("setting not written")
	}
	if updated.Settings[string(proposal.KindContentFilterLevel)] != "moderate" {
		t.Fatal("unrelated setting clobbered")
	}

	if _, err := store.UpdateChildSetting(ctx, "missing", proposal.KindScreenTimeMinutes, "60"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDueCoolingSkipsCancelled(t *testing.T) {
	store := New()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ends := start.Add(proposal.CoolingWindow)

	due, _ := store.CreateProposal(ctx, proposal.Proposal{
		SubjectID:   "c1",
		SettingKind: proposal.KindScreenTimeMinutes,
		Status:      proposal.StatusCoolingInProgress,
		Cooling:     &proposal.CoolingPeriod{StartsAt: start, EndsAt: ends},
	})
	store.CreateProposal(ctx, proposal.Proposal{
		SubjectID:   "c2",
		SettingKind: proposal.KindScreenTimeMinutes,
		Status:      proposal.StatusCoolingInProgress,
		Cooling:     &proposal.CoolingPeriod{StartsAt: start, EndsAt: ends, CancelledBy: "g1"},
	})

	list, err := store.ListDueCooling(ctx, ends)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("due = %+v, want only the uncancelled record", list)
	}

	early, _ := store.ListDueCooling(ctx, ends.Add(-time.Second))
	if len(early) != 0 {
		t.Fatal("cooling reported due before its end")
	}
}

func TestAuditAppendAndLimit(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.AppendAudit(ctx, audit.Entry{FamilyID: "f1", Actor: "g1", Action: "proposal.create"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	store.AppendAudit(ctx, audit.Entry{FamilyID: "f2", Actor: "g9", Action: "proposal.create"})

	entries, err := store.ListAudit(ctx, "f1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	all, _ := store.ListAudit(ctx, "f1", 0)
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
}
