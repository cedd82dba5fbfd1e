// Package proposal models two-party approval of changes to a child's
// protective settings, including the cooling-off delay applied to
// protection-decreasing changes and the dispute window attached to emergency
// auto-applied increases.
package proposal

import "time"

// Fixed windows governing the proposal lifecycle.
const (
	// ResponseWindow is how long the second guardian has to approve or
	// decline a pending proposal.
	ResponseWindow = 72 * time.Hour
	// DisputeWindow is how long an emergency auto-applied increase remains
	// contestable by the non-proposing guardian.
	DisputeWindow = 48 * time.Hour
	// CoolingWindow is the mandatory delay between approval and application
	// of a protection-decreasing change.
	CoolingWindow = 48 * time.Hour
	// ReproposalCooldown is how long after a decline the same change cannot
	// be proposed again.
	ReproposalCooldown = 7 * 24 * time.Hour
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusDeclined          Status = "declined"
	StatusAutoApplied       Status = "auto_applied"
	StatusCoolingInProgress Status = "cooling_in_progress"
	StatusCoolingCancelled  Status = "cooling_cancelled"
	StatusCoolingCompleted  Status = "cooling_completed"
	StatusReverted          Status = "reverted"
	StatusExpired           Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
// auto_applied is not terminal: it remains disputable until the window closes.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusCoolingCancelled,
		StatusCoolingCompleted, StatusReverted, StatusExpired:
		return true
	}
	return false
}

// CoolingPeriod tracks the delay applied to an approved protection decrease.
// Present iff the proposal was approved and the change reduces protection.
type CoolingPeriod struct {
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      time.Time  `json:"ends_at"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Dispute records a contested emergency auto-applied increase.
type Dispute struct {
	DisputedBy string     `json:"disputed_by"`
	DisputedAt time.Time  `json:"disputed_at"`
	Reason     string     `json:"reason,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Proposal is a requested change to a protective setting, subject to approval
// by a second guardian and possibly a cooling-off delay.
type Proposal struct {
	ID            string      `json:"id"`
	FamilyID      string      `json:"family_id"`
	SubjectID     string      `json:"subject_id"`
	ProposedBy    string      `json:"proposed_by"`
	SettingKind   SettingKind `json:"setting_kind"`
	CurrentValue  string      `json:"current_value"`
	ProposedValue string      `json:"proposed_value"`
	Status        Status      `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	RespondedBy string     `json:"responded_by,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Message     string     `json:"message,omitempty"`

	AppliedAt *time.Time     `json:"applied_at,omitempty"`
	Cooling   *CoolingPeriod `json:"cooling_period,omitempty"`
	Dispute   *Dispute       `json:"dispute,omitempty"`

	// Version increments on every write; conditional updates check it so two
	// concurrent callers cannot both transition the same snapshot.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanRespond reports whether a second guardian may still approve or decline.
func CanRespond(p Proposal, now time.Time) bool {
	return p.Status == StatusPending && now.Before(p.ExpiresAt)
}

// CanDispute reports whether an emergency auto-applied increase is still
// contestable. Exactly at the window edge is not disputable.
func CanDispute(p Proposal, now time.Time) bool {
	if p.Status != StatusAutoApplied || p.AppliedAt == nil {
		return false
	}
	return now.Sub(*p.AppliedAt) < DisputeWindow
}

// CanCancelCooling reports whether either guardian may still halt a cooling
// period. Exactly at endsAt is not cancellable; that instant belongs to the
// sweep.
func CanCancelCooling(p Proposal, now time.Time) bool {
	if p.Status != StatusCoolingInProgress || p.Cooling == nil {
		return false
	}
	if p.Cooling.CancelledBy != "" {
		return false
	}
	return now.Before(p.Cooling.EndsAt)
}
