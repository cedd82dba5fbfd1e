// Package audit defines the audit trail entry appended after committed
// transitions.
package audit

import "time"

// Entry records one committed action. Entries are written strictly after the
// transition they describe commits and never gate its success.
type Entry struct {
	ID         string    `json:"id"`
	FamilyID   string    `json:"family_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ProposalID string    `json:"proposal_id,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
