// Package family models families, guardian membership and monitored children.
package family

import "time"

// Family is the tenant unit: a set of guardians and the children they
// monitor.
type Family struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Guardians []string  `json:"guardians"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasGuardian reports whether userID is a guardian of the family.
func (f Family) HasGuardian(userID string) bool {
	for _, g := range f.Guardians {
		if g == userID {
			return true
		}
	}
	return false
}

// Child is a monitored subject. Settings holds the live protective settings
// keyed by setting kind; each value is written individually, never as a
// whole-document overwrite.
type Child struct {
	ID        string            `json:"id"`
	FamilyID  string            `json:"family_id"`
	Name      string            `json:"name"`
	Settings  map[string]string `json:"settings"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RemovalRequestStatus is the lifecycle state of a guardian-removal request.
type RemovalRequestStatus string

const (
	RemovalPending  RemovalRequestStatus = "pending"
	RemovalApproved RemovalRequestStatus = "approved"
	RemovalDeclined RemovalRequestStatus = "declined"
	RemovalExpired  RemovalRequestStatus = "expired"
)

// RemovalRequest is the guardian-removal protection record: removing a
// guardian takes effect only after a different guardian approves within the
// response window.
type RemovalRequest struct {
	ID          string               `json:"id"`
	FamilyID    string               `json:"family_id"`
	GuardianID  string               `json:"guardian_id"`
	RequestedBy string               `json:"requested_by"`
	Status      RemovalRequestStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	ExpiresAt   time.Time            `json:"expires_at"`
	RespondedBy string               `json:"responded_by,omitempty"`
	RespondedAt *time.Time           `json:"responded_at,omitempty"`
	Version     int64                `json:"version"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
