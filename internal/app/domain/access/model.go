// Package access models time-boxed caregiver access grants.
package access

import "time"

// GrantStatus is the lifecycle state of a caregiver grant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// Scope names what a caregiver may see or do while a grant is live.
type Scope string

const (
	ScopeViewLocation Scope = "view_location"
	ScopeViewActivity Scope = "view_activity"
	ScopeManageScreen Scope = "manage_screen_time"
)

// Grant is a temporary access window for a caregiver (babysitter, relative)
// over one child. Grants are created and revoked by guardians only; expiry is
// advanced by the sweep.
type Grant struct {
	ID        string      `json:"id"`
	FamilyID  string      `json:"family_id"`
	ChildID   string      `json:"child_id"`
	Caregiver string      `json:"caregiver_id"`
	GrantedBy string      `json:"granted_by"`
	Scopes    []Scope     `json:"scopes"`
	Status    GrantStatus `json:"status"`
	StartsAt  time.Time   `json:"starts_at"`
	EndsAt    time.Time   `json:"ends_at"`
	RevokedBy string      `json:"revoked_by,omitempty"`
	RevokedAt *time.Time  `json:"revoked_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ActiveAt reports whether the grant window covers now and the grant has not
// been revoked or expired.
func (g Grant) ActiveAt(now time.Time) bool {
	if g.Status != GrantActive {
		return false
	}
	return !now.Before(g.StartsAt) && now.Before(g.EndsAt)
}

// HasScope reports whether the grant carries the scope.
func (g Grant) HasScope(scope Scope) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
