package model

import "time"

// Role is the account role of a user.
type Role string

const (
	RoleParent Role = "parent"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// CanTrackAttendance reports whether the role may check children in and out.
func (r Role) CanTrackAttendance() bool {
	return r == RoleStaff || r == RoleAdmin
}

// Status is the presence status projected onto a child.
type Status string

const (
	StatusNotCheckedIn Status = "not_checked_in"
	StatusCheckedIn    Status = "checked_in"
	StatusCheckedOut   Status = "checked_out"
)

// Action is the kind of a ledger entry.
type Action string

const (
	ActionCheckIn  Action = "check_in"
	ActionCheckOut Action = "check_out"
)

// Result is the status a child ends up in after the action.
func (a Action) Result() Status {
	if a == ActionCheckIn {
		return StatusCheckedIn
	}
	return StatusCheckedOut
}

// User is a parent, staff or admin account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Child is one enrolled child together with its presence projection.
type Child struct {
	ID           string     `json:"id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	DateOfBirth  time.Time  `json:"date_of_birth"`
	ParentIDs    []string   `json:"parent_ids"`
	PhotoURL     string     `json:"photo_url,omitempty"`
	Allergies    string     `json:"allergies,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Status       Status     `json:"status"`
	LastCheckIn  *time.Time `json:"last_check_in,omitempty"`
	LastCheckOut *time.Time `json:"last_check_out,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FullName returns "First Last".
func (c Child) FullName() string {
	return c.FirstName + " " + c.LastName
}

// HasGuardian reports whether userID is in the child's guardian set.
func (c Child) HasGuardian(userID string) bool {
	for _, id := range c.ParentIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Event is one immutable check-in or check-out ledger entry.
type Event struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	UserID    string    `json:"user_id"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes"`
}

// Presence is the projection of a child's attendance state.
type Presence struct {
	ChildID      string     `json:"child_id"`
	Status       Status     `json:"status"`
	LastCheckIn  *time.Time `json:"last_check_in,omitempty"`
	LastCheckOut *time.Time `json:"last_check_out,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PresenceOf extracts the projection from a child record.
func PresenceOf(c Child) Presence {
	return Presence{
		ChildID:      c.ID,
		Status:       c.Status,
		LastCheckIn:  c.LastCheckIn,
		LastCheckOut: c.LastCheckOut,
		UpdatedAt:    c.UpdatedAt,
	}
}
