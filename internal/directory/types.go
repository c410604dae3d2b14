package directory

import (
	"fmt"
	"strings"
	"time"
)

// Role is the access level attached to an account.
type Role string

const (
	RoleUser       Role = "user"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// ParseRole normalizes and validates a role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleModerator:
		return RoleModerator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleSuperadmin:
		return RoleSuperadmin, nil
	default:
		return "", fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, raw)
	}
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin, RoleSuperadmin:
		return true
	}
	return false
}

// Account is an identity record. InstitutionID is meaningful only while
// Role is moderator; stale values are tolerated and never trusted on their own.
type Account struct {
	ID            string    `json:"id"`
	Handle        string    `json:"handle,omitempty"`
	Role          Role      `json:"role"`
	InstitutionID string    `json:"institution_id,omitempty"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Institution is an organizational scope owning submissions and at most one
// moderator lock. ModeratorID is the canonical scalar lock; LegacyModeratorIDs
// carries the set-valued shape older records used and is folded into the
// scalar on read, never written back.
type Institution struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ModeratorID        string    `json:"moderator_id,omitempty"`
	LegacyModeratorIDs []string  `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Normalize folds the legacy moderator set into the scalar lock.
func (i *Institution) Normalize() {
	if i.ModeratorID == "" && len(i.LegacyModeratorIDs) > 0 {
		i.ModeratorID = i.LegacyModeratorIDs[0]
	}
	i.LegacyModeratorIDs = nil
}

// SubmissionStatus is the moderation state of a submission.
type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusApproved SubmissionStatus = "approved"
	StatusRejected SubmissionStatus = "rejected"
)

// Terminal reports whether no further transition is defined from the status.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Submission is a piece of content pending or having passed moderation.
// The engagement counters are monotone and mutated outside this core.
type Submission struct {
	ID            string           `json:"id"`
	InstitutionID string           `json:"institution_id"`
	Subject       string           `json:"subject"`
	AuthorName    string           `json:"author_name"`
	AuthorID      string           `json:"author_id"`
	Status        SubmissionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty"`
	ApprovedBy    string           `json:"approved_by,omitempty"`
	Views         int64            `json:"views"`
	Downloads     int64            `json:"downloads"`
	Likes         int64            `json:"likes"`
}
