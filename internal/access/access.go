// Package access is the pure authorization engine: deterministic,
// side-effect-free decision functions over an account's role and institution
// assignment. Decisions are re-evaluated at every call site and never cached,
// because a role can change underneath a live session.
package access

import "notedesk.org/internal/directory"

// CanManageInstitution reports whether the account may moderate content that
// belongs to the institution.
func CanManageInstitution(acct directory.Account, institutionID string) bool {
	if institutionID == "" {
		return false
	}
	switch acct.Role {
	case directory.RoleAdmin, directory.RoleSuperadmin:
		return true
	case directory.RoleModerator:
		return acct.InstitutionID != "" && acct.InstitutionID == institutionID
	case directory.RoleUser:
		return false
	default:
		// Unknown roles never gain access.
		return false
	}
}

// CanAssignModerator gates the privileged global action of granting the
// moderator role. Stricter than general management.
func CanAssignModerator(acct directory.Account) bool {
	return acct.Role == directory.RoleSuperadmin
}

// CanRevokeModerator mirrors the assignment gate. The lock lifecycle is owned
// by one actor class; broader revocation rights proved confusing in practice.
func CanRevokeModerator(acct directory.Account) bool {
	return CanAssignModerator(acct)
}

// CanApprove reports whether the account may decide the submission.
func CanApprove(acct directory.Account, sub directory.Submission) bool {
	return CanManageInstitution(acct, sub.InstitutionID)
}
