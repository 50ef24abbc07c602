package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func Valid(role string) bool {
	switch role {
	case RoleOwner, RoleOperator, RoleAnalyst, RoleSuperAdmin:
		return true
	}
	return false
}

// Writers may create campaigns and place calls.
var Writers = []string{RoleOwner, RoleOperator}

// Readers may list campaigns and read calls.
var Readers = []string{RoleOwner, RoleOperator, RoleAnalyst}

// SeesAll reports whether role reads every user's campaigns and calls.
// Everyone else is scoped to campaigns they own.
func SeesAll(role string) bool {
	return role == RoleSuperAdmin || role == RoleAnalyst
}

// CanAccess reports whether a caller may read a resource owned by ownerUserID.
func CanAccess(userID, role, ownerUserID string) bool {
	if SeesAll(role) {
		return true
	}
	return userID != "" && userID == ownerUserID
}
