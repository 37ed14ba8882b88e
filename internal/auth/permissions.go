package auth

import "slices"

// Permission represents a named capability in the hub.
type Permission string

// Permission constants.
const (
	PermDeviceRead     Permission = "device:read"
	PermDeviceRegister Permission = "device:register"
	PermMessageRead    Permission = "message:read"
	PermMessageWrite   Permission = "message:write"
	PermNetworkRead    Permission = "network:read"
	PermUserManage     Permission = "user:manage"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleClient: {
		PermDeviceRead,
		PermDeviceRegister,
		PermMessageRead,
		PermMessageWrite,
		PermNetworkRead,
	},
	RoleAdministrator: {
		PermDeviceRead,
		PermDeviceRegister,
		PermMessageRead,
		PermMessageWrite,
		PermNetworkRead,
		PermUserManage,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
