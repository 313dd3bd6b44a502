package auth

import "sort"

// Role names. RoleAdmin is a legacy alias some deployments still grant;
// it resolves to the same level and permissions as RoleSystemAdmin.
const (
	RoleSuperAdmin  = "super_admin"
	RoleSystemAdmin = "system_admin"
	RoleAdmin       = "admin"
	RoleDataAdmin   = "data_admin"
	RoleModerator   = "moderator"
	RoleUser        = "user"
	RoleGuest       = "guest"

	// RoleAnonymous never appears in the database; tokens carrying it
	// are rejected outright during verification.
	RoleAnonymous = "anonymous"
)

// roleLevels is the fixed hierarchy. Higher level means more privilege;
// moderator and user intentionally share a level.
var roleLevels = map[string]int{
	RoleSuperAdmin:  4,
	RoleSystemAdmin: 3,
	RoleAdmin:       3,
	RoleDataAdmin:   2,
	RoleModerator:   1,
	RoleUser:        1,
	RoleGuest:       0,
}

// impliedRoles links each role to the roles it subsumes. Permission
// resolution walks this closure, so granting data_admin also carries
// everything moderator and user can do.
var impliedRoles = map[string][]string{
	RoleSuperAdmin:  {RoleSystemAdmin},
	RoleSystemAdmin: {RoleDataAdmin},
	RoleAdmin:       {RoleDataAdmin},
	RoleDataAdmin:   {RoleModerator},
	RoleModerator:   {RoleUser},
	RoleUser:        {RoleGuest},
}

// rolePermissions lists the permissions each role grants directly.
// Inherited permissions come from the implied-role closure.
var rolePermissions = map[string][]string{
	RoleGuest: {
		"establishments:read",
		"certifications:read",
		"agencies:read",
	},
	RoleUser: {
		"favorites:write",
		"profile:write",
		"reviews:write",
	},
	RoleModerator: {
		"establishments:propose",
		"reviews:moderate",
	},
	RoleDataAdmin: {
		"agencies:write",
		"certifications:write",
		"establishments:write",
	},
	RoleSystemAdmin: {
		"roles:grant",
		"system:configure",
		"users:manage",
	},
	RoleAdmin: {
		"roles:grant",
		"system:configure",
		"users:manage",
	},
	RoleSuperAdmin: {
		"system:admin",
	},
}

// RoleLevel returns the hierarchy level for a role, or -1 when the role
// is unknown.
func RoleLevel(role string) int {
	if level, ok := roleLevels[role]; ok {
		return level
	}
	return -1
}

// HighestLevel returns the maximum level across the given roles. An
// empty or entirely unknown set yields -1.
func HighestLevel(roles []string) int {
	highest := -1
	for _, role := range roles {
		if level := RoleLevel(role); level > highest {
			highest = level
		}
	}
	return highest
}

// IsElevated reports whether a role grants more than baseline user
// privileges.
func IsElevated(role string) bool {
	return RoleLevel(role) >= roleLevels[RoleDataAdmin]
}

// PermissionsFromRoles resolves the permission set for a role list: the
// union across all roles and their implied-role closure, deduplicated
// and sorted. Unknown roles contribute nothing.
func PermissionsFromRoles(roles []string) []string {
	seen := make(map[string]struct{})
	visited := make(map[string]struct{})

	var walk func(role string)
	walk = func(role string) {
		if _, done := visited[role]; done {
			return
		}
		visited[role] = struct{}{}
		for _, perm := range rolePermissions[role] {
			seen[perm] = struct{}{}
		}
		for _, implied := range impliedRoles[role] {
			walk(implied)
		}
	}
	for _, role := range roles {
		walk(role)
	}

	permissions := make([]string, 0, len(seen))
	for perm := range seen {
		permissions = append(permissions, perm)
	}
	sort.Strings(permissions)
	return permissions
}
