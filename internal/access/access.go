// Package access centralizes role and permission checks.
//
// Role logic lives here and nowhere else: callers never compare role
// strings themselves. Admin is a superset of every role and every
// permission.
package access

import (
	"github.com/OneDrip-App/access_gate/internal/oracle"
)

// Role values recognized by the gate.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Checker answers role and permission questions for a profile. It holds
// only the static permission table and is safe for concurrent use.
type Checker struct {
	permissions map[string]map[string]struct{}
}

// NewChecker builds a Checker from a permission table mapping permission
// names to the roles allowed.
func NewChecker(table map[string][]string) *Checker {
	permissions := make(map[string]map[string]struct{}, len(table))
	for name, roles := range table {
		set := make(map[string]struct{}, len(roles))
		for _, role := range roles {
			set[role] = struct{}{}
		}
		permissions[name] = set
	}
	return &Checker{permissions: permissions}
}

// HasRole reports whether the profile holds the required role. Admin
// satisfies every role requirement. A nil profile satisfies none.
func (c *Checker) HasRole(profile *oracle.Profile, required string) bool {
	if profile == nil || required == "" {
		return false
	}
	if profile.Role == RoleAdmin {
		return true
	}
	return profile.Role == required
}

// HasPermission reports whether the profile's role is allowed the named
// permission. Unknown permissions are denied for every role except
// admin. A nil profile is denied everything.
func (c *Checker) HasPermission(profile *oracle.Profile, name string) bool {
	if profile == nil || name == "" {
		return false
	}
	if profile.Role == RoleAdmin {
		return true
	}
	roles, ok := c.permissions[name]
	if !ok {
		return false
	}
	_, allowed := roles[profile.Role]
	return allowed
}

// Permissions returns the permission names granted to the profile's
// role, for surfacing in the gate response.
func (c *Checker) Permissions(profile *oracle.Profile) []string {
	if profile == nil {
		return nil
	}
	var out []string
	for name := range c.permissions {
		if c.HasPermission(profile, name) {
			out = append(out, name)
		}
	}
	return out
}
