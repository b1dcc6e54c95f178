// Package roles are part of the tile server authorization system.
package roles

import (
	"strings"
)

// Role for an authorized user.
type Role string

const (
	// SuperAdmin has access to all of the control plane, including cache
	// invalidation and queue purging.
	SuperAdmin Role = "super-admin"

	// Admin has access to the read-only control plane endpoints.
	Admin Role = "admin"

	// Editor can start warming jobs but not invalidate caches.
	Editor Role = "editor"

	// Viewer can view status pages.
	Viewer Role = "viewer"

	// InvalidRole signals an invalid Role.
	InvalidRole Role = ""
)

// AllValidRoles is all valid Roles.
var AllValidRoles Roles = Roles{SuperAdmin, Admin, Editor, Viewer}

// AllRoles is all Roles including InvalidRole.
var AllRoles Roles = append(AllValidRoles, InvalidRole)

// RoleFromString converts a string to a Role, returning InvalidRole, which is
// the empty string, if the passed in value is not a valid role.
func RoleFromString(s string) Role {
	for _, role := range AllValidRoles {
		if string(role) == s {
			return role
		}
	}
	return InvalidRole
}

// Roles is a slice of Role.
type Roles []Role

// ToHeader converts Roles to a comma separated string.
func (r Roles) ToHeader() string {
	strs := make([]string, 0, len(r))
	for _, role := range r {
		strs = append(strs, string(role))
	}
	return strings.Join(strs, ",")
}

// Has returns true if the give Role appears in Roles.
func (r Roles) Has(role Role) bool {
	for _, x := range r {
		if x == role {
			return true
		}
	}
	return false
}

// FromHeader parses a comma separated list of roles. Invalid roles are
// removed.
func FromHeader(s string) Roles {
	ret := Roles{}
	for _, part := range strings.Split(s, ",") {
		if role := RoleFromString(strings.TrimSpace(part)); role != InvalidRole {
			ret = append(ret, role)
		}
	}
	return ret
}
