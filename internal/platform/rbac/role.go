// Package rbac defines caller roles and the checks applied before privileged operations.
package rbac

import (
	"errors"
	"time"
)

// Role is the authorization role of a session or caller.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	// RoleService is held by collaborating services (document server, identity provider); it never owns a session.
	RoleService Role = "service"
)

var (
	// ErrUnauthenticated is returned when no caller identity is present.
	ErrUnauthenticated = errors.New("caller identity required")
	// ErrForbidden is returned when the caller role is not allowed to perform the operation.
	ErrForbidden = errors.New("caller role not permitted")
)

// Valid reports whether r is one of the session roles (user, admin, super_admin).
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Privileged reports whether r is admin or super_admin.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Identity is an authenticated caller. Subject is the subject hash for session roles
// and the service name for RoleService.
type Identity struct {
	Subject          string
	Role             Role
	SessionID        string
	SessionCreatedAt time.Time
}

// String returns "role:subject" for logs and audit actors.
func (i Identity) String() string {
	return string(i.Role) + ":" + i.Subject
}

// RequireRole returns nil if id is authenticated and holds one of roles.
func RequireRole(id Identity, roles ...Role) error {
	if id.Subject == "" || id.Role == "" {
		return ErrUnauthenticated
	}
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

// RequireAdmin returns nil if id is an authenticated admin or super_admin.
func RequireAdmin(id Identity) error {
	return RequireRole(id, RoleAdmin, RoleSuperAdmin)
}
