package auth

import (
	"fmt"
)

const (
	PermLockOverride = "lock.override"
	PermLockSweep    = "lock.sweep"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID    string
	Roles []string
}

// Policy grants administrative permissions to a fixed set of roles.
// Ordinary lock and draft operations are checked by ownership, not by role.
type Policy struct {
	AdminRoles []string
}

func (p Policy) IsAdmin(roles []string) bool {
	for _, r := range roles {
		for _, admin := range p.AdminRoles {
			if r == admin {
				return true
			}
		}
	}
	return false
}

func (p Policy) Require(a Actor, perm string) error {
	if a.ID == "" || !p.IsAdmin(a.Roles) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
