package auth

import (
	"errors"
	"testing"
)

func TestPolicyRequire(t *testing.T) {
	p := Policy{AdminRoles: []string{"admin", "ea-lead"}}
	if err := p.Require(Actor{ID: "root", Roles: []string{"viewer", "ea-lead"}}, PermLockOverride); err != nil {
		t.Fatalf("admin denied: %v", err)
	}
	err := p.Require(Actor{ID: "bob", Roles: []string{"editor"}}, PermLockOverride)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermLockOverride {
		t.Fatalf("expected forbidden error, got %v", err)
	}
	if err := p.Require(Actor{Roles: []string{"admin"}}, PermLockSweep); err == nil {
		t.Fatalf("anonymous actor must be rejected")
	}
}
