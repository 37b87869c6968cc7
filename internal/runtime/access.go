package runtime

import (
	"strings"

	"github.com/flowgate/flowgate/internal/store"
)

// Actor is the authenticated principal performing a runtime operation.
type Actor struct {
	UserID     string
	Roles      []string
	Department string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Access policy reason codes. Allowed and denied outcomes both carry one so
// audit consumers can tell apart the grounds for a decision.
const (
	ReasonAdminOverride      = "ADMIN_OVERRIDE"
	ReasonDirectAssignment   = "DIRECT_ASSIGNMENT"
	ReasonRoleAssignment     = "ROLE_ASSIGNMENT"
	ReasonDepartmentMismatch = "DEPARTMENT_MISMATCH"
	ReasonNotAssigned        = "NOT_ASSIGNED"
	ReasonNotRequester       = "NOT_REQUESTER"
)

// AccessDecision is a policy verdict.
type AccessDecision struct {
	Allowed    bool
	ReasonCode string
}

// AccessPolicy decides whether an actor may act on a task belonging to a
// request.
type AccessPolicy interface {
	Authorize(actor Actor, task store.Task, request store.Request) AccessDecision
}

// DefaultAccessPolicy implements the built-in rules, checked in order:
//
//  1. actors holding AdminRole may act on anything (ADMIN_OVERRIDE)
//  2. a department mismatch between actor and request vetoes everything
//     below, direct assignments included (DEPARTMENT_MISMATCH)
//  3. the directly assigned user may act (DIRECT_ASSIGNMENT)
//  4. a role match allows acting (ROLE_ASSIGNMENT)
//  5. everything else is denied (NOT_ASSIGNED)
type DefaultAccessPolicy struct {
	AdminRole string
}

// adminRole is the role that bypasses both task access checks and the
// requester-only guard on the request lifecycle.
const adminRole = "ADMIN"

// NewDefaultAccessPolicy returns the policy with the standard ADMIN role.
func NewDefaultAccessPolicy() *DefaultAccessPolicy {
	return &DefaultAccessPolicy{AdminRole: adminRole}
}

// Authorize implements AccessPolicy.
func (p *DefaultAccessPolicy) Authorize(actor Actor, task store.Task, request store.Request) AccessDecision {
	if p.AdminRole != "" && actor.HasRole(p.AdminRole) {
		return AccessDecision{Allowed: true, ReasonCode: ReasonAdminOverride}
	}
	if actor.Department != "" && request.Department != "" &&
		!strings.EqualFold(actor.Department, request.Department) {
		return AccessDecision{Allowed: false, ReasonCode: ReasonDepartmentMismatch}
	}
	if task.AssigneeUserID != "" && task.AssigneeUserID == actor.UserID {
		return AccessDecision{Allowed: true, ReasonCode: ReasonDirectAssignment}
	}
	if task.AssigneeRole != "" && actor.HasRole(task.AssigneeRole) {
		return AccessDecision{Allowed: true, ReasonCode: ReasonRoleAssignment}
	}
	return AccessDecision{Allowed: false, ReasonCode: ReasonNotAssigned}
}
