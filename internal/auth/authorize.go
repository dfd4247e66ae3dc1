package auth

import (
	"context"
	"errors"
	"time"
)

// Request describes the operation being authorized.
type Request struct {
	Resource Resource
	Verb     Verb
}

// Policy decides a request for an identity whose role has already been resolved.
// Evaluator guarantees identity is active and role is non-nil before calling Allow.
type Policy interface {
	Allow(identity *Identity, role *Role, req Request) bool
}

// CapabilityPolicy allows when the role holds the capability the request requires.
type CapabilityPolicy struct{}

func (CapabilityPolicy) Allow(_ *Identity, role *Role, req Request) bool {
	required, ok := RequiredCapability(req.Resource, req.Verb)
	if !ok {
		return false
	}
	return role.Has(required)
}

// AdminPolicy allows when the role carries the distinguished admin name, regardless of request.
type AdminPolicy struct {
	RoleName string
}

func (p AdminPolicy) Allow(_ *Identity, role *Role, _ Request) bool {
	return p.RoleName != "" && role != nil && role.Name == p.RoleName
}

// AnyOf allows when at least one member allows.
type AnyOf []Policy

func (ps AnyOf) Allow(identity *Identity, role *Role, req Request) bool {
	for _, p := range ps {
		if p.Allow(identity, role, req) {
			return true
		}
	}
	return false
}

// AllOf allows when every member allows. An empty set denies.
type AllOf []Policy

func (ps AllOf) Allow(identity *Identity, role *Role, req Request) bool {
	if len(ps) == 0 {
		return false
	}
	for _, p := range ps {
		if !p.Allow(identity, role, req) {
			return false
		}
	}
	return true
}

// RoleFinder resolves roles by id.
type RoleFinder interface {
	FindRoleByID(ctx context.Context, id string) (*Role, error)
}

// Evaluator resolves an identity's role on every call and applies a policy. Decisions are never cached.
type Evaluator struct {
	roles   RoleFinder
	timeout time.Duration
}

// NewEvaluator builds an evaluator reading roles from finder. Lookups are bounded by timeout.
func NewEvaluator(finder RoleFinder, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Evaluator{roles: finder, timeout: timeout}
}

// Evaluate returns whether identity may perform req under policy.
// Absent, inactive, role-less identities and unresolvable roles are denied without error.
// Only infrastructure failures are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, identity *Identity, policy Policy, req Request) (bool, error) {
	if identity == nil || !identity.IsActive || !identity.HasRole() || policy == nil {
		return false, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	role, err := e.roles.FindRoleByID(lookupCtx, identity.RoleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, storeError("find role", err)
	}
	if role == nil {
		return false, nil
	}
	return policy.Allow(identity, role, req), nil
}
