package auth

import "time"

// Identity is a user account. Identities are deactivated, never deleted.
type Identity struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	// RoleID is a weak reference; an absent role resolves to no permissions.
	RoleID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRole reports whether the identity references any role.
func (i *Identity) HasRole() bool {
	return i != nil && i.RoleID != ""
}

// IdentityPatch carries the fields an update should overwrite. Nil fields are left unchanged.
type IdentityPatch struct {
	Email        *string
	FullName     *string
	PasswordHash *string
	IsActive     *bool
	RoleID       *string
}

// Empty reports whether the patch changes nothing.
func (p IdentityPatch) Empty() bool {
	return p.Email == nil && p.FullName == nil && p.PasswordHash == nil && p.IsActive == nil && p.RoleID == nil
}

// Role is a named bundle of capabilities.
type Role struct {
	ID          string
	Name        string
	Permissions []Capability
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Has reports whether the role grants capability c.
func (r *Role) Has(c Capability) bool {
	if r == nil || c == "" {
		return false
	}
	for _, p := range r.Permissions {
		if p == c {
			return true
		}
	}
	return false
}

// RevocationEntry marks a token as dead. Fingerprint is derived from the raw token.
type RevocationEntry struct {
	Fingerprint string
	RevokedAt   time.Time
}

// ResetTicket is a pending password reset keyed by the hash of its secret.
type ResetTicket struct {
	SecretHash string
	Email      string
	CreatedAt  time.Time
}

// ActivityRecord is one entry of the append-only audit trail.
type ActivityRecord struct {
	ID         string
	Email      string
	Action     string
	Status     string
	Details    map[string]string
	OccurredAt time.Time
}

// Activity statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TokenPair is the result of issuing or rotating a session.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Session is returned by a successful login.
type Session struct {
	Tokens     TokenPair
	IdentityID string
	Email      string
	// Role is the resolved role name; empty when the identity has none.
	Role string
}

// ResetRequest describes a delivered password reset link.
type ResetRequest struct {
	Link      string
	ExpiresAt time.Time
}
