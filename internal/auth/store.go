package auth

import (
	"context"
	"time"
)

// CredentialStore is the narrow view of identities and roles used by token validation and evaluation.
type CredentialStore interface {
	FindIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	FindIdentityByID(ctx context.Context, id string) (*Identity, error)
	// UpdateIdentity applies patch only if the identity exists and returns ErrNotFound otherwise.
	UpdateIdentity(ctx context.Context, id string, patch IdentityPatch) (*Identity, error)
	FindRoleByID(ctx context.Context, id string) (*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
}

// Directory holds the listing and creation operations used by administration.
type Directory interface {
	CredentialStore
	CreateIdentity(ctx context.Context, identity *Identity) error
	ListIdentities(ctx context.Context) ([]Identity, error)
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	ListActivity(ctx context.Context, email string) ([]ActivityRecord, error)
}

// RevocationLedger is append-only. Revoking an already revoked fingerprint is a no-op.
type RevocationLedger interface {
	Revoke(ctx context.Context, entry RevocationEntry) error
	IsRevoked(ctx context.Context, fingerprint string) (bool, error)
}

// TicketStore persists password reset tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket ResetTicket) error
	FindTicket(ctx context.Context, secretHash string) (*ResetTicket, error)
	// ConsumeTicket deletes the ticket only if still present and returns it.
	// Concurrent callers observe exactly one success; the rest get ErrNotFound.
	ConsumeTicket(ctx context.Context, secretHash string) (*ResetTicket, error)
}

// ActivityRecorder receives audit records. Failures never fail the caller's operation.
type ActivityRecorder interface {
	Record(ctx context.Context, record ActivityRecord) error
}

// Mailer delivers reset links out of band.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string, expiresAt time.Time) error
	// SendAccountCreated tells a new user their account exists. It never carries the password.
	SendAccountCreated(ctx context.Context, email, fullName string) error
}

// Store bundles every persistence concern a single backend can provide.
type Store interface {
	Directory
	RevocationLedger
	TicketStore
	ActivityRecorder
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, ActivityRecord) error { return nil }

type nopMailer struct{}

func (nopMailer) SendPasswordReset(context.Context, string, string, time.Time) error { return nil }

func (nopMailer) SendAccountCreated(context.Context, string, string) error { return nil }
