package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"usergate.org/internal/ids"
)

const (
	minPasswordLength = 8
	minRoleNameLength = 3
	maxRoleNameLength = 50
)

// NewUser is the input for creating an identity.
type NewUser struct {
	Email    string
	Password string
	FullName string
	RoleName string
}

// UserUpdate carries optional user fields. Nil fields are left unchanged.
type UserUpdate struct {
	Email    *string
	FullName *string
	Password *string
	IsActive *bool
}

// RoleUpdate carries optional role fields. Nil fields are left unchanged.
type RoleUpdate struct {
	Name        *string
	Permissions *[]Capability
}

// Admin implements the record management operations that sit behind the decision engine.
type Admin struct {
	dir          Directory
	hasher       PasswordHasher
	mailer       Mailer
	logger       *zap.Logger
	now          func() time.Time
	storeTimeout time.Duration
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAdminMailer sends an account notice to every user the Admin creates.
func WithAdminMailer(m Mailer) AdminOption {
	return func(a *Admin) {
		if m != nil {
			a.mailer = m
		}
	}
}

func WithAdminLogger(l *zap.Logger) AdminOption {
	return func(a *Admin) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdmin builds an Admin over dir. A nil hasher falls back to argon2id defaults.
func NewAdmin(dir Directory, hasher PasswordHasher, opts ...AdminOption) (*Admin, error) {
	if dir == nil {
		return nil, errors.New("directory store is required")
	}
	if hasher == nil {
		hasher = NewArgon2Hasher()
	}
	a := &Admin{
		dir:          dir,
		hasher:       hasher,
		mailer:       nopMailer{},
		logger:       zap.NewNop(),
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Admin) CreateUser(ctx context.Context, in NewUser) (*Identity, error) {
	email, err := validateEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(in.Password)) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	identity := &Identity{
		ID:           ids.New(),
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if name := strings.TrimSpace(in.RoleName); name != "" {
		role, err := a.findRoleByName(ctx, name)
		if err != nil {
			return nil, err
		}
		identity.RoleID = role.ID
	}
	_, err = bounded(ctx, a.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.dir.CreateIdentity(ctx, identity)
	})
	if err != nil {
		return nil, storeError("create identity", err)
	}
	if err := a.mailer.SendAccountCreated(ctx, identity.Email, identity.FullName); err != nil {
		a.logger.Warn("account mail failed", zap.String("email", identity.Email), zap.Error(err))
	}
	return identity, nil
}

func (a *Admin) ListUsers(ctx context.Context) ([]Identity, error) {
	users, err := bounded(ctx, a.storeTimeout, a.dir.ListIdentities)
	if err != nil {
		return nil, storeError("list identities", err)
	}
	return users, nil
}

func (a *Admin) GetUser(ctx context.Context, id string) (*Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	identity, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return a.dir.FindIdentityByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeError("find identity", err)
	}
	return identity, nil
}

func (a *Admin) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	var patch IdentityPatch
	if upd.Email != nil {
		email, err := validateEmail(*upd.Email)
		if err != nil {
			return nil, err
		}
		patch.Email = &email
	}
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		patch.FullName = &name
	}
	if upd.Password != nil {
		if len(strings.TrimSpace(*upd.Password)) < minPasswordLength {
			return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
		}
		hash, err := a.hasher.Hash(*upd.Password)
		if err != nil {
			return nil, err
		}
		patch.PasswordHash = &hash
	}
	patch.IsActive = upd.IsActive
	if patch.Empty() {
		return a.GetUser(ctx, id)
	}
	return a.patch(ctx, id, patch)
}

// DeactivateUser clears the active flag. Identities are never deleted.
func (a *Admin) DeactivateUser(ctx context.Context, id string) (*Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	inactive := false
	return a.patch(ctx, id, IdentityPatch{IsActive: &inactive})
}

// RoleOf returns the identity's role, or nil when it has none or the reference dangles.
func (a *Admin) RoleOf(ctx context.Context, identity *Identity) (*Role, error) {
	if !identity.HasRole() {
		return nil, nil
	}
	role, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) (*Role, error) {
		return a.dir.FindRoleByID(ctx, identity.RoleID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, storeError("find role", err)
	}
	return role, nil
}

// UserActivity lists the audit trail recorded for the user's email.
func (a *Admin) UserActivity(ctx context.Context, id string) ([]ActivityRecord, error) {
	identity, err := a.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) ([]ActivityRecord, error) {
		return a.dir.ListActivity(ctx, identity.Email)
	})
	if err != nil {
		return nil, storeError("list activity", err)
	}
	return records, nil
}

func (a *Admin) CreateRole(ctx context.Context, name string, permissions []Capability) (*Role, error) {
	name, err := validateRoleName(name)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Permissions: dedupeCapabilities(permissions),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = bounded(ctx, a.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.dir.CreateRole(ctx, role)
	})
	if err != nil {
		return nil, storeError("create role", err)
	}
	return role, nil
}

func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := bounded(ctx, a.storeTimeout, a.dir.ListRoles)
	if err != nil {
		return nil, storeError("list roles", err)
	}
	return roles, nil
}

func (a *Admin) GetRole(ctx context.Context, id string) (*Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	role, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) (*Role, error) {
		return a.dir.FindRoleByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, storeError("find role", err)
	}
	return role, nil
}

func (a *Admin) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error) {
	role, err := a.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name, err := validateRoleName(*upd.Name)
		if err != nil {
			return nil, err
		}
		role.Name = name
	}
	if upd.Permissions != nil {
		role.Permissions = dedupeCapabilities(*upd.Permissions)
	}
	role.UpdatedAt = a.now().UTC()
	_, err = bounded(ctx, a.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.dir.UpdateRole(ctx, role)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, storeError("update role", err)
	}
	return role, nil
}

func (a *Admin) patch(ctx context.Context, id string, patch IdentityPatch) (*Identity, error) {
	identity, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) (*Identity, error) {
		return a.dir.UpdateIdentity(ctx, id, patch)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, storeError("update identity", err)
	}
	return identity, nil
}

func (a *Admin) findRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := bounded(ctx, a.storeTimeout, func(ctx context.Context) (*Role, error) {
		return a.dir.FindRoleByName(ctx, name)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, storeError("find role", err)
	}
	return role, nil
}

func validateEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}

func validateRoleName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if n := len([]rune(name)); n < minRoleNameLength || n > maxRoleNameLength {
		return "", fmt.Errorf("%w: role name must be between %d and %d characters", ErrInvalidInput, minRoleNameLength, maxRoleNameLength)
	}
	return name, nil
}

// dedupeCapabilities keeps first occurrences so a role never stores a capability twice.
func dedupeCapabilities(values []Capability) []Capability {
	set := make(map[Capability]struct{}, len(values))
	result := make([]Capability, 0, len(values))
	for _, v := range values {
		v = Capability(strings.TrimSpace(string(v)))
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
