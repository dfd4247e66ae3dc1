package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usergate.org/internal/auth"
	"usergate.org/internal/store/memory"
)

func newAdmin(t *testing.T) (*auth.Admin, *memory.Store) {
	t.Helper()
	store := memory.New()
	admin, err := auth.NewAdmin(store, fastHasher)
	require.NoError(t, err)
	return admin, store
}

func TestAdminRoles(t *testing.T) {
	admin, _ := newAdmin(t)
	ctx := context.Background()

	_, err := admin.CreateRole(ctx, "ab", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = admin.CreateRole(ctx, strings.Repeat("x", 51), nil)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	role, err := admin.CreateRole(ctx, " Editor ", []auth.Capability{"read_user", "read_user", " ", "write_user"})
	require.NoError(t, err)
	assert.Equal(t, "Editor", role.Name)
	assert.Equal(t, []auth.Capability{auth.CapReadUser, auth.CapWriteUser}, role.Permissions)

	_, err = admin.CreateRole(ctx, "Editor", nil)
	assert.ErrorIs(t, err, auth.ErrConflict)

	perms := []auth.Capability{auth.CapReadRole, auth.CapReadRole}
	updated, err := admin.UpdateRole(ctx, role.ID, auth.RoleUpdate{Permissions: &perms})
	require.NoError(t, err)
	assert.Equal(t, []auth.Capability{auth.CapReadRole}, updated.Permissions)

	_, err = admin.UpdateRole(ctx, "missing", auth.RoleUpdate{})
	assert.ErrorIs(t, err, auth.ErrRoleNotFound)

	roles, err := admin.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}

func TestAdminUsers(t *testing.T) {
	admin, _ := newAdmin(t)
	ctx := context.Background()
	_, err := admin.CreateRole(ctx, "Editor", []auth.Capability{auth.CapReadUser})
	require.NoError(t, err)

	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "not-an-email", Password: "secret123"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "short"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123", RoleName: "Nope"})
	assert.ErrorIs(t, err, auth.ErrRoleNotFound)

	user, err := admin.CreateUser(ctx, auth.NewUser{Email: " A@X.com", Password: "secret123", FullName: "Ada", RoleName: "Editor"})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.True(t, user.IsActive)
	assert.NotEmpty(t, user.RoleID)
	assert.True(t, fastHasher.Verify(user.PasswordHash, "secret123"))

	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	role, err := admin.RoleOf(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, "Editor", role.Name)

	name := "Ada L."
	updated, err := admin.UpdateUser(ctx, user.ID, auth.UserUpdate{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", updated.FullName)

	deactivated, err := admin.DeactivateUser(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	_, err = admin.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrIdentityNotFound)

	users, err := admin.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAdminCreateUserSendsAccountNotice(t *testing.T) {
	mailer := &captureMailer{}
	admin, err := auth.NewAdmin(memory.New(), fastHasher, auth.WithAdminMailer(mailer))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123", FullName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, mailer.created)

	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123"})
	assert.ErrorIs(t, err, auth.ErrConflict)
	assert.Len(t, mailer.created, 1, "no notice for a failed creation")

	mailer.err = errors.New("smtp down")
	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "b@x.com", Password: "secret123"})
	require.NoError(t, err, "mail failure must not fail creation")
	assert.Len(t, mailer.created, 2)
}

func TestAdminUserActivity(t *testing.T) {
	admin, store := newAdmin(t)
	ctx := context.Background()
	user, err := admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123"})
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, auth.ActivityRecord{Email: "a@x.com", Action: auth.ActionLogin, Status: auth.StatusSuccess}))

	records, err := admin.UserActivity(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, auth.ActionLogin, records[0].Action)

	role, err := admin.RoleOf(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, role)
}

func TestArgon2HasherVerifiesBcrypt(t *testing.T) {
	legacy, err := auth.HashBcrypt("secret123")
	require.NoError(t, err)
	h := auth.NewArgon2Hasher()
	assert.True(t, h.Verify(legacy, "secret123"))
	assert.False(t, h.Verify(legacy, "wrong"))
	assert.False(t, h.Verify("plain", "plain"))

	hash, err := fastHasher.Hash("secret123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))
	assert.True(t, h.Verify(hash, "secret123"), "params are read from the hash")
	assert.False(t, h.Verify(hash, "secret124"))
}
