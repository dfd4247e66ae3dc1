package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"usergate.org/internal/auth"
	"usergate.org/internal/config"
)

func memoryConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "usergate.yaml")
	body := `
storage:
  driver: memory
auth:
  secret: test-secret
log:
  level: error
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Chdir(dir)
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "", "hash-password", "secret123")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.True(t, auth.NewArgon2Hasher().Verify(hash, "secret123"))

	out, err = execute(t, "from-stdin\n", "hash-password", "--bcrypt")
	require.NoError(t, err)
	assert.True(t, auth.NewArgon2Hasher().Verify(strings.TrimSpace(out), "from-stdin"))

	_, err = execute(t, "\n", "hash-password")
	assert.Error(t, err)
}

func TestBootstrapAdmin(t *testing.T) {
	t.Setenv("USERGATE_ADMIN_PASSWORD", "")
	path := memoryConfig(t)

	out, err := execute(t, "", "--config", path, "bootstrap-admin", "--email", "root@x.com", "--password", "secret123")
	require.NoError(t, err)
	assert.Contains(t, out, "created root@x.com")
	assert.Contains(t, out, "with role Admin")

	_, err = execute(t, "", "--config", path, "bootstrap-admin", "--email", "root@x.com")
	assert.ErrorContains(t, err, "password is required")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	path := memoryConfig(t)
	_, err := execute(t, "", "--config", path, "migrate", "status")
	assert.ErrorContains(t, err, "storage.driver postgres")
}

func TestOpenStoresAndServiceInMemory(t *testing.T) {
	cfg, err := config.Load(memoryConfig(t))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	st, err := openStores(ctx, cfg, logger)
	require.NoError(t, err)
	defer st.Close()
	require.Len(t, st.ready, 1)
	require.NoError(t, st.ready.Check(ctx))

	mailer, err := newMailer(cfg, logger)
	require.NoError(t, err)
	svc, err := newService(cfg, st, mailer, logger)
	require.NoError(t, err)
	admin, err := auth.NewAdmin(st.main, nil)
	require.NoError(t, err)
	_, err = admin.CreateUser(ctx, auth.NewUser{Email: "a@x.com", Password: "secret123"})
	require.NoError(t, err)

	session, err := svc.IssueSession(ctx, "a@x.com", "secret123")
	require.NoError(t, err)
	identity, err := svc.Authenticate(ctx, session.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", identity.Email)
}

func TestUnsupportedStorageDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "sqlite"
	_, err := openStores(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "not supported")
}
