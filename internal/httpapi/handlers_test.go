package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"usergate.org/internal/auth"
	"usergate.org/internal/store/memory"
)

var testHasher = auth.Argon2Hasher{Params: auth.Argon2Params{
	Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16,
}}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	admin   *auth.Admin
}

func newTestAPI(t *testing.T, cfg Config) *apiClient {
	t.Helper()

	store := memory.New()
	svc, err := auth.NewService(store, store, store,
		auth.WithTokenSecret("test-secret"),
		auth.WithRecorder(store),
		auth.WithPasswordHasher(testHasher),
		auth.WithResetBaseURL("https://id.example.com/api/v1/account/password/recover/"),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	admin, err := auth.NewAdmin(store, testHasher)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 100
		cfg.RatePerSec = 100
	}
	api := New(svc, admin, Readiness{store}, cfg, WithRecorder(store))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, store: store, admin: admin}
}

func (c *apiClient) user(email, password string, role string, perms ...auth.Capability) *auth.Identity {
	c.t.Helper()
	ctx := context.Background()
	if role != "" {
		if _, err := c.store.FindRoleByName(ctx, role); err != nil {
			if _, err := c.admin.CreateRole(ctx, role, perms); err != nil {
				c.t.Fatalf("CreateRole: %v", err)
			}
		}
	}
	identity, err := c.admin.CreateUser(ctx, auth.NewUser{Email: email, Password: password, RoleName: role})
	if err != nil {
		c.t.Fatalf("CreateUser: %v", err)
	}
	return identity
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) login(email, password string) tokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/v1/account/auth/token", map[string]string{"email": email, "password": password}, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Access == "" || payload.Refresh == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t, Config{Version: "1.2.3"})

	body := decode[map[string]any](t, api.do(http.MethodGet, "/healthz", nil, ""))
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected health payload %v", body)
	}
	expectStatus(t, api.do(http.MethodGet, "/readyz", nil, ""), http.StatusOK)
	expectStatus(t, api.do(http.MethodGet, "/nope", nil, ""), http.StatusNotFound)
}

func TestLoginReturnsSessionAndRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t, Config{})
	identity := api.user("a@x.com", "secret123", "Editor", auth.CapReadUser)

	session := api.login("A@x.com", "secret123")
	if session.UserID != identity.ID || session.Email != "a@x.com" || session.Role != "Editor" {
		t.Fatalf("unexpected session %+v", session)
	}

	for _, creds := range []map[string]string{
		{"email": "a@x.com", "password": "wrong"},
		{"email": "ghost@x.com", "password": "secret123"},
	} {
		resp := api.do(http.MethodPost, "/api/v1/account/auth/token", creds, "")
		body := decode[map[string]any](t, resp)
		if resp.StatusCode != http.StatusUnauthorized || body["error"] != "invalid credentials" {
			t.Fatalf("expected uniform 401, got %d %v", resp.StatusCode, body)
		}
	}
}

func TestCapabilityPolicyOnUsers(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("a@x.com", "secret123", "Editor", auth.CapReadUser)
	token := api.login("a@x.com", "secret123").Access

	expectStatus(t, api.do(http.MethodGet, "/api/v1/users", nil, token), http.StatusOK)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/users", map[string]string{"email": "b@x.com", "password": "secret123"}, token), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/roles", nil, token), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/users", nil, ""), http.StatusUnauthorized)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/users", nil, "garbage"), http.StatusUnauthorized)
}

func TestAdminPolicyGuardsRoleAssignmentAndActivity(t *testing.T) {
	api := newTestAPI(t, Config{})
	editor := api.user("a@x.com", "secret123", "Editor", auth.CapReadUser, auth.CapWriteUser)
	api.user("root@x.com", "secret123", "Admin")
	api.admin.CreateRole(context.Background(), "Viewer", nil)

	editorToken := api.login("a@x.com", "secret123").Access
	adminToken := api.login("root@x.com", "secret123").Access

	path := "/api/v1/users/" + editor.ID
	expectStatus(t, api.do(http.MethodGet, path+"/activity", nil, editorToken), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodPatch, path+"/roles", map[string]string{"role_name": "Viewer"}, editorToken), http.StatusForbidden)

	resp := api.do(http.MethodGet, path+"/activity", nil, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	activity := decode[struct {
		Items []activityView `json:"items"`
	}](t, resp)
	if len(activity.Items) == 0 || activity.Items[0].Action != auth.ActionLogin {
		t.Fatalf("expected login activity, got %+v", activity.Items)
	}

	resp = api.do(http.MethodPatch, path+"/roles", map[string]string{"role_name": "Viewer"}, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	expectStatus(t, api.do(http.MethodGet, "/api/v1/users", nil, editorToken), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodPatch, path+"/roles", map[string]string{"role_name": "Missing"}, adminToken), http.StatusNotFound)
}

func TestUserAndRoleManagement(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("root@x.com", "secret123", "Manager", auth.BuiltinCapabilities...)
	token := api.login("root@x.com", "secret123").Access

	resp := api.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Support", "permissions": []string{"read_user", "read_user"}}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	role := decode[roleView](t, resp)
	if len(role.Permissions) != 1 {
		t.Fatalf("expected deduplicated permissions, got %v", role.Permissions)
	}
	expectStatus(t, api.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Support"}, token), http.StatusConflict)

	resp = api.do(http.MethodPut, "/api/v1/roles/"+role.ID, map[string]any{"permissions": []string{"read_user", "write_user"}}, token)
	updated := decode[roleView](t, resp)
	if len(updated.Permissions) != 2 {
		t.Fatalf("unexpected permissions %v", updated.Permissions)
	}

	resp = api.do(http.MethodPost, "/api/v1/users", map[string]string{"email": "b@x.com", "password": "secret123", "role_name": "Support"}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "/api/v1/users/") {
		t.Fatalf("missing Location header")
	}
	user := decode[userView](t, resp)
	if user.RoleID != role.ID || !user.IsActive {
		t.Fatalf("unexpected user %+v", user)
	}

	expectStatus(t, api.do(http.MethodPost, "/api/v1/users", map[string]string{"email": "bad", "password": "secret123"}, token), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/users", map[string]any{"email": "c@x.com", "unknown": true}, token), http.StatusBadRequest)

	resp = api.do(http.MethodPatch, "/api/v1/users/"+user.ID+"/deactivate", nil, token)
	deactivated := decode[userView](t, resp)
	if deactivated.IsActive {
		t.Fatalf("expected inactive user")
	}
	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/token", map[string]string{"email": "b@x.com", "password": "secret123"}, ""), http.StatusUnauthorized)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/users/missing", nil, token), http.StatusNotFound)
}

func TestLogoutRevokesTokens(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("a@x.com", "secret123", "Editor", auth.CapReadUser)
	session := api.login("a@x.com", "secret123")

	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/logout", map[string]string{"refresh": session.Refresh}, session.Access), http.StatusOK)
	expectStatus(t, api.do(http.MethodGet, "/api/v1/users", nil, session.Access), http.StatusUnauthorized)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/refresh", map[string]string{"refresh": session.Refresh}, ""), http.StatusUnauthorized)
}

func TestRefreshRotatesPair(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("a@x.com", "secret123", "")
	session := api.login("a@x.com", "secret123")

	resp := api.do(http.MethodPost, "/api/v1/account/auth/refresh", map[string]string{"refresh": session.Refresh}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rotated := decode[tokenResponse](t, resp)
	if rotated.Refresh == "" || rotated.Refresh == session.Refresh {
		t.Fatalf("expected a new refresh token")
	}
	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/refresh", map[string]string{"refresh": session.Refresh}, ""), http.StatusUnauthorized)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/refresh", map[string]string{"refresh": session.Access}, ""), http.StatusUnauthorized)
}

func TestPasswordResetOverHTTP(t *testing.T) {
	api := newTestAPI(t, Config{ExposeResetLink: true})
	api.user("a@x.com", "oldpass123", "")

	resp := api.do(http.MethodPost, "/api/v1/account/password/reset", map[string]string{"email": "a@x.com"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	msg := decode[messageResponse](t, resp)
	link, err := url.Parse(msg.ResetLink)
	if err != nil || link.Host != "id.example.com" || !strings.HasSuffix(link.Path, "/") {
		t.Fatalf("unexpected link %q", msg.ResetLink)
	}

	// The link is followed exactly as mailed, trailing slash included.
	expectStatus(t, api.do(http.MethodPost, link.Path, map[string]string{"password": "newpass123"}, ""), http.StatusOK)
	expectStatus(t, api.do(http.MethodPost, link.Path, map[string]string{"password": "again1234"}, ""), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodPost, strings.TrimSuffix(link.Path, "/"), map[string]string{"password": "again1234"}, ""), http.StatusBadRequest)
	api.login("a@x.com", "newpass123")

	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/password/reset", map[string]string{"email": "ghost@x.com"}, ""), http.StatusNotFound)
}

func TestPasswordResetHidesLinkByDefault(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("a@x.com", "oldpass123", "")

	msg := decode[messageResponse](t, api.do(http.MethodPost, "/api/v1/account/password/reset", map[string]string{"email": "a@x.com"}, ""))
	if msg.ResetLink != "" {
		t.Fatalf("link must only travel by mail")
	}
}

func TestAdminActivityRecordsActorAndFailures(t *testing.T) {
	api := newTestAPI(t, Config{})
	root := api.user("root@x.com", "secret123", "Admin")
	target := api.user("b@x.com", "secret123", "")
	api.admin.CreateRole(context.Background(), "Viewer", nil)
	token := api.login("root@x.com", "secret123").Access

	path := "/api/v1/users/" + target.ID + "/roles"
	expectStatus(t, api.do(http.MethodPatch, path, map[string]string{"role_name": "Viewer"}, token), http.StatusOK)
	expectStatus(t, api.do(http.MethodPatch, path, map[string]string{"role_name": "Missing"}, token), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPatch, "/api/v1/users/nobody/roles", map[string]string{"role_name": "Viewer"}, token), http.StatusNotFound)

	resp := api.do(http.MethodGet, "/api/v1/users/"+root.ID+"/activity", nil, token)
	activity := decode[struct {
		Items []activityView `json:"items"`
	}](t, resp)
	var assigns []activityView
	for _, item := range activity.Items {
		if item.Action == actionRoleAssign {
			assigns = append(assigns, item)
		}
	}
	if len(assigns) != 3 {
		t.Fatalf("expected 3 role_assign records for the actor, got %+v", activity.Items)
	}
	if assigns[0].Status != auth.StatusSuccess || assigns[0].Details["user_id"] != target.ID || assigns[0].Details["role_name"] != "Viewer" {
		t.Fatalf("unexpected success record %+v", assigns[0])
	}
	if assigns[1].Status != auth.StatusFailed || assigns[1].Details["role_name"] != "Missing" || assigns[1].Details["error"] == "" {
		t.Fatalf("unexpected failure record %+v", assigns[1])
	}
	if assigns[2].Status != auth.StatusFailed || assigns[2].Details["user_id"] != "nobody" {
		t.Fatalf("unexpected failure record %+v", assigns[2])
	}

	targetRecords, err := api.store.ListActivity(context.Background(), "b@x.com")
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	for _, rec := range targetRecords {
		if rec.Action == actionRoleAssign {
			t.Fatalf("admin action recorded under the target: %+v", rec)
		}
	}
}

func TestLogoutRejectsForeignRefreshToken(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.user("a@x.com", "secret123", "")
	api.user("b@x.com", "secret123", "")
	alice := api.login("a@x.com", "secret123")
	bob := api.login("b@x.com", "secret123")

	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/logout", map[string]string{"refresh": bob.Refresh}, alice.Access), http.StatusUnauthorized)

	resp := api.do(http.MethodPost, "/api/v1/account/auth/refresh", map[string]string{"refresh": bob.Refresh}, "")
	expectStatus(t, resp, http.StatusOK)
	expectStatus(t, api.do(http.MethodPost, "/api/v1/account/auth/logout", nil, alice.Access), http.StatusOK)
}
