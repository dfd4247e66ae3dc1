package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/healthz/":                     "/healthz",
		"/api/v1/users":                 "/api/v1/users",
		"/api/v1/users/01HX":            "/api/v1/users/:id",
		"/api/v1/users/01HX/roles":      "/api/v1/users/:id/roles",
		"/api/v1/users/01HX/deactivate": "/api/v1/users/:id/deactivate",
		"/api/v1/roles/abc?x=1":         "/api/v1/roles/:id",
		"/api/v1/account/auth/token":    "/api/v1/account/auth/token",
		"/api/v1/account/password/recover/AbC123/": "/api/v1/account/password/recover/:token",
		"/wp-admin/setup.php":                      "other",
		"/api/v1/users/a/b/c":                      "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()
	Init()
	h := Instrument(func(*http.Request) string { return "/api/v1/users/{id}" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/users/{id}", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/users/42", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/users/{id}", "418"))
	if after-before != 1 {
		t.Fatalf("expected one observation, got %v", after-before)
	}
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(authzDecisions.WithLabelValues("user", "GET", "deny"))
	ObserveDecision("user", "GET", false)
	if got := testutil.ToFloat64(authzDecisions.WithLabelValues("user", "GET", "deny")) - before; got != 1 {
		t.Fatalf("expected deny counter to increase by 1, got %v", got)
	}
}
