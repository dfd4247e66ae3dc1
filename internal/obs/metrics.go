package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usergate_authn_total",
			Help: "Bearer token authentication outcomes.",
		},
		[]string{"result"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usergate_authz_decisions_total",
			Help: "Authorization decisions by resource, verb and outcome.",
		},
		[]string{"resource", "verb", "decision"},
	)

	passwordResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usergate_password_resets_total",
			Help: "Password reset requests and completions.",
		},
		[]string{"stage", "result"},
	)

	registerOnce sync.Once
)

// Init registers collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, authnTotal, authzDecisions, passwordResets)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthn counts one authentication attempt. result is "ok", "anonymous" or an error kind.
func ObserveAuthn(result string) {
	authnTotal.WithLabelValues(result).Inc()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(resource, verb string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authzDecisions.WithLabelValues(resource, verb, decision).Inc()
}

// ObservePasswordReset counts a reset stage ("request" or "consume") with its result.
func ObservePasswordReset(stage, result string) {
	passwordResets.WithLabelValues(stage, result).Inc()
}

// Instrument records RPS, latency and in-flight requests. route returns the matched
// route pattern after the request is served; CanonicalPath is used when it is empty.
func Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpInFlight.Inc()
			defer httpInFlight.Dec()
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := ""
			if route != nil {
				path = route(r)
			}
			if path == "" {
				path = CanonicalPath(r.URL.Path)
			}
			status := strconv.Itoa(sw.code)
			httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
// Unknown paths collapse to "other".
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return path
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) < 3 || segs[0] != "api" || segs[1] != "v1" {
		return "other"
	}
	rest := segs[2:]
	switch rest[0] {
	case "users", "roles":
		switch len(rest) {
		case 1:
			return "/api/v1/" + rest[0]
		case 2:
			return "/api/v1/" + rest[0] + "/:id"
		case 3:
			return "/api/v1/" + rest[0] + "/:id/" + rest[2]
		}
	case "account":
		if len(rest) == 4 && rest[1] == "password" && rest[2] == "recover" {
			return "/api/v1/account/password/recover/:token"
		}
		if len(rest) == 3 {
			return "/api/v1/" + strings.Join(rest, "/")
		}
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
