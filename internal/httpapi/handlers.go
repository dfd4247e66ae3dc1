package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"usergate.org/internal/audit"
	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

const serviceName = "usergate"

// Pinger is a dependency that can report whether it answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness pings every dependency; the first failure wins.
type Readiness []Pinger

func (rp Readiness) Check(ctx context.Context) error {
	for _, p := range rp {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Config holds the HTTP-layer knobs.
type Config struct {
	Version      string
	MaxBodyBytes int64
	RatePerSec   float64
	RateBurst    int
	CORSOrigins  []string
	// TrustedProxies may set X-Forwarded-For for rate limiting. Empty trusts no one.
	TrustedProxies TrustedProxies
	// ExposeResetLink returns the reset link in the response body as well as by mail.
	ExposeResetLink bool
}

// API is the HTTP layer over the decision engine and the admin service.
type API struct {
	svc      *auth.Service
	admin    *auth.Admin
	ready    Readiness
	cfg      Config
	logger   *zap.Logger
	recorder auth.ActivityRecorder
	limit    func(http.Handler) http.Handler
	router   chi.Router
}

type Option func(*API)

// WithRecorder records admin mutations in addition to what the service records itself.
func WithRecorder(r auth.ActivityRecorder) Option {
	return func(a *API) {
		if r != nil {
			a.recorder = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(svc *auth.Service, admin *auth.Admin, ready Readiness, cfg Config, opts ...Option) *API {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	a := &API{
		svc:    svc,
		admin:  admin,
		ready:  ready,
		cfg:    cfg,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limit = RateLimit(cfg.RatePerSec, cfg.RateBurst, cfg.TrustedProxies)
	a.router = a.routes()
	return a
}

func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		CORS(a.cfg.CORSOrigins),
		SecurityHeaders,
		LoggingJSON,
		obs.Instrument(routePattern),
		MaxBodyBytes(a.cfg.MaxBodyBytes),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Route("/account", func(r chi.Router) {
			r.With(a.limit).Post("/auth/token", a.handleAuthToken)
			r.With(a.limit).Post("/auth/refresh", a.handleAuthRefresh)
			r.With(a.withAuth).Post("/auth/logout", a.handleLogout)
			r.With(a.limit).Post("/password/reset", a.handlePasswordReset)
			// Reset links are mailed with a trailing slash; both forms reach the handler.
			r.With(a.limit).Post("/password/recover/{token}", a.handlePasswordRecover)
			r.With(a.limit).Post("/password/recover/{token}/", a.handlePasswordRecover)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			a.mountUsers(r)
			a.mountRoles(r)
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// audit records an admin action under the acting identity. The target goes in details.
// A non-nil err records the attempt as failed.
func (a *API) audit(ctx context.Context, action string, err error, details map[string]string) {
	if a.recorder == nil {
		return
	}
	actor, ok := auth.IdentityFromContext(ctx)
	if !ok || actor == nil {
		return
	}
	rec := auth.ActivityRecord{
		Email:      actor.Email,
		Action:     action,
		Status:     auth.StatusSuccess,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Status = auth.StatusFailed
		if rec.Details == nil {
			rec.Details = make(map[string]string, 1)
		}
		rec.Details["error"] = err.Error()
	}
	if err := a.recorder.Record(ctx, rec); err != nil {
		a.logger.Warn("admin activity not recorded", zap.String("action", action), zap.Error(err))
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

// writeServiceError maps the auth error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, auth.ErrAuthentication):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrAuthorization):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrExpiredTicket):
		writeError(w, r, http.StatusBadRequest, "reset link expired")
	case errors.Is(err, auth.ErrTicket):
		writeError(w, r, http.StatusBadRequest, "invalid reset link")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		default:
			return fmt.Errorf("invalid JSON: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func trimmed(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	return &v
}
