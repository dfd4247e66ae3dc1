// Package audit emits activity records to the process log and fans them out to durable sinks.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"usergate.org/internal/auth"
	"usergate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogRecorder writes each activity record as one structured log line.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder logs through l, or the shared logger when l is nil.
func NewLogRecorder(l *zap.Logger) *LogRecorder {
	if l == nil {
		l = obs.Logger()
	}
	return &LogRecorder{logger: l.Named("audit")}
}

func (r *LogRecorder) Record(ctx context.Context, rec auth.ActivityRecord) error {
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("activity action is required")
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", rec.Action),
		zap.String("status", rec.Status),
		zap.String("email", rec.Email),
	}
	if !rec.OccurredAt.IsZero() {
		fields = append(fields, zap.Time("occurred_at", rec.OccurredAt))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		fields = append(fields, zap.String("actor_id", identity.ID))
	}
	if len(rec.Details) > 0 {
		keys := make([]string, 0, len(rec.Details))
		for k := range rec.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			details = append(details, zap.String(k, rec.Details[k]))
		}
		fields = append(fields, zap.Dict("details", details...))
	}
	r.logger.Info("activity", fields...)
	return nil
}

// Tee forwards every record to all recorders and joins their failures.
type Tee []auth.ActivityRecorder

func (t Tee) Record(ctx context.Context, rec auth.ActivityRecord) error {
	var errs []error
	for _, r := range t {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
