// Package logging provides a context-aware logger for the HTTP layer.
// Request-scoped identity (user, role, trace) travels in the context and is
// attached to every log line emitted through WithContext.
package logging

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey carries the per-request trace identifier.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey carries the authenticated caller's identifier.
	UserIDKey contextKey = "user_id"
	// RoleKey carries the authenticated caller's role claim.
	RoleKey contextKey = "role"
)

// Logger is a structured logger bound to a service name.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger for the named service.
func New(service string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		base.SetLevel(lvl)
	}
	return &Logger{entry: base.WithField("service", service)}
}

// WithContext attaches trace, user and role fields from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	entry := l.entry
	if v := GetTraceID(ctx); v != "" {
		entry = entry.WithField(string(TraceIDKey), v)
	}
	if v := GetUserID(ctx); v != "" {
		entry = entry.WithField(string(UserIDKey), v)
	}
	if v := GetRole(ctx); v != "" {
		entry = entry.WithField(string(RoleKey), v)
	}
	return &Logger{entry: entry}
}

// WithError attaches an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithFields attaches arbitrary fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// LogSecurityEvent records a security-relevant event (auth failure, rate
// limit, permission denial) with a fixed event field for downstream alerting.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(details).WithFields(map[string]interface{}{
		"security_event": event,
	}).Warn("security event")
}

// WithTraceID stores a trace identifier in the context, generating one when
// absent.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace identifier from the context, if any.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetUserID returns the authenticated user identifier from the context.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRole returns the caller role from the context.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
