package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"prjevent.org/internal/auth"
	"prjevent.org/internal/obs"
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

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a free-form audit line enriched with request and identity
// context. It is for events that are not mutations, such as logins.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if ident, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = ident.ID
	}
	entry["fields"] = Redact(fields)
	return writeLine(entry)
}

// LoggerSink appends entries as JSON lines on the shared logger.
type LoggerSink struct{}

// Append implements Sink.
func (LoggerSink) Append(_ context.Context, e Entry) error {
	entry := map[string]any{
		"ts":     e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  e.Operation,
		"id":     e.ID,
		"path":   e.Path,
		"method": e.Method,
		"fields": e.Params,
	}
	if e.RequestID != "" {
		entry["request_id"] = e.RequestID
	}
	if e.ActorID != nil {
		entry["user_id"] = *e.ActorID
	}
	return writeLine(entry)
}

func writeLine(entry map[string]any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
