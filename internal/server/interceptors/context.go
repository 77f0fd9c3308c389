package interceptors

import "context"

type contextKey struct{ name string }

var (
	subjectKey          = contextKey{"subject"}
	roleKey             = contextKey{"role"}
	sessionIDKey        = contextKey{"session_id"}
	sessionCreatedAtKey = contextKey{"session_created_at"}
)

// WithIdentity returns a context with subject, role, session_id and the session creation time (unix seconds) set.
// Handlers read these via GetSubject, GetRole, GetSessionID, GetSessionCreatedAt.
func WithIdentity(ctx context.Context, subject, role, sessionID string, sessionCreatedAt int64) context.Context {
	ctx = context.WithValue(ctx, subjectKey, subject)
	ctx = context.WithValue(ctx, roleKey, role)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	ctx = context.WithValue(ctx, sessionCreatedAtKey, sessionCreatedAt)
	return ctx
}

// GetSubject returns the caller subject from context and true if set; otherwise "", false.
func GetSubject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok
}

// GetRole returns the caller role from context and true if set; otherwise "", false.
func GetRole(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	return v, ok
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}

// GetSessionCreatedAt returns the claimed session creation time in unix seconds.
func GetSessionCreatedAt(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(sessionCreatedAtKey).(int64)
	return v, ok
}
