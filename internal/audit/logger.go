package audit

import (
	"context"
	"log"

	"docgate/internal/audit/domain"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event with explicit action/resource. Used by transport code
// paths where an unrecorded event must not change the response.
type AuditLogger interface {
	LogEvent(ctx context.Context, actor, action, resource string, risk domain.RiskLevel, after domain.State)
}

// Logger implements AuditLogger on top of the ledger and an optional IP extractor.
type Logger struct {
	ledger      Appender
	ipExtractor IPExtractor
}

// NewLogger returns an AuditLogger that appends to ledger and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(ledger Appender, ipExtractor IPExtractor) *Logger {
	return &Logger{ledger: ledger, ipExtractor: ipExtractor}
}

// LogEvent appends one record. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, actor, action, resource string, risk domain.RiskLevel, after domain.State) {
	if l == nil || l.ledger == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	if actor == "" {
		actor = "anonymous"
	}
	rec := domain.Record{
		Actor:       actor,
		ActionType:  action,
		ResourceRef: resource,
		AfterState:  after,
		RiskLevel:   risk,
		IP:          ip,
	}
	if _, err := l.ledger.Append(ctx, rec); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}
