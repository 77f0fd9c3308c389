package notify

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// OTelBroadcaster emits events as OTel log records. Security events then travel with the
// service's other telemetry to the configured OTLP collector.
type OTelBroadcaster struct {
	logger RecordEmitter
}

// RecordEmitter is the part of otellog.Logger the broadcaster uses.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LoggerProvider is satisfied by the SDK and noop log providers.
type LoggerProvider interface {
	Logger(name string, opts ...otellog.LoggerOption) otellog.Logger
}

// NewOTelBroadcaster returns a broadcaster logging through provider, or nil when provider is nil.
func NewOTelBroadcaster(provider LoggerProvider) *OTelBroadcaster {
	if provider == nil {
		return nil
	}
	return &OTelBroadcaster{logger: provider.Logger("docgate.events")}
}

// NewOTelBroadcasterWithEmitter returns a broadcaster writing records to emitter.
func NewOTelBroadcasterWithEmitter(emitter RecordEmitter) *OTelBroadcaster {
	return &OTelBroadcaster{logger: emitter}
}

// Broadcast converts e to a log record and emits it.
func (o *OTelBroadcaster) Broadcast(ctx context.Context, e Event) error {
	if o == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(e.Message))
	sev, text := severityFor(e.Type)
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)
	rec.AddAttributes(otellog.String("event_type", e.Type))
	if e.SubjectRef != "" {
		rec.AddAttributes(otellog.String("subject_ref", e.SubjectRef))
	}
	if e.SessionRef != "" {
		rec.AddAttributes(otellog.String("session_ref", e.SessionRef))
	}
	for k, v := range e.Attributes {
		rec.AddAttributes(otellog.String(k, v))
	}
	o.logger.Emit(ctx, rec)
	return nil
}

func severityFor(eventType string) (otellog.Severity, string) {
	switch eventType {
	case EventAnomalyAlert, EventIntegrityAlert, EventSubjectLocked, EventIPBlocked:
		return otellog.SeverityWarn, "WARN"
	default:
		return otellog.SeverityInfo, "INFO"
	}
}
