package interceptors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docgate/internal/notify"
)

// TelemetryUnary returns a unary server interceptor that publishes an admin_rpc_rejected event
// when a call to a method under adminPrefix is refused with Unauthenticated or PermissionDenied.
// Best-effort: broadcast failures are logged and do not fail the RPC. If b is nil, the interceptor no-ops.
// Wrap b in notify.Async so publishing never adds latency to the call.
func TelemetryUnary(b notify.Broadcaster, adminPrefix string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if b == nil || err == nil || !strings.HasPrefix(info.FullMethod, adminPrefix) {
			return resp, err
		}
		code := status.Code(err)
		if code != codes.Unauthenticated && code != codes.PermissionDenied {
			return resp, err
		}
		subject, _ := GetSubject(ctx)
		sessionID, _ := GetSessionID(ctx)
		notify.Send(ctx, b, notify.Event{
			Type:       notify.EventAdminRejected,
			SubjectRef: subject,
			SessionRef: sessionID,
			Message:    "privileged call rejected",
			Timestamp:  start.UTC(),
			Attributes: map[string]string{
				"full_method": info.FullMethod,
				"status_code": code.String(),
				"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
				"client_ip":   ClientIP(ctx),
			},
		})
		return resp, err
	}
}
