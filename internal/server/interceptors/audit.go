package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
)

// AuditUnary returns a unary server interceptor that records an rpc.denied entry when an RPC
// is refused with Unauthenticated or PermissionDenied. Successful calls are audited by the
// components themselves. skipMethods is the set of full method names to never audit.
// LogEvent is best-effort: failures are logged and do not change the response.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || err == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		if code != codes.Unauthenticated && code != codes.PermissionDenied {
			return resp, err
		}
		actor := "anonymous"
		if subject, ok := GetSubject(ctx); ok && subject != "" {
			role, _ := GetRole(ctx)
			actor = role + ":" + subject
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		risk := auditdomain.RiskMedium
		if ar.Resource == "admin" {
			risk = auditdomain.RiskHigh
		}
		logger.LogEvent(ctx, actor, audit.ActionRPCDenied, ar.Resource+"/"+ar.Action, risk, auditdomain.State{
			"method": info.FullMethod,
			"code":   code.String(),
		})
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
