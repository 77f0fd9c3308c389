package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"docgate/internal/audit"
	"docgate/internal/security"
)

const bearerPrefix = "bearer "

// BearerValidator validates a caller bearer token. *security.TokenProvider implements it.
type BearerValidator interface {
	Validate(token string) (*security.BearerClaims, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer token from gRPC
// metadata and sets subject, role, session_id and session_created_at in context for protected RPCs.
// The caller is also installed as the audit actor ("role:subject") with its client IP.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. grpc.health.v1.Health/Check).
func AuthUnary(tokens BearerValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		ctx = WithIdentity(ctx, claims.Subject, claims.Role, claims.SessionID, claims.SessionCreatedAt)
		ctx = audit.WithActor(ctx, claims.Role+":"+claims.Subject, ClientIP(ctx))
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
