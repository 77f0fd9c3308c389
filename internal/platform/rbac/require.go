package rbac

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docgate/internal/server/interceptors"
)

// ClaimVerifier cross-checks a privileged caller's claimed session against its durable record.
// Implementations must tear the session down on mismatch and return a non-nil error.
type ClaimVerifier interface {
	VerifyClaim(ctx context.Context, id Identity) error
}

// FromContext builds the caller Identity from values set by the auth interceptor.
func FromContext(ctx context.Context) (Identity, bool) {
	subject, ok := interceptors.GetSubject(ctx)
	if !ok || subject == "" {
		return Identity{}, false
	}
	role, _ := interceptors.GetRole(ctx)
	sessionID, _ := interceptors.GetSessionID(ctx)
	var createdAt time.Time
	if unix, ok := interceptors.GetSessionCreatedAt(ctx); ok && unix > 0 {
		createdAt = time.Unix(unix, 0).UTC()
	}
	return Identity{Subject: subject, Role: Role(role), SessionID: sessionID, SessionCreatedAt: createdAt}, true
}

// RequireAdminSession ensures the caller is an admin or super_admin whose session passes the
// integrity cross-check. Returns a gRPC error (Unauthenticated or PermissionDenied) on failure.
func RequireAdminSession(ctx context.Context, verifier ClaimVerifier) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, status.Error(codes.Unauthenticated, "caller identity required")
	}
	if err := RequireAdmin(id); err != nil {
		return Identity{}, status.Error(codes.PermissionDenied, "admin or super_admin role required")
	}
	if id.SessionID == "" {
		return Identity{}, status.Error(codes.Unauthenticated, "privileged session required")
	}
	if verifier != nil {
		if err := verifier.VerifyClaim(ctx, id); err != nil {
			return Identity{}, status.Error(codes.Unauthenticated, "session failed integrity check; re-authenticate")
		}
	}
	return id, nil
}

// RequireService ensures the caller is a collaborating service.
func RequireService(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, status.Error(codes.Unauthenticated, "caller identity required")
	}
	if err := RequireRole(id, RoleService); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return Identity{}, status.Error(codes.Unauthenticated, "caller identity required")
		}
		return Identity{}, status.Error(codes.PermissionDenied, "service role required")
	}
	return id, nil
}
