package server

import (
	"google.golang.org/grpc"

	docgatev1 "docgate/api/docgate/v1"
	adminhandler "docgate/internal/admin/handler"
	"docgate/internal/audit"
	gatehandler "docgate/internal/gate/handler"
	healthhandler "docgate/internal/health/handler"
	"docgate/internal/notify"
	"docgate/internal/server/interceptors"
)

// HealthCheckMethod is the standard health probe; it never requires a bearer token.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// Deps holds the handlers and collaborators the gRPC server is built from.
type Deps struct {
	// Access serves AccessService. If nil, access RPCs return Unimplemented.
	Access *gatehandler.Server
	// Admin serves AdminService. If nil, admin RPCs return Unimplemented.
	Admin *adminhandler.Server
	// Health publishes readiness. If nil, the health service is not registered.
	Health *healthhandler.Server
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - docgate.v1.AccessService → internal/gate/handler
//   - docgate.v1.AdminService  → internal/admin/handler
//   - grpc.health.v1.Health    → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	access := deps.Access
	if access == nil {
		access = gatehandler.NewServer(nil, nil, nil)
	}
	docgatev1.RegisterAccessServiceServer(s, access)
	admin := deps.Admin
	if admin == nil {
		admin = adminhandler.NewServer(nil, nil)
	}
	docgatev1.RegisterAdminServiceServer(s, admin)
	if deps.Health != nil {
		deps.Health.Register(s)
	}
}

// Interceptors returns the unary chain in order: auth, audit of refused calls, then
// publication of refused admin calls.
func Interceptors(tokens interceptors.BearerValidator, ledger audit.Appender, events notify.Broadcaster) []grpc.UnaryServerInterceptor {
	public := map[string]bool{HealthCheckMethod: true}
	return []grpc.UnaryServerInterceptor{
		interceptors.AuthUnary(tokens, public),
		interceptors.AuditUnary(audit.NewLogger(ledger, interceptors.ClientIP), public),
		interceptors.TelemetryUnary(events, "/"+docgatev1.AdminServiceName+"/"),
	}
}
