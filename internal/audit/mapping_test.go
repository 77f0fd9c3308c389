package audit

import "testing"

func TestParseFullMethod(t *testing.T) {
	tests := []struct {
		fullMethod string
		action     string
		resource   string
	}{
		{"/docgate.v1.AdminService/ResolveIncident", "resolve_incident", "admin"},
		{"/docgate.v1.AdminService/ListBlocks", "list", "admin"},
		{"/docgate.v1.AdminService/GetAnomalyScore", "get", "admin"},
		{"/docgate.v1.AdminService/CountActiveSessions", "count", "admin"},
		{"/docgate.v1.AccessService/AllowRequest", "allow_request", "access"},
		{"/docgate.v1.AccessService/Logout", "logout", "access"},
		{"/grpc.health.v1.Health/Check", "check", "health"},
		{"NoSlash", "unknown", "unknown"},
		{"/Service/", "unknown", "unknown"},
		{"/docgate.v1.Service/Get", "get", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.fullMethod, func(t *testing.T) {
			ar := ParseFullMethod(tt.fullMethod)
			if ar.Action != tt.action {
				t.Errorf("action = %q, want %q", ar.Action, tt.action)
			}
			if ar.Resource != tt.resource {
				t.Errorf("resource = %q, want %q", ar.Resource, tt.resource)
			}
		})
	}
}
