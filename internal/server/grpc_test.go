package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	docgatev1 "docgate/api/docgate/v1"
	adminhandler "docgate/internal/admin/handler"
	"docgate/internal/anomaly"
	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/blocking"
	"docgate/internal/gate"
	gatehandler "docgate/internal/gate/handler"
	healthhandler "docgate/internal/health/handler"
	"docgate/internal/notify"
	"docgate/internal/security"
	"docgate/internal/session"
	"docgate/internal/store/memory"
	"docgate/internal/token"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
		want []string
	}{
		{"without health", Deps{}, []string{docgatev1.AccessServiceName, docgatev1.AdminServiceName}},
		{"with health", Deps{Health: healthhandler.NewServer(nil, nil)}, []string{docgatev1.AccessServiceName, docgatev1.AdminServiceName, "grpc.health.v1.Health"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &mockServiceRegistrar{}
			RegisterServices(reg, tt.deps)
			if len(reg.services) != len(tt.want) {
				t.Fatalf("registered %v, want %v", reg.services, tt.want)
			}
			for i := range tt.want {
				if reg.services[i] != tt.want[i] {
					t.Errorf("service[%d] = %q, want %q", i, reg.services[i], tt.want[i])
				}
			}
		})
	}
}

type captureEvents struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureEvents) Broadcast(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEvents) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	conn   *grpc.ClientConn
	tokens *security.TokenProvider
	ledger *audit.Ledger
	events *captureEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	tp, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	st := memory.New()
	ledger := audit.NewLedger(st.Audit(), key, time.Second)
	events := &captureEvents{}
	tokens := token.NewService(key, st.Grants(), token.NewStaticCatalog([]string{"doc-1"}), ledger,
		token.Settings{DefaultTTL: time.Hour, StoreTimeout: time.Second})
	reg := session.NewRegistry(st.Sessions(), st, tokens, ledger, events, session.Settings{
		UserTTL:          72 * time.Hour,
		AdminTTL:         12 * time.Hour,
		PendingTTL:       10 * time.Minute,
		AdminCap:         10,
		AdminCapMode:     session.CapModeRotate,
		UserCeiling:      100,
		ClockSkew:        5 * time.Minute,
		ReverifyInterval: 15 * time.Minute,
		ChurnWindow:      10 * time.Minute,
		ChurnThreshold:   5,
		StoreTimeout:     time.Second,
	})
	tracker := blocking.NewTracker(st.Blocking(), st, ledger, events, blocking.Settings{
		Window: 10 * time.Minute, Threshold: 5, BlockDuration: 30 * time.Minute, StoreTimeout: time.Second,
	})
	scorer := anomaly.NewScorer(ledger, reg, reg, nil, ledger, events, anomaly.Settings{
		Window:         time.Hour,
		AlertThreshold: 60,
		LockThreshold:  85,
		BusinessHours:  anomaly.BusinessHours{Start: 0, End: 24, Location: time.UTC},
	})
	pipeline := gate.New(tracker, reg, tokens, ledger, nil, gate.Settings{})
	admin := gate.NewAdmin(tracker, reg, ledger, scorer, ledger, events)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(Interceptors(tp, ledger, events)...))
	health := healthhandler.NewServer(nil, nil, docgatev1.AccessServiceName)
	health.Check(context.Background())
	RegisterServices(s, Deps{
		Access: gatehandler.NewServer(pipeline, reg, tracker),
		Admin:  adminhandler.NewServer(admin, reg),
		Health: health,
	})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{conn: conn, tokens: tp, ledger: ledger, events: events}
}

func (h *harness) bearer(t *testing.T, subject, role, sessionID string, createdAt time.Time) context.Context {
	t.Helper()
	tok, _, err := h.tokens.Issue(subject, role, sessionID, createdAt, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func (h *harness) call(ctx context.Context, t *testing.T, service, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return docgatev1.Invoke(ctx, h.conn, service, method, req)
}

func (h *harness) mustCall(ctx context.Context, t *testing.T, service, method string, in map[string]any) *structpb.Struct {
	t.Helper()
	out, err := h.call(ctx, t, service, method, in)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}

func createSession(ctx context.Context, t *testing.T, h *harness, subject, role string) (string, time.Time) {
	t.Helper()
	out := h.mustCall(ctx, t, docgatev1.AccessServiceName, "CreateSession", map[string]any{
		"subject_hash": subject,
		"role":         role,
		"factor1_ok":   true,
		"factor2_ok":   true,
		"completed":    []any{"first", "second"},
		"ip":           "198.51.100.7",
		"device":       "device-1",
	})
	created, err := time.Parse(time.RFC3339Nano, out.Fields["created_at"].GetStringValue())
	if err != nil {
		t.Fatalf("created_at: %v", err)
	}
	return out.Fields["session_id"].GetStringValue(), created
}

func TestServer_EndToEnd(t *testing.T) {
	h := newHarness(t)
	svc := h.bearer(t, "docserver", "service", "", time.Time{})

	userSession, _ := createSession(svc, t, h, "alice-hash", "user")
	if userSession == "" {
		t.Fatal("CreateSession returned no session_id")
	}

	allowed := h.mustCall(svc, t, docgatev1.AccessServiceName, "AllowRequest", map[string]any{
		"session_id": userSession, "resource_id": "doc-1", "ip": "198.51.100.7", "device": "device-1",
	})
	if !allowed.Fields["allow"].GetBoolValue() || allowed.Fields["token"].GetStringValue() == "" {
		t.Fatalf("AllowRequest = %v, want allow with token", allowed)
	}

	fetched := h.mustCall(svc, t, docgatev1.AccessServiceName, "AuthorizeFetch", map[string]any{
		"session_id": userSession, "resource_id": "doc-1", "ip": "198.51.100.7", "device": "device-1",
		"token": allowed.Fields["token"].GetStringValue(),
	})
	if !fetched.Fields["allow"].GetBoolValue() {
		t.Fatalf("AuthorizeFetch = %v, want allow", fetched)
	}

	denied := h.mustCall(svc, t, docgatev1.AccessServiceName, "AllowRequest", map[string]any{
		"session_id": "no-such-session", "resource_id": "doc-1", "ip": "198.51.100.8",
	})
	if denied.Fields["allow"].GetBoolValue() || denied.Fields["message"].GetStringValue() != "access denied" {
		t.Errorf("AllowRequest(unknown session) = %v", denied)
	}
	if _, ok := denied.Fields["reason"]; ok {
		t.Error("denials must not expose the reason to collaborators")
	}

	adminSession, created := createSession(svc, t, h, "ops-hash", "admin")
	admin := h.bearer(t, "ops-hash", "admin", adminSession, created)

	recs := h.mustCall(admin, t, docgatev1.AdminServiceName, "ListAuditRecords", map[string]any{"action_type": "access.deny"})
	if n := len(recs.Fields["records"].GetListValue().GetValues()); n != 1 {
		t.Errorf("access.deny records = %d, want 1", n)
	}

	count := h.mustCall(admin, t, docgatev1.AdminServiceName, "CountActiveSessions", map[string]any{"role": "user"})
	if got := count.Fields["count"].GetNumberValue(); got != 1 {
		t.Errorf("active user sessions = %v, want 1", got)
	}

	verify := h.mustCall(admin, t, docgatev1.AdminServiceName, "VerifyIntegrity", map[string]any{})
	if verify.Fields["invalid"].GetNumberValue() != 0 || verify.Fields["checked"].GetNumberValue() == 0 {
		t.Errorf("VerifyIntegrity = %v", verify)
	}

	h.mustCall(svc, t, docgatev1.AccessServiceName, "Logout", map[string]any{"session_id": userSession})
	after := h.mustCall(svc, t, docgatev1.AccessServiceName, "AllowRequest", map[string]any{
		"session_id": userSession, "resource_id": "doc-1", "ip": "198.51.100.7", "device": "device-1",
	})
	if after.Fields["allow"].GetBoolValue() {
		t.Error("AllowRequest after logout must deny")
	}
}

func TestServer_AuthorizationErrors(t *testing.T) {
	h := newHarness(t)
	svc := h.bearer(t, "docserver", "service", "", time.Time{})
	adminSession, created := createSession(svc, t, h, "ops-hash", "admin")

	tests := []struct {
		name    string
		ctx     context.Context
		service string
		method  string
		in      map[string]any
		want    codes.Code
	}{
		{"no bearer", context.Background(), docgatev1.AccessServiceName, "AllowRequest", map[string]any{}, codes.Unauthenticated},
		{"user on access", h.bearer(t, "alice-hash", "user", "s-1", time.Time{}), docgatev1.AccessServiceName, "AllowRequest", map[string]any{}, codes.PermissionDenied},
		{"service on admin", svc, docgatev1.AdminServiceName, "ListBlocks", map[string]any{}, codes.PermissionDenied},
		{"admin claim mismatch", h.bearer(t, "ops-hash", "super_admin", adminSession, created), docgatev1.AdminServiceName, "ListBlocks", map[string]any{}, codes.Unauthenticated},
		{"invalid failure kind", svc, docgatev1.AccessServiceName, "RecordFailure", map[string]any{"ip": "198.51.100.9", "kind": "bogus"}, codes.InvalidArgument},
		{"bad factor order", svc, docgatev1.AccessServiceName, "CreateSession", map[string]any{
			"subject_hash": "bob-hash", "role": "user", "factor1_ok": true, "factor2_ok": true,
			"completed": []any{"second", "first"}, "ip": "198.51.100.7",
		}, codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.call(tt.ctx, t, tt.service, tt.method, tt.in)
			if status.Code(err) != tt.want {
				t.Errorf("code = %v (%v), want %v", status.Code(err), err, tt.want)
			}
		})
	}

	if h.events.count(notify.EventAdminRejected) < 2 {
		t.Errorf("admin_rpc_rejected events = %d, want >= 2", h.events.count(notify.EventAdminRejected))
	}
	recs, err := h.ledger.List(context.Background(), auditdomain.Filter{ActionType: audit.ActionRPCDenied})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) < 3 {
		t.Errorf("rpc.denied records = %d, want >= 3", len(recs))
	}
}

func TestServer_HealthIsPublic(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: docgatev1.AccessServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}
