package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"docgate/internal/audit"
	"docgate/internal/blocking"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/gate"
	"docgate/internal/platform/rbac"
	"docgate/internal/server/interceptors"
	"docgate/internal/session"
	sessiondomain "docgate/internal/session/domain"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fakePipeline struct {
	mu       sync.Mutex
	decision gate.Decision
	last     gate.Request
}

func (f *fakePipeline) AllowRequest(_ context.Context, req gate.Request, _ time.Time) gate.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return f.decision
}

func (f *fakePipeline) AuthorizeFetch(_ context.Context, req gate.Request, _ time.Time) gate.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return f.decision
}

type fakeSessions struct {
	mu        sync.Mutex
	err       error
	assertion sessiondomain.Assertion
	actorIP   string
}

func (f *fakeSessions) record(ctx context.Context, a sessiondomain.Assertion) (*sessiondomain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assertion = a
	_, f.actorIP = audit.ActorFromContext(ctx, "")
	if f.err != nil {
		return nil, f.err
	}
	return &sessiondomain.Session{ID: "sess-1", Role: a.Role, Stage: sessiondomain.StageActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

func (f *fakeSessions) CreateSession(ctx context.Context, a sessiondomain.Assertion, _, _ string) (*sessiondomain.Session, error) {
	return f.record(ctx, a)
}

func (f *fakeSessions) BeginFirstFactor(ctx context.Context, subjectHash string, role rbac.Role, _, _ string) (*sessiondomain.Session, error) {
	return f.record(ctx, sessiondomain.Assertion{SubjectHash: subjectHash, Role: role})
}

func (f *fakeSessions) CompleteSecondFactor(ctx context.Context, _ string, a sessiondomain.Assertion, _, _ string) (*sessiondomain.Session, error) {
	return f.record(ctx, a)
}

func (f *fakeSessions) Logout(ctx context.Context, _ string) error {
	_, err := f.record(ctx, sessiondomain.Assertion{})
	return err
}

type fakeFailures struct {
	out blockdomain.Outcome
	err error
}

func (f *fakeFailures) RecordFailure(context.Context, string, string, string, time.Time) (blockdomain.Outcome, error) {
	return f.out, f.err
}

func serviceCtx() context.Context {
	return interceptors.WithIdentity(context.Background(), "docserver", "service", "", 0)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func newTestServer() (*Server, *fakePipeline, *fakeSessions, *fakeFailures) {
	p := &fakePipeline{}
	s := &fakeSessions{}
	f := &fakeFailures{}
	return NewServer(p, s, f).WithClock(func() time.Time { return now }), p, s, f
}

func TestNewServer_NilPipeline(t *testing.T) {
	srv := NewServer(nil, nil, nil)
	_, err := srv.AllowRequest(serviceCtx(), &structpb.Struct{})
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", status.Code(err))
	}
}

func TestRequiresService(t *testing.T) {
	srv, _, _, _ := newTestServer()
	tests := []struct {
		name string
		ctx  context.Context
		want codes.Code
	}{
		{"anonymous", context.Background(), codes.Unauthenticated},
		{"user", interceptors.WithIdentity(context.Background(), "alice", "user", "s-1", 0), codes.PermissionDenied},
		{"admin", interceptors.WithIdentity(context.Background(), "ops", "admin", "s-2", 0), codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.AllowRequest(tt.ctx, &structpb.Struct{})
			if status.Code(err) != tt.want {
				t.Errorf("code = %v, want %v", status.Code(err), tt.want)
			}
		})
	}
}

func TestAllowRequest_Reply(t *testing.T) {
	srv, p, _, _ := newTestServer()
	in := mustStruct(t, map[string]any{"session_id": "s-1", "resource_id": "doc-1", "ip": "198.51.100.7", "device": "d"})

	p.decision = gate.Decision{Allow: true, Token: "tok", ExpiresAt: now.Add(time.Hour)}
	out, err := srv.AllowRequest(serviceCtx(), in)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if !out.Fields["allow"].GetBoolValue() || out.Fields["token"].GetStringValue() != "tok" {
		t.Errorf("reply = %v", out)
	}
	if out.Fields["expires_at"].GetStringValue() == "" {
		t.Error("expires_at missing on allow")
	}
	if p.last.SessionID != "s-1" || p.last.ResourceID != "doc-1" || p.last.IP != "198.51.100.7" {
		t.Errorf("request = %+v", p.last)
	}

	p.decision = gate.Decision{Reason: "NOT_FOUND", Class: gate.ClassDenied, IncidentID: "INC-1"}
	out, err = srv.AllowRequest(serviceCtx(), in)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if out.Fields["allow"].GetBoolValue() || out.Fields["message"].GetStringValue() != gate.PublicDenial {
		t.Errorf("deny reply = %v", out)
	}
	for _, k := range []string{"reason", "class", "incident_id", "token", "expires_at"} {
		if _, ok := out.Fields[k]; ok {
			t.Errorf("deny reply exposes %q", k)
		}
	}
}

func TestAuthorizeFetch_PassesToken(t *testing.T) {
	srv, p, _, _ := newTestServer()
	p.decision = gate.Decision{Allow: true}
	_, err := srv.AuthorizeFetch(serviceCtx(), mustStruct(t, map[string]any{
		"session_id": "s-1", "resource_id": "doc-1", "ip": "198.51.100.7", "token": "raw",
	}))
	if err != nil {
		t.Fatalf("AuthorizeFetch: %v", err)
	}
	if p.last.Token != "raw" {
		t.Errorf("token = %q, want raw", p.last.Token)
	}
}

func TestCreateSession(t *testing.T) {
	srv, _, sessions, _ := newTestServer()
	out, err := srv.CreateSession(serviceCtx(), mustStruct(t, map[string]any{
		"subject_hash": "alice", "role": "user", "factor1_ok": true, "factor2_ok": true,
		"completed": []any{"first", "second"}, "ip": "198.51.100.7",
	}))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if out.Fields["session_id"].GetStringValue() != "sess-1" || out.Fields["role"].GetStringValue() != "user" {
		t.Errorf("reply = %v", out)
	}
	if !sessions.assertion.InOrder() {
		t.Errorf("assertion = %+v, want in order", sessions.assertion)
	}
	if sessions.actorIP != "198.51.100.7" {
		t.Errorf("audit ip = %q, want the end user's", sessions.actorIP)
	}
}

func TestCreateSession_InvalidInput(t *testing.T) {
	srv, _, _, _ := newTestServer()
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"missing subject", map[string]any{"role": "user", "ip": "198.51.100.7"}},
		{"unknown role", map[string]any{"subject_hash": "a", "role": "root", "ip": "198.51.100.7"}},
		{"service role", map[string]any{"subject_hash": "a", "role": "service", "ip": "198.51.100.7"}},
		{"unknown factor", map[string]any{"subject_hash": "a", "role": "user", "ip": "198.51.100.7", "completed": []any{"third"}}},
		{"missing ip", map[string]any{"subject_hash": "a", "role": "user"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.CreateSession(serviceCtx(), mustStruct(t, tt.in))
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument", status.Code(err))
			}
		})
	}
}

func TestSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{session.ErrFactorSequence, codes.PermissionDenied},
		{session.ErrSubjectLocked, codes.PermissionDenied},
		{session.ErrCapacityExceeded, codes.ResourceExhausted},
		{session.ErrInvalidInput, codes.InvalidArgument},
		{session.ErrNotFound, codes.NotFound},
		{errors.New("connection reset"), codes.Unavailable},
	}
	for _, tt := range tests {
		srv, _, sessions, _ := newTestServer()
		sessions.err = tt.err
		_, err := srv.CompleteSecondFactor(serviceCtx(), mustStruct(t, map[string]any{
			"pending_id": "p-1", "subject_hash": "a", "role": "admin", "ip": "198.51.100.7",
		}))
		if status.Code(err) != tt.want {
			t.Errorf("%v: code = %v, want %v", tt.err, status.Code(err), tt.want)
		}
	}
}

func TestCompleteSecondFactor_RequiresPendingID(t *testing.T) {
	srv, _, _, _ := newTestServer()
	_, err := srv.CompleteSecondFactor(serviceCtx(), mustStruct(t, map[string]any{
		"subject_hash": "a", "role": "admin", "ip": "198.51.100.7",
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestRecordFailure(t *testing.T) {
	srv, _, _, failures := newTestServer()
	in := mustStruct(t, map[string]any{"ip": "198.51.100.7", "kind": "login"})

	failures.out = blockdomain.Outcome{Failures: 5, Blocked: true}
	out, err := srv.RecordFailure(serviceCtx(), in)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if out.Fields["failures"].GetNumberValue() != 5 || !out.Fields["blocked"].GetBoolValue() {
		t.Errorf("reply = %v", out)
	}

	failures.err = blocking.ErrInvalidIP
	if _, err := srv.RecordFailure(serviceCtx(), in); status.Code(err) != codes.InvalidArgument {
		t.Errorf("invalid ip: code = %v", status.Code(err))
	}
	failures.err = errors.New("timeout")
	if _, err := srv.RecordFailure(serviceCtx(), in); status.Code(err) != codes.Unavailable {
		t.Errorf("store error: code = %v", status.Code(err))
	}
}

func TestLogout(t *testing.T) {
	srv, _, sessions, _ := newTestServer()
	if _, err := srv.Logout(serviceCtx(), mustStruct(t, map[string]any{})); status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing session_id: code = %v", status.Code(err))
	}
	if _, err := srv.Logout(serviceCtx(), mustStruct(t, map[string]any{"session_id": "s-1"})); err != nil {
		t.Errorf("Logout: %v", err)
	}
	sessions.err = session.ErrNotFound
	if _, err := srv.Logout(serviceCtx(), mustStruct(t, map[string]any{"session_id": "s-1"})); status.Code(err) != codes.NotFound {
		t.Errorf("unknown session: code = %v", status.Code(err))
	}
}
