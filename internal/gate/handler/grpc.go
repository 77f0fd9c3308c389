// Package handler serves docgate.v1.AccessService for the document server and the identity provider.
package handler

import (
	"context"
	"errors"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	docgatev1 "docgate/api/docgate/v1"
	"docgate/internal/audit"
	"docgate/internal/blocking"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/gate"
	"docgate/internal/platform/rbac"
	"docgate/internal/server/interceptors"
	"docgate/internal/session"
	sessiondomain "docgate/internal/session/domain"
)

// Pipeline runs request decisions. *gate.Gate implements it.
type Pipeline interface {
	AllowRequest(ctx context.Context, req gate.Request, now time.Time) gate.Decision
	AuthorizeFetch(ctx context.Context, req gate.Request, now time.Time) gate.Decision
}

// Sessions is the session lifecycle as driven by the identity provider. *session.Registry implements it.
type Sessions interface {
	CreateSession(ctx context.Context, a sessiondomain.Assertion, ip, device string) (*sessiondomain.Session, error)
	BeginFirstFactor(ctx context.Context, subjectHash string, role rbac.Role, ip, device string) (*sessiondomain.Session, error)
	CompleteSecondFactor(ctx context.Context, pendingID string, a sessiondomain.Assertion, ip, device string) (*sessiondomain.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// Failures records failed attempts reported by collaborators. *blocking.Tracker implements it.
type Failures interface {
	RecordFailure(ctx context.Context, ip, kind, subjectHash string, now time.Time) (blockdomain.Outcome, error)
}

// Server implements AccessService. Every RPC requires a service caller.
type Server struct {
	pipeline Pipeline
	sessions Sessions
	failures Failures
	now      func() time.Time
}

// NewServer returns a new Access gRPC server. If pipeline is nil, all RPCs return Unimplemented.
func NewServer(pipeline Pipeline, sessions Sessions, failures Failures) *Server {
	return &Server{pipeline: pipeline, sessions: sessions, failures: failures, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the server clock. For tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

type resourceRequest struct {
	SessionID  string `json:"session_id"`
	ResourceID string `json:"resource_id"`
	IP         string `json:"ip"`
	Device     string `json:"device"`
	Token      string `json:"token"`
}

type decisionReply struct {
	Allow     bool       `json:"allow"`
	Message   string     `json:"message,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type assertionRequest struct {
	SubjectHash string   `json:"subject_hash" validate:"required"`
	Role        string   `json:"role" validate:"required,oneof=user admin super_admin"`
	Factor1OK   bool     `json:"factor1_ok"`
	Factor2OK   bool     `json:"factor2_ok"`
	Completed   []string `json:"completed" validate:"dive,oneof=first second"`
	IP          string   `json:"ip" validate:"required"`
	Device      string   `json:"device"`
	PendingID   string   `json:"pending_id"`
}

func (r assertionRequest) assertion() sessiondomain.Assertion {
	completed := make([]sessiondomain.Factor, len(r.Completed))
	for i, f := range r.Completed {
		completed[i] = sessiondomain.Factor(f)
	}
	return sessiondomain.Assertion{
		SubjectHash: r.SubjectHash,
		Role:        rbac.Role(r.Role),
		Factor1OK:   r.Factor1OK,
		Factor2OK:   r.Factor2OK,
		Completed:   completed,
	}
}

type sessionReply struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSessionReply(ses *sessiondomain.Session) sessionReply {
	return sessionReply{
		SessionID: ses.ID,
		Role:      string(ses.Role),
		Stage:     string(ses.Stage),
		CreatedAt: ses.CreatedAt,
		ExpiresAt: ses.ExpiresAt,
	}
}

type failureRequest struct {
	IP          string `json:"ip" validate:"required"`
	Kind        string `json:"kind" validate:"required,oneof=login second_factor token session"`
	SubjectHash string `json:"subject_hash"`
}

type failureReply struct {
	Failures int  `json:"failures"`
	Blocked  bool `json:"blocked"`
}

type logoutRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	IP        string `json:"ip"`
}

func (s *Server) begin(ctx context.Context, in *structpb.Struct, dst any) (rbac.Identity, error) {
	if s.pipeline == nil {
		return rbac.Identity{}, status.Error(codes.Unimplemented, "access service not configured")
	}
	id, err := rbac.RequireService(ctx)
	if err != nil {
		return rbac.Identity{}, err
	}
	if err := docgatev1.Decode(in, dst); err != nil {
		return rbac.Identity{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}

// onBehalfOf records the end user's IP, not the collaborator's, on audit records written under ctx.
func onBehalfOf(ctx context.Context, caller rbac.Identity, ip string) context.Context {
	return audit.WithActor(ctx, caller.String(), ip)
}

// AllowRequest decides a document request and returns a capability token when allowed.
// Denials carry only the generic message; the reason is in the audit trail.
func (s *Server) AllowRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resourceRequest
	if _, err := s.begin(ctx, in, &req); err != nil {
		return nil, err
	}
	d := s.pipeline.AllowRequest(ctx, s.gateRequest(ctx, req), s.now())
	return encode(decision(d))
}

// AuthorizeFetch checks the capability token presented with a document fetch.
func (s *Server) AuthorizeFetch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resourceRequest
	if _, err := s.begin(ctx, in, &req); err != nil {
		return nil, err
	}
	d := s.pipeline.AuthorizeFetch(ctx, s.gateRequest(ctx, req), s.now())
	return encode(decision(d))
}

// CreateSession creates a session from a completed identity provider assertion.
func (s *Server) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req assertionRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	ses, err := s.sessions.CreateSession(onBehalfOf(ctx, caller, req.IP), req.assertion(), req.IP, req.Device)
	if err != nil {
		return nil, sessionError("create session", err)
	}
	return encode(toSessionReply(ses))
}

// BeginFirstFactor records a successful first factor and returns the pending session id.
func (s *Server) BeginFirstFactor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req assertionRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	ses, err := s.sessions.BeginFirstFactor(onBehalfOf(ctx, caller, req.IP), req.SubjectHash, rbac.Role(req.Role), req.IP, req.Device)
	if err != nil {
		return nil, sessionError("begin first factor", err)
	}
	return encode(toSessionReply(ses))
}

// CompleteSecondFactor promotes a pending session to a full session under a new id.
func (s *Server) CompleteSecondFactor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req assertionRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	if req.PendingID == "" {
		return nil, status.Error(codes.InvalidArgument, "pending_id required")
	}
	ses, err := s.sessions.CompleteSecondFactor(onBehalfOf(ctx, caller, req.IP), req.PendingID, req.assertion(), req.IP, req.Device)
	if err != nil {
		return nil, sessionError("complete second factor", err)
	}
	return encode(toSessionReply(ses))
}

// RecordFailure counts a failed attempt reported by a collaborator (e.g. a bad password at the
// identity provider) against the source IP.
func (s *Server) RecordFailure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req failureRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	out, err := s.failures.RecordFailure(onBehalfOf(ctx, caller, req.IP), req.IP, req.Kind, req.SubjectHash, s.now())
	if err != nil {
		if errors.Is(err, blocking.ErrInvalidIP) {
			return nil, status.Error(codes.InvalidArgument, "invalid ip")
		}
		log.Printf("access: record failure: %v", err)
		return nil, status.Error(codes.Unavailable, "failure store unavailable")
	}
	return encode(failureReply{Failures: out.Failures, Blocked: out.Blocked})
}

// Logout ends a session.
func (s *Server) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req logoutRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Logout(onBehalfOf(ctx, caller, req.IP), req.SessionID); err != nil {
		return nil, sessionError("logout", err)
	}
	return encode(struct{}{})
}

// gateRequest falls back to the transport client IP when the collaborator did not forward one.
func (s *Server) gateRequest(ctx context.Context, req resourceRequest) gate.Request {
	ip := req.IP
	if ip == "" {
		ip = interceptors.ClientIP(ctx)
	}
	return gate.Request{SessionID: req.SessionID, ResourceID: req.ResourceID, IP: ip, Device: req.Device, Token: req.Token}
}

func decision(d gate.Decision) decisionReply {
	r := decisionReply{Allow: d.Allow, Message: d.PublicMessage(), Token: d.Token}
	if d.Allow && !d.ExpiresAt.IsZero() {
		at := d.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func sessionError(op string, err error) error {
	switch {
	case errors.Is(err, session.ErrFactorSequence), errors.Is(err, session.ErrSubjectLocked):
		return status.Error(codes.PermissionDenied, gate.PublicDenial)
	case errors.Is(err, session.ErrCapacityExceeded):
		return status.Error(codes.ResourceExhausted, "session capacity exceeded")
	case errors.Is(err, session.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid session input")
	case errors.Is(err, session.ErrNotFound):
		return status.Error(codes.NotFound, "session not found")
	}
	log.Printf("access: %s: %v", op, err)
	return status.Error(codes.Unavailable, "session store unavailable")
}

func encode(v any) (*structpb.Struct, error) {
	out, err := docgatev1.Encode(v)
	if err != nil {
		log.Printf("access: encode reply: %v", err)
		return nil, status.Error(codes.Internal, "failed to encode reply")
	}
	return out, nil
}
