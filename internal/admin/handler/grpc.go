package handler

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	docgatev1 "docgate/api/docgate/v1"
	"docgate/internal/anomaly"
	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/blocking"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/gate"
	"docgate/internal/platform/rbac"
	"docgate/internal/session"
	sessiondomain "docgate/internal/session/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server implements AdminService (proto server) for block, audit, anomaly and session administration.
// Every RPC requires an admin or super_admin session that passes the integrity cross-check.
type Server struct {
	admin    *gate.Admin
	verifier rbac.ClaimVerifier
	now      func() time.Time
}

// NewServer returns a new Admin gRPC server. If admin is nil, all RPCs return Unimplemented.
func NewServer(admin *gate.Admin, verifier rbac.ClaimVerifier) *Server {
	return &Server{admin: admin, verifier: verifier, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the server clock. For tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

func (s *Server) begin(ctx context.Context, in *structpb.Struct, dst any) (rbac.Identity, error) {
	if s.admin == nil {
		return rbac.Identity{}, status.Error(codes.Unimplemented, "admin service not configured")
	}
	id, err := rbac.RequireAdminSession(ctx, s.verifier)
	if err != nil {
		return rbac.Identity{}, err
	}
	if dst != nil {
		if err := docgatev1.Decode(in, dst); err != nil {
			return rbac.Identity{}, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return id, nil
}

type blockReply struct {
	IP           string    `json:"ip"`
	BlockedUntil time.Time `json:"blocked_until"`
	Reason       string    `json:"reason"`
	IncidentID   string    `json:"incident_id"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListBlocks returns the IP blocks active now.
func (s *Server) ListBlocks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.begin(ctx, in, nil)
	if err != nil {
		return nil, err
	}
	blocks, err := s.admin.ListBlocks(ctx, caller, s.now())
	if err != nil {
		return nil, adminError("list blocks", err)
	}
	out := make([]blockReply, len(blocks))
	for i, b := range blocks {
		out[i] = blockReply{IP: b.IP, BlockedUntil: b.BlockedUntil, Reason: b.Reason, IncidentID: b.IncidentID, TriggeredBy: b.TriggeredBy, CreatedAt: b.CreatedAt}
	}
	return encode(map[string]any{"blocks": out})
}

type listIncidentsRequest struct {
	OpenOnly bool `json:"open_only"`
}

// ListIncidents returns incidents, newest first.
func (s *Server) ListIncidents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listIncidentsRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	incidents, err := s.admin.ListIncidents(ctx, caller, req.OpenOnly)
	if err != nil {
		return nil, adminError("list incidents", err)
	}
	return encode(map[string]any{"incidents": incidentReplies(incidents)})
}

type incidentReply struct {
	IncidentID  string     `json:"incident_id"`
	IP          string     `json:"ip"`
	CreatedAt   time.Time  `json:"created_at"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	Resolved    bool       `json:"resolved"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

func incidentReplies(list []*blockdomain.Incident) []incidentReply {
	out := make([]incidentReply, len(list))
	for i, inc := range list {
		out[i] = incidentReply{
			IncidentID:  inc.IncidentID,
			IP:          inc.IP,
			CreatedAt:   inc.CreatedAt,
			TriggeredBy: inc.TriggeredBy,
			Resolved:    inc.Resolved,
			ResolvedBy:  inc.ResolvedBy,
			ResolvedAt:  inc.ResolvedAt,
			Notes:       inc.Notes,
		}
	}
	return out
}

type resolveIncidentRequest struct {
	IncidentID string `json:"incident_id" validate:"required"`
	Notes      string `json:"notes" validate:"max=2000"`
}

// ResolveIncident lifts the block behind an incident. The caller may not resolve a block it triggered.
func (s *Server) ResolveIncident(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resolveIncidentRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	if err := s.admin.ResolveIncident(ctx, caller, req.IncidentID, req.Notes, s.now()); err != nil {
		return nil, adminError("resolve incident", err)
	}
	return encode(map[string]any{"incident_id": req.IncidentID, "resolved": true})
}

type listAuditRequest struct {
	Actor      string    `json:"actor"`
	ActionType string    `json:"action_type"`
	MinRisk    string    `json:"min_risk" validate:"omitempty,oneof=low medium high critical"`
	Since      time.Time `json:"since"`
	Until      time.Time `json:"until"`
	PageSize   int       `json:"page_size" validate:"min=0"`
	PageToken  string    `json:"page_token"`
}

type auditRecordReply struct {
	ID          string            `json:"id"`
	Actor       string            `json:"actor"`
	ActionType  string            `json:"action_type"`
	ResourceRef string            `json:"resource_ref"`
	BeforeState auditdomain.State `json:"before_state,omitempty"`
	AfterState  auditdomain.State `json:"after_state,omitempty"`
	RiskLevel   string            `json:"risk_level"`
	IP          string            `json:"ip,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Checksum    string            `json:"checksum"`
	CorrectsID  string            `json:"corrects_id,omitempty"`
}

// ListAuditRecords returns a page of audit records matching the filter. The read is itself audited.
func (s *Server) ListAuditRecords(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listAuditRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := 0
	if req.PageToken != "" {
		if n, err := strconv.Atoi(req.PageToken); err == nil && n >= 0 {
			offset = n
		}
	}
	recs, err := s.admin.ListAuditRecords(ctx, caller, auditdomain.Filter{
		Actor:      req.Actor,
		ActionType: req.ActionType,
		MinRisk:    auditdomain.RiskLevel(req.MinRisk),
		Since:      req.Since,
		Until:      req.Until,
		Limit:      pageSize,
		Offset:     offset,
	})
	if err != nil {
		return nil, adminError("list audit records", err)
	}
	out := make([]auditRecordReply, len(recs))
	for i, r := range recs {
		out[i] = auditRecordReply{
			ID:          r.ID,
			Actor:       r.Actor,
			ActionType:  r.ActionType,
			ResourceRef: r.ResourceRef,
			BeforeState: r.BeforeState,
			AfterState:  r.AfterState,
			RiskLevel:   string(r.RiskLevel),
			IP:          r.IP,
			Notes:       r.Notes,
			OccurredAt:  r.OccurredAt,
			Checksum:    r.Checksum,
			CorrectsID:  r.CorrectsID,
		}
	}
	nextToken := ""
	if len(recs) == pageSize {
		nextToken = strconv.Itoa(offset + pageSize)
	}
	return encode(map[string]any{"records": out, "next_page_token": nextToken})
}

type verifyRequest struct {
	ID      string `json:"id"`
	AfterID string `json:"after_id"`
	Limit   int    `json:"limit" validate:"min=0,max=10000"`
}

// VerifyIntegrity recomputes checksums: one record when id is set, otherwise a batch after after_id.
func (s *Server) VerifyIntegrity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req verifyRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	if req.ID != "" {
		v, err := s.admin.VerifyRecord(ctx, caller, req.ID)
		if err != nil {
			return nil, adminError("verify record", err)
		}
		return encode(map[string]any{
			"id":                v.ID,
			"valid":             v.Valid,
			"expected_checksum": v.ExpectedChecksum,
			"actual_checksum":   v.ActualChecksum,
		})
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	res, err := s.admin.VerifyBatch(ctx, caller, req.AfterID, limit)
	if err != nil {
		return nil, adminError("verify batch", err)
	}
	return encode(map[string]any{
		"checked":     res.Checked,
		"valid":       res.Valid,
		"invalid":     res.Invalid,
		"invalid_ids": res.InvalidIDs,
		"last_id":     res.LastID,
	})
}

type scoreRequest struct {
	Subject       string `json:"subject" validate:"required"`
	WindowMinutes int    `json:"window_minutes" validate:"min=0,max=10080"`
}

// GetAnomalyScore scores a subject ("role:subjectHash") over the requested window.
func (s *Server) GetAnomalyScore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req scoreRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	res, err := s.admin.GetAnomalyScore(ctx, caller, req.Subject, req.WindowMinutes, s.now())
	if err != nil {
		return nil, adminError("anomaly score", err)
	}
	return encode(res)
}

type invalidateRequest struct {
	Scope       string `json:"scope" validate:"required,oneof=all role subject session"`
	Role        string `json:"role" validate:"omitempty,oneof=user admin super_admin"`
	SubjectHash string `json:"subject_hash" validate:"required_if=Scope subject"`
	SessionID   string `json:"session_id" validate:"required_if=Scope session"`
}

// InvalidateSessions tears down every session in scope. Scope all is reserved to super_admin.
func (s *Server) InvalidateSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req invalidateRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	n, err := s.admin.InvalidateSessions(ctx, caller, sessiondomain.Scope{
		Kind:        sessiondomain.ScopeKind(req.Scope),
		Role:        rbac.Role(req.Role),
		SubjectHash: req.SubjectHash,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, adminError("invalidate sessions", err)
	}
	return encode(map[string]any{"invalidated": n})
}

type countRequest struct {
	Role        string `json:"role" validate:"omitempty,oneof=user admin super_admin"`
	SubjectHash string `json:"subject_hash"`
}

// CountActiveSessions counts live sessions, optionally narrowed to a role and subject.
func (s *Server) CountActiveSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req countRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	n, err := s.admin.CountActiveSessions(ctx, caller, rbac.Role(req.Role), req.SubjectHash)
	if err != nil {
		return nil, adminError("count sessions", err)
	}
	return encode(map[string]any{"count": n})
}

type unlockRequest struct {
	SubjectHash string `json:"subject_hash" validate:"required"`
}

// UnlockSubject releases a subject lock set by churn detection or anomaly response.
func (s *Server) UnlockSubject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req unlockRequest
	caller, err := s.begin(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	if err := s.admin.UnlockSubject(ctx, caller, req.SubjectHash); err != nil {
		return nil, adminError("unlock subject", err)
	}
	return encode(map[string]any{"subject_hash": req.SubjectHash, "unlocked": true})
}

func adminError(op string, err error) error {
	switch {
	case errors.Is(err, rbac.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "caller identity required")
	case errors.Is(err, rbac.ErrForbidden), errors.Is(err, blocking.ErrNotAuthorized):
		return status.Error(codes.PermissionDenied, "caller role not permitted")
	case errors.Is(err, blocking.ErrSelfResolution):
		return status.Error(codes.PermissionDenied, "cannot resolve an incident you triggered")
	case errors.Is(err, blocking.ErrIncidentNotFound):
		return status.Error(codes.NotFound, "incident not found")
	case errors.Is(err, blocking.ErrIncidentResolved):
		return status.Error(codes.FailedPrecondition, "incident already resolved")
	case errors.Is(err, audit.ErrNotFound):
		return status.Error(codes.NotFound, "audit record not found")
	case errors.Is(err, anomaly.ErrUnscorable):
		return status.Error(codes.InvalidArgument, "subject is not scorable")
	case errors.Is(err, session.ErrNotLocked):
		return status.Error(codes.FailedPrecondition, "subject not locked")
	case errors.Is(err, session.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid session scope")
	case errors.Is(err, audit.ErrNotRecorded):
		log.Printf("admin: %s: %v", op, err)
		return status.Error(codes.Unavailable, "audit ledger unavailable")
	}
	log.Printf("admin: %s: %v", op, err)
	return status.Error(codes.Unavailable, "store unavailable")
}

func encode(v any) (*structpb.Struct, error) {
	out, err := docgatev1.Encode(v)
	if err != nil {
		log.Printf("admin: encode reply: %v", err)
		return nil, status.Error(codes.Internal, "failed to encode reply")
	}
	return out, nil
}
