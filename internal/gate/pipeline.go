// Package gate is the per-request access pipeline the document server calls, and the admin
// facade over the core components. Every decision is a value carrying a reason and a class;
// only store failures surface as denials with ClassStoreUnavailable.
package gate

import (
	"context"
	"errors"
	"log"
	"time"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/blocking"
	blockdomain "docgate/internal/blocking/domain"
	sessiondomain "docgate/internal/session/domain"
	"docgate/internal/token"
	tokendomain "docgate/internal/token/domain"
)

// Operation names used in audit notes and metrics.
const (
	OpAllowRequest   = "allow_request"
	OpAuthorizeFetch = "authorize_fetch"
)

// PublicDenial is the only text shown to end users for a denial.
const PublicDenial = "access denied"

// Blocker is the failure tracker as seen by the pipeline. blocking.Tracker implements it.
type Blocker interface {
	IsBlocked(ctx context.Context, ip string, now time.Time) (bool, *blockdomain.IPBlock, error)
	RecordFailure(ctx context.Context, ip, kind, subjectHash string, now time.Time) (blockdomain.Outcome, error)
}

// SessionVerifier checks a presented session. session.Registry implements it.
type SessionVerifier interface {
	Verify(ctx context.Context, sessionID, ip, device string, now time.Time) sessiondomain.Decision
}

// Tokens issues and verifies capability tokens. token.Service implements it.
type Tokens interface {
	Issue(ctx context.Context, resourceID, sessionID string, ttl time.Duration) (*tokendomain.Token, error)
	Verify(ctx context.Context, raw, sessionID, resourceID string, now time.Time) tokendomain.Result
}

// Recorder receives one observation per decision. telemetry/otel.DecisionMetrics implements it.
type Recorder interface {
	RecordDecision(ctx context.Context, op string, allow bool, reason, class string, elapsed time.Duration)
}

// Request is one document request as seen by the document server.
type Request struct {
	SessionID  string
	ResourceID string
	IP         string
	Device     string
	// Token is the capability token presented on fetch; unused by AllowRequest.
	Token string
}

// Decision is the pipeline outcome. Reason is the full reason code for administrators;
// end users only ever see PublicDenial.
type Decision struct {
	Allow     bool
	Reason    string
	Class     Class
	Token     string
	ExpiresAt time.Time
	// IncidentID is set when the request was refused because the IP is blocked.
	IncidentID  string
	SubjectHash string
}

// PublicMessage is the message safe to show the end user.
func (d Decision) PublicMessage() string {
	if d.Allow {
		return ""
	}
	return PublicDenial
}

// Settings is the immutable pipeline configuration.
type Settings struct {
	// TokenTTL is the lifetime of tokens issued by AllowRequest; zero uses the token default.
	TokenTTL time.Duration
}

// Gate runs the request pipeline: IP block check, session verification, then token issue
// or verification. Denials are audited by class and counted against the IP where they
// indicate probing.
type Gate struct {
	blocker  Blocker
	sessions SessionVerifier
	tokens   Tokens
	ledger   audit.Appender
	metrics  Recorder
	cfg      Settings
}

// New returns a Gate. metrics may be nil.
func New(blocker Blocker, sessions SessionVerifier, tokens Tokens, ledger audit.Appender, metrics Recorder, cfg Settings) *Gate {
	return &Gate{blocker: blocker, sessions: sessions, tokens: tokens, ledger: ledger, metrics: metrics, cfg: cfg}
}

// AllowRequest decides whether the session may open the resource and, if so, issues a
// capability token for it.
func (g *Gate) AllowRequest(ctx context.Context, req Request, now time.Time) Decision {
	start := time.Now()
	d := g.allowRequest(ctx, req, now)
	g.observe(ctx, OpAllowRequest, d, time.Since(start))
	return d
}

func (g *Gate) allowRequest(ctx context.Context, req Request, now time.Time) Decision {
	ip, s, d, ok := g.admit(ctx, OpAllowRequest, req, now)
	if !ok {
		return d
	}
	ctx = audit.WithActor(ctx, actorOf(s), ip)
	t, err := g.tokens.Issue(ctx, req.ResourceID, s.ID, g.cfg.TokenTTL)
	switch {
	case errors.Is(err, token.ErrUnknownResource):
		return g.deny(ctx, OpAllowRequest, req, ip, s, ReasonUnknownResource, ClassDenied, now)
	case errors.Is(err, token.ErrInvalidInput):
		return g.deny(ctx, OpAllowRequest, req, ip, s, ReasonInvalidInput, ClassInputInvalid, now)
	case err != nil:
		log.Printf("gate: issue token for session %s: %v", s.ID, err)
		return g.deny(ctx, OpAllowRequest, req, ip, s, string(tokendomain.ReasonStoreUnavailable), ClassStoreUnavailable, now)
	}
	if _, err := g.ledger.Append(ctx, auditdomain.Record{
		Actor:       actorOf(s),
		ActionType:  audit.ActionTokenIssue,
		ResourceRef: "resource:" + req.ResourceID,
		AfterState:  auditdomain.State{"session_id": s.ID, "expires_at": t.ExpiresAt.Format(time.RFC3339)},
		RiskLevel:   auditdomain.RiskLow,
		IP:          ip,
		OccurredAt:  now,
	}); err != nil {
		log.Printf("gate: audit token issue for session %s: %v", s.ID, err)
		return Decision{Reason: string(tokendomain.ReasonStoreUnavailable), Class: ClassStoreUnavailable, SubjectHash: s.SubjectHash}
	}
	return Decision{Allow: true, Reason: ReasonOK, Token: t.Raw, ExpiresAt: t.ExpiresAt, SubjectHash: s.SubjectHash}
}

// AuthorizeFetch decides whether the presented token lets the session fetch the resource.
// The token service audits the verification itself.
func (g *Gate) AuthorizeFetch(ctx context.Context, req Request, now time.Time) Decision {
	start := time.Now()
	d := g.authorizeFetch(ctx, req, now)
	g.observe(ctx, OpAuthorizeFetch, d, time.Since(start))
	return d
}

func (g *Gate) authorizeFetch(ctx context.Context, req Request, now time.Time) Decision {
	ip, s, d, ok := g.admit(ctx, OpAuthorizeFetch, req, now)
	if !ok {
		return d
	}
	ctx = audit.WithActor(ctx, actorOf(s), ip)
	res := g.tokens.Verify(ctx, req.Token, s.ID, req.ResourceID, now)
	if res.OK {
		return Decision{Allow: true, Reason: ReasonOK, ExpiresAt: res.ExpiresAt, SubjectHash: s.SubjectHash}
	}
	class := ClassOfToken(res.Reason)
	if class.CountsAsFailure() {
		g.recordFailure(ctx, ip, blockdomain.KindToken, s.SubjectHash, now)
	}
	return Decision{Reason: string(res.Reason), Class: class, SubjectHash: s.SubjectHash}
}

// admit runs the stages shared by both operations: input validation, the IP block check and
// session verification. ok is false when d is the final (denying) decision.
func (g *Gate) admit(ctx context.Context, op string, req Request, now time.Time) (string, *sessiondomain.Session, Decision, bool) {
	ip, err := blocking.NormalizeIP(req.IP)
	if err != nil || req.SessionID == "" || req.ResourceID == "" {
		log.Printf("gate: %s: rejected malformed request (session %q, ip %q)", op, req.SessionID, req.IP)
		return "", nil, Decision{Reason: ReasonInvalidInput, Class: ClassInputInvalid}, false
	}
	blocked, b, err := g.blocker.IsBlocked(ctx, ip, now)
	if err != nil {
		log.Printf("gate: %s: block lookup for %s: %v", op, ip, err)
		return ip, nil, Decision{Reason: string(sessiondomain.ReasonStoreUnavailable), Class: ClassStoreUnavailable}, false
	}
	if blocked {
		d := g.deny(ctx, op, req, ip, nil, ReasonIPBlocked, ClassCapacityExceeded, now)
		if b != nil {
			d.IncidentID = b.IncidentID
		}
		return ip, nil, d, false
	}
	sd := g.sessions.Verify(ctx, req.SessionID, ip, req.Device, now)
	if !sd.OK {
		return ip, sd.Session, g.deny(ctx, op, req, ip, sd.Session, string(sd.Reason), ClassOfSession(sd.Reason), now), false
	}
	return ip, sd.Session, Decision{}, true
}

// deny audits a denial according to its class, records a failure against the IP when the
// class counts, and returns the decision.
func (g *Gate) deny(ctx context.Context, op string, req Request, ip string, s *sessiondomain.Session, reason string, class Class, now time.Time) Decision {
	d := Decision{Reason: reason, Class: class}
	var subjectHash string
	if s != nil {
		subjectHash = s.SubjectHash
		d.SubjectHash = subjectHash
	}
	if class.Audited() && class != ClassStoreUnavailable {
		actor := "session:" + req.SessionID
		if s != nil {
			actor = actorOf(s)
		}
		if _, err := g.ledger.Append(ctx, auditdomain.Record{
			Actor:       actor,
			ActionType:  audit.ActionAccessDeny,
			ResourceRef: "resource:" + req.ResourceID,
			AfterState:  auditdomain.State{"reason": reason, "class": string(class), "session_id": req.SessionID, "operation": op},
			RiskLevel:   class.Risk(),
			IP:          ip,
			OccurredAt:  now,
		}); err != nil {
			log.Printf("gate: audit denial for session %s: %v", req.SessionID, err)
		}
	}
	if class.CountsAsFailure() && reason != ReasonUnknownResource {
		g.recordFailure(ctx, ip, blockdomain.KindSession, subjectHash, now)
	}
	return d
}

func (g *Gate) recordFailure(ctx context.Context, ip, kind, subjectHash string, now time.Time) {
	if ip == "" {
		return
	}
	out, err := g.blocker.RecordFailure(ctx, ip, kind, subjectHash, now)
	if err != nil {
		log.Printf("gate: record %s failure for %s: %v", kind, ip, err)
		return
	}
	if out.NewBlock {
		log.Printf("gate: %s blocked after %d failures", ip, out.Failures)
	}
}

func (g *Gate) observe(ctx context.Context, op string, d Decision, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordDecision(ctx, op, d.Allow, d.Reason, string(d.Class), elapsed)
}

func actorOf(s *sessiondomain.Session) string {
	return string(s.Role) + ":" + s.SubjectHash
}
