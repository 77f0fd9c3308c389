// Package session is the SessionRegistry: it creates sessions after two-factor authentication,
// enforces per-role concurrency caps, re-verifies and integrity-checks sessions, and tears them
// down on logout, expiry or mass invalidation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/db"
	"docgate/internal/notify"
	"docgate/internal/platform/rbac"
	"docgate/internal/session/domain"
	sessionrepo "docgate/internal/session/repository"
)

// Cap modes for capped privileged roles.
const (
	CapModeRotate = "rotate"
	CapModeRefuse = "refuse"
)

var (
	// ErrFactorSequence is returned when the factors did not both succeed in order. All pending
	// state for the subject has been cleared.
	ErrFactorSequence = errors.New("authentication factors incomplete or out of order")
	// ErrCapacityExceeded is returned when a role cap or the user ceiling refuses a new session.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSubjectLocked is returned when the subject is locked pending manual review.
	ErrSubjectLocked = errors.New("subject locked")
	// ErrInvalidInput is returned for an empty subject, an unknown role or an invalid scope.
	ErrInvalidInput = errors.New("invalid session input")
	// ErrNotFound is returned by Logout when the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrNotLocked is returned by UnlockSubject when no lock is held.
	ErrNotLocked = errors.New("subject not locked")
	// ErrIntegrity is returned by VerifyClaim when the claim does not match a live session.
	ErrIntegrity = errors.New("session integrity check failed")
)

// Settings is the immutable registry configuration.
type Settings struct {
	UserTTL    time.Duration
	AdminTTL   time.Duration
	PendingTTL time.Duration

	AdminCap      int
	AdminCapMode  string
	SuperAdminCap int // 0 means unlimited
	UserCeiling   int

	ClockSkew        time.Duration
	ReverifyInterval time.Duration
	BindIP           bool

	ChurnWindow    time.Duration
	ChurnThreshold int
	ChurnAutoLock  bool

	StoreTimeout time.Duration
}

// TokenRevoker drops the capability-token grants of sessions. token.Service implements it.
type TokenRevoker interface {
	RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error)
}

// Registry is the SessionRegistry.
type Registry struct {
	repo   sessionrepo.Repository
	tx     db.TxRunner
	tokens TokenRevoker
	ledger audit.Appender
	events notify.Broadcaster
	cfg    Settings
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for session creation.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry returns a Registry. events may be nil.
func NewRegistry(repo sessionrepo.Repository, tx db.TxRunner, tokens TokenRevoker, ledger audit.Appender, events notify.Broadcaster, cfg Settings, opts ...Option) *Registry {
	if events == nil {
		events = notify.Nop{}
	}
	r := &Registry{repo: repo, tx: tx, tokens: tokens, ledger: ledger, events: events, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

// TTL returns the fixed session lifetime of role.
func (r *Registry) TTL(role rbac.Role) time.Duration {
	if role == rbac.RoleUser {
		return r.cfg.UserTTL
	}
	return r.cfg.AdminTTL
}

// BeginFirstFactor records a completed first factor as a pending session. A pending session
// never authorizes access and never counts against caps; any earlier pending session of the
// subject is replaced.
func (r *Registry) BeginFirstFactor(ctx context.Context, subjectHash string, role rbac.Role, ip, device string) (*domain.Session, error) {
	if subjectHash == "" || !role.Valid() {
		return nil, ErrInvalidInput
	}
	now := r.now().UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	s := &domain.Session{
		ID:                uuid.NewString(),
		SubjectHash:       subjectHash,
		Role:              role,
		Stage:             domain.StagePending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.cfg.PendingTTL),
		LastVerifiedAt:    now,
		IP:                ip,
		DeviceFingerprint: device,
		IsActive:          true,
	}
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.repo.LockKey(ctx, "subject:"+subjectHash); err != nil {
			return err
		}
		if err := r.checkLock(ctx, subjectHash); err != nil {
			return err
		}
		if _, err := r.repo.DeletePendingBySubject(ctx, subjectHash); err != nil {
			return err
		}
		return r.repo.Insert(ctx, s)
	})
	if err != nil {
		if errors.Is(err, ErrSubjectLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("session: begin first factor: %w", err)
	}
	return s, nil
}

// CompleteSecondFactor promotes the pending session pendingID to an active session under a new
// ID. The pending ID is invalid from then on. Any mismatch between the pending record and the
// assertion clears the subject's pending state and returns ErrFactorSequence.
func (r *Registry) CompleteSecondFactor(ctx context.Context, pendingID string, a domain.Assertion, ip, device string) (*domain.Session, error) {
	if a.SubjectHash == "" || !a.Role.Valid() {
		return nil, ErrInvalidInput
	}
	now := r.now().UTC()
	lookupCtx, cancel := r.withTimeout(ctx)
	pending, err := r.repo.GetByID(lookupCtx, pendingID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("session: load pending: %w", err)
	}
	if pending == nil || pending.Stage != domain.StagePending || pending.ExpiredAt(now) ||
		pending.SubjectHash != a.SubjectHash || pending.Role != a.Role ||
		pending.DeviceFingerprint != device || !a.InOrder() {
		if pending != nil && pending.Stage == domain.StagePending {
			dctx, cancel := r.withTimeout(ctx)
			if _, err := r.repo.Delete(dctx, pending.ID); err != nil {
				log.Printf("session: drop pending %s: %v", pending.ID, err)
			}
			cancel()
		}
		r.rejectFactors(ctx, a, ip, "pending session does not match assertion")
		return nil, ErrFactorSequence
	}
	return r.create(ctx, a, ip, device, pendingID, now)
}

// CreateSession creates an active session for a subject that completed both factors in order.
func (r *Registry) CreateSession(ctx context.Context, a domain.Assertion, ip, device string) (*domain.Session, error) {
	if a.SubjectHash == "" || !a.Role.Valid() {
		return nil, ErrInvalidInput
	}
	if !a.InOrder() {
		r.rejectFactors(ctx, a, ip, "factors incomplete or out of order")
		return nil, ErrFactorSequence
	}
	return r.create(ctx, a, ip, device, "", r.now().UTC())
}

func (r *Registry) rejectFactors(ctx context.Context, a domain.Assertion, ip, why string) {
	if a.SubjectHash != "" {
		cctx, cancel := r.withTimeout(ctx)
		if _, err := r.repo.DeletePendingBySubject(cctx, a.SubjectHash); err != nil {
			log.Printf("session: clear pending for %s: %v", a.SubjectHash, err)
		}
		cancel()
	}
	r.appendAudit(ctx, auditdomain.Record{
		Actor:       subjectActor(a.Role, a.SubjectHash),
		ActionType:  audit.ActionSessionFactorReject,
		ResourceRef: "subject:" + a.SubjectHash,
		AfterState:  auditdomain.State{"factor1_ok": a.Factor1OK, "factor2_ok": a.Factor2OK, "completed": factorNames(a.Completed)},
		RiskLevel:   auditdomain.RiskMedium,
		IP:          ip,
		Notes:       why,
	})
}

// capKey returns the lock key serializing cap checks for role and subject.
func capKey(role rbac.Role, subjectHash string) string {
	if role == rbac.RoleUser {
		return "cap:user"
	}
	return "cap:" + string(role) + ":" + subjectHash
}

// capFor returns the cap and mode for a privileged role; cap 0 means unlimited.
func (r *Registry) capFor(role rbac.Role) (int, string) {
	switch role {
	case rbac.RoleAdmin:
		return r.cfg.AdminCap, r.cfg.AdminCapMode
	case rbac.RoleSuperAdmin:
		return r.cfg.SuperAdminCap, r.cfg.AdminCapMode
	}
	return 0, ""
}

type creation struct {
	session *domain.Session
	evicted []*domain.Session
	before  int
	after   int
}

// create inserts the active session after the lock and cap checks, evicting the oldest
// sessions of a capped privileged role in rotate mode. Check and insert run in one transaction
// under the cap key, so concurrent creations never overshoot the cap.
func (r *Registry) create(ctx context.Context, a domain.Assertion, ip, device, pendingID string, now time.Time) (*domain.Session, error) {
	s := &domain.Session{
		ID:                uuid.NewString(),
		SubjectHash:       a.SubjectHash,
		Role:              a.Role,
		Stage:             domain.StageActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.TTL(a.Role)),
		LastVerifiedAt:    now,
		IP:                ip,
		DeviceFingerprint: device,
		IsActive:          true,
	}
	tctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var c creation
	err := r.tx.RunInTx(tctx, func(ctx context.Context) error {
		c = creation{session: s}
		if err := r.repo.LockKey(ctx, capKey(a.Role, a.SubjectHash)); err != nil {
			return err
		}
		if err := r.checkLock(ctx, a.SubjectHash); err != nil {
			return err
		}
		if pendingID != "" {
			// Re-checked under the cap lock: of two concurrent promotions only the one that
			// removes the pending row may insert.
			p, err := r.repo.GetByID(ctx, pendingID)
			if err != nil {
				return err
			}
			if p == nil || p.Stage != domain.StagePending || p.SubjectHash != a.SubjectHash || p.Role != a.Role {
				return ErrFactorSequence
			}
			removed, err := r.repo.Delete(ctx, pendingID)
			if err != nil {
				return err
			}
			if !removed {
				return ErrFactorSequence
			}
		}
		if a.Role == rbac.RoleUser {
			n, err := r.repo.CountLive(ctx, rbac.RoleUser, "", now)
			if err != nil {
				return err
			}
			if r.cfg.UserCeiling > 0 && n >= r.cfg.UserCeiling {
				return ErrCapacityExceeded
			}
			c.before, c.after = n, n+1
			return r.repo.Insert(ctx, s)
		}
		limit, mode := r.capFor(a.Role)
		if limit > 0 {
			live, err := r.repo.ListLive(ctx, a.Role, a.SubjectHash, now)
			if err != nil {
				return err
			}
			if excess := len(live) - limit + 1; excess > 0 {
				if mode != CapModeRotate {
					return ErrCapacityExceeded
				}
				c.evicted = live[:excess]
				ids := make([]string, 0, excess)
				for _, old := range c.evicted {
					if err := r.repo.Deactivate(ctx, old.ID); err != nil {
						return err
					}
					ids = append(ids, old.ID)
				}
				if r.tokens != nil {
					if _, err := r.tokens.RevokeSessions(ctx, ids); err != nil {
						return err
					}
				}
			}
		}
		return r.repo.Insert(ctx, s)
	})
	if err != nil {
		if errors.Is(err, ErrFactorSequence) {
			r.rejectFactors(ctx, a, ip, "pending session already promoted")
			return nil, err
		}
		if errors.Is(err, ErrSubjectLocked) || errors.Is(err, ErrCapacityExceeded) {
			r.appendAudit(ctx, auditdomain.Record{
				Actor:       subjectActor(a.Role, a.SubjectHash),
				ActionType:  audit.ActionSessionCreate,
				ResourceRef: "subject:" + a.SubjectHash,
				AfterState:  auditdomain.State{"outcome": "refused", "reason": err.Error()},
				RiskLevel:   auditdomain.RiskMedium,
				IP:          ip,
				OccurredAt:  now,
			})
			return nil, err
		}
		return nil, fmt.Errorf("session: create: %w", err)
	}

	r.appendAudit(ctx, auditdomain.Record{
		Actor:       subjectActor(a.Role, a.SubjectHash),
		ActionType:  audit.ActionSessionCreate,
		ResourceRef: "session:" + s.ID,
		AfterState:  sessionState(s),
		RiskLevel:   auditdomain.RiskLow,
		IP:          ip,
		OccurredAt:  now,
	})
	for _, old := range c.evicted {
		r.appendAudit(ctx, auditdomain.Record{
			Actor:       "system:session-registry",
			ActionType:  audit.ActionSessionRotate,
			ResourceRef: "session:" + old.ID,
			BeforeState: sessionState(old),
			AfterState:  auditdomain.State{"active": false, "replaced_by": s.ID},
			RiskLevel:   auditdomain.RiskMedium,
			IP:          ip,
			Notes:       "oldest session evicted by role cap",
			OccurredAt:  now,
		})
		notify.Send(ctx, r.events, notify.Event{
			Type:       notify.EventSessionRotated,
			SubjectRef: old.SubjectHash,
			SessionRef: old.ID,
			Message:    "session replaced by a newer session",
			Timestamp:  now,
		})
	}
	if a.Role == rbac.RoleUser {
		r.warnCapacity(ctx, c.before, c.after, now)
	}
	r.checkChurn(ctx, a, now)
	return s, nil
}

// capacityLevel returns the highest warning threshold (80 or 90 percent) that n reaches.
func capacityLevel(n, ceiling int) int {
	switch {
	case ceiling <= 0:
		return 0
	case n*100 >= ceiling*90:
		return 90
	case n*100 >= ceiling*80:
		return 80
	}
	return 0
}

func (r *Registry) warnCapacity(ctx context.Context, before, after int, now time.Time) {
	level := capacityLevel(after, r.cfg.UserCeiling)
	if level == 0 || level == capacityLevel(before, r.cfg.UserCeiling) {
		return
	}
	notify.Send(ctx, r.events, notify.Event{
		Type:      notify.EventCapacityWarning,
		Message:   fmt.Sprintf("user sessions at %d%% of ceiling (%d/%d)", level, after, r.cfg.UserCeiling),
		Timestamp: now,
		Attributes: map[string]string{
			"level":   fmt.Sprint(level),
			"active":  fmt.Sprint(after),
			"ceiling": fmt.Sprint(r.cfg.UserCeiling),
		},
	})
}

// checkChurn flags a subject whose sessions were created from more than one origin at least
// ChurnThreshold times within ChurnWindow, and locks it when auto-lock is on.
func (r *Registry) checkChurn(ctx context.Context, a domain.Assertion, now time.Time) {
	if r.cfg.ChurnThreshold <= 0 {
		return
	}
	cctx, cancel := r.withTimeout(ctx)
	recent, err := r.repo.ListSessionsSince(cctx, a.SubjectHash, now.Add(-r.cfg.ChurnWindow))
	cancel()
	if err != nil {
		log.Printf("session: churn check for %s: %v", a.SubjectHash, err)
		return
	}
	origins := make(map[string]struct{}, len(recent))
	for _, s := range recent {
		origins[s.IP+"|"+s.DeviceFingerprint] = struct{}{}
	}
	if len(recent) < r.cfg.ChurnThreshold || len(origins) < 2 {
		return
	}
	notify.Send(ctx, r.events, notify.Event{
		Type:       notify.EventSessionChurn,
		SubjectRef: a.SubjectHash,
		Message:    fmt.Sprintf("%d sessions from %d origins within %s", len(recent), len(origins), r.cfg.ChurnWindow),
		Timestamp:  now,
	})
	if !r.cfg.ChurnAutoLock {
		return
	}
	reason := fmt.Sprintf("session churn: %d sessions from %d origins within %s", len(recent), len(origins), r.cfg.ChurnWindow)
	if err := r.LockSubject(ctx, a.SubjectHash, reason, "system:session-registry"); err != nil {
		log.Printf("session: auto-lock %s: %v", a.SubjectHash, err)
	}
}

func (r *Registry) checkLock(ctx context.Context, subjectHash string) error {
	l, err := r.repo.GetLock(ctx, subjectHash)
	if err != nil {
		return err
	}
	if l.Held() {
		return ErrSubjectLocked
	}
	return nil
}

// Verify checks that sessionID names a live session presented from its bound device (and IP,
// when IP binding is on) whose subject is not locked. The last verification time is refreshed
// at most once per re-verify interval. Store failures fail closed.
func (r *Registry) Verify(ctx context.Context, sessionID, ip, device string, now time.Time) domain.Decision {
	now = now.UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	s, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		log.Printf("session: verify %s: %v", sessionID, err)
		return deny(domain.ReasonStoreUnavailable, nil)
	}
	switch {
	case s == nil:
		return deny(domain.ReasonNotFound, nil)
	case !s.IsActive || s.Stage != domain.StageActive:
		return deny(domain.ReasonInactive, s)
	case s.ExpiredAt(now):
		return deny(domain.ReasonExpired, s)
	case s.DeviceFingerprint != device:
		return deny(domain.ReasonDeviceMismatch, s)
	case r.cfg.BindIP && s.IP != ip:
		return deny(domain.ReasonIPMismatch, s)
	}
	if err := r.checkLock(ctx, s.SubjectHash); err != nil {
		if errors.Is(err, ErrSubjectLocked) {
			return deny(domain.ReasonSubjectLocked, s)
		}
		log.Printf("session: lock lookup for %s: %v", s.SubjectHash, err)
		return deny(domain.ReasonStoreUnavailable, s)
	}
	if now.Sub(s.LastVerifiedAt) >= r.cfg.ReverifyInterval {
		if err := r.repo.TouchVerified(ctx, s.ID, now); err != nil {
			log.Printf("session: touch %s: %v", s.ID, err)
			return deny(domain.ReasonStoreUnavailable, s)
		}
		s.LastVerifiedAt = now
	}
	return domain.Decision{OK: true, Reason: domain.ReasonOK, Session: s}
}

func deny(reason domain.Reason, s *domain.Session) domain.Decision {
	return domain.Decision{Reason: reason, Session: s}
}

// CheckIntegrity cross-checks a claimed session against its durable record. Subject and role
// must match exactly and creation times within the clock-skew tolerance. A mismatch tears the
// session down, clears the subject's pending state and is audited as critical.
func (r *Registry) CheckIntegrity(ctx context.Context, c domain.Claim, now time.Time) domain.Decision {
	now = now.UTC()
	lctx, cancel := r.withTimeout(ctx)
	s, err := r.repo.GetByID(lctx, c.SessionID)
	cancel()
	if err != nil {
		log.Printf("session: integrity lookup %s: %v", c.SessionID, err)
		return deny(domain.ReasonStoreUnavailable, nil)
	}
	switch {
	case s == nil:
		return deny(domain.ReasonNotFound, nil)
	case !s.IsActive || s.Stage != domain.StageActive:
		return deny(domain.ReasonInactive, s)
	case s.ExpiredAt(now):
		return deny(domain.ReasonExpired, s)
	}
	skew := s.CreatedAt.Sub(c.CreatedAt)
	if skew < 0 {
		skew = -skew
	}
	if s.SubjectHash == c.SubjectHash && s.Role == c.Role && skew <= r.cfg.ClockSkew {
		lctx, cancel := r.withTimeout(ctx)
		defer cancel()
		if err := r.checkLock(lctx, s.SubjectHash); err != nil {
			if errors.Is(err, ErrSubjectLocked) {
				return deny(domain.ReasonSubjectLocked, s)
			}
			return deny(domain.ReasonStoreUnavailable, s)
		}
		return domain.Decision{OK: true, Reason: domain.ReasonOK, Session: s}
	}

	if _, err := r.teardown(ctx, domain.Scope{Kind: domain.ScopeSession, SessionID: s.ID}); err != nil {
		log.Printf("session: teardown %s: %v", s.ID, err)
	}
	cctx, cancel := r.withTimeout(ctx)
	if _, err := r.repo.DeletePendingBySubject(cctx, s.SubjectHash); err != nil {
		log.Printf("session: clear pending for %s: %v", s.SubjectHash, err)
	}
	cancel()
	_, ip := audit.ActorFromContext(ctx, "")
	r.appendAudit(ctx, auditdomain.Record{
		Actor:       subjectActor(c.Role, c.SubjectHash),
		ActionType:  audit.ActionSessionIntegrity,
		ResourceRef: "session:" + s.ID,
		BeforeState: sessionState(s),
		AfterState: auditdomain.State{
			"claimed_subject":    c.SubjectHash,
			"claimed_role":       string(c.Role),
			"claimed_created_at": c.CreatedAt.UTC().Format(time.RFC3339),
			"active":             false,
		},
		RiskLevel:  auditdomain.RiskCritical,
		IP:         ip,
		Notes:      "claimed session does not match durable record",
		OccurredAt: now,
	})
	notify.Send(ctx, r.events, notify.Event{
		Type:       notify.EventSessionInvalidated,
		SubjectRef: s.SubjectHash,
		SessionRef: s.ID,
		Message:    "session failed integrity check; re-authenticate",
		Timestamp:  now,
	})
	return deny(domain.ReasonIntegrityMismatch, s)
}

// VerifyClaim implements rbac.ClaimVerifier for privileged callers.
func (r *Registry) VerifyClaim(ctx context.Context, id rbac.Identity) error {
	d := r.CheckIntegrity(ctx, domain.Claim{
		SessionID:   id.SessionID,
		SubjectHash: id.Subject,
		Role:        id.Role,
		CreatedAt:   id.SessionCreatedAt,
	}, r.now())
	if !d.OK {
		return fmt.Errorf("%w: %s", ErrIntegrity, d.Reason)
	}
	return nil
}

func validScope(sc domain.Scope) bool {
	switch sc.Kind {
	case domain.ScopeAll:
		return true
	case domain.ScopeRole:
		return sc.Role.Valid()
	case domain.ScopeSubject:
		return sc.SubjectHash != ""
	case domain.ScopeSession:
		return sc.SessionID != ""
	}
	return false
}

// teardown deletes the sessions in scope and revokes their token grants in one transaction.
func (r *Registry) teardown(ctx context.Context, sc domain.Scope) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var ids []string
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if ids, err = r.repo.ListIDsByScope(ctx, sc); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := r.repo.DeleteByIDs(ctx, ids); err != nil {
			return err
		}
		if r.tokens != nil {
			if _, err := r.tokens.RevokeSessions(ctx, ids); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InvalidateAll deletes every session in scope together with its token grants, then notifies
// each affected session and audits the invalidation. It returns the number of sessions removed.
func (r *Registry) InvalidateAll(ctx context.Context, sc domain.Scope, actor string) (int, error) {
	if !validScope(sc) {
		return 0, ErrInvalidInput
	}
	ids, err := r.teardown(ctx, sc)
	if err != nil {
		return 0, fmt.Errorf("session: invalidate: %w", err)
	}
	now := r.now().UTC()
	for _, id := range ids {
		notify.Send(ctx, r.events, notify.Event{
			Type:       notify.EventSessionInvalidated,
			SubjectRef: sc.SubjectHash,
			SessionRef: id,
			Message:    "session invalidated; re-authenticate",
			Timestamp:  now,
		})
	}
	risk := auditdomain.RiskMedium
	if sc.Kind == domain.ScopeAll || sc.Kind == domain.ScopeRole {
		risk = auditdomain.RiskHigh
	}
	_, ip := audit.ActorFromContext(ctx, "")
	if _, err := r.ledger.Append(ctx, auditdomain.Record{
		Actor:       actor,
		ActionType:  audit.ActionSessionInvalidate,
		ResourceRef: scopeRef(sc),
		AfterState:  auditdomain.State{"invalidated": len(ids)},
		RiskLevel:   risk,
		IP:          ip,
		OccurredAt:  now,
	}); err != nil {
		return len(ids), fmt.Errorf("%w: %v", audit.ErrNotRecorded, err)
	}
	return len(ids), nil
}

// CountActive returns the number of live sessions of role, narrowed to subjectHash when set.
// An empty role counts every role.
func (r *Registry) CountActive(ctx context.Context, role rbac.Role, subjectHash string) (int, error) {
	if role != "" && !role.Valid() {
		return 0, ErrInvalidInput
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.repo.CountLive(ctx, role, subjectHash, r.now().UTC())
}

// Logout destroys one session and its token grants.
func (r *Registry) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	lctx, cancel := r.withTimeout(ctx)
	s, err := r.repo.GetByID(lctx, sessionID)
	cancel()
	if err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}
	if s == nil {
		return ErrNotFound
	}
	if _, err := r.teardown(ctx, domain.Scope{Kind: domain.ScopeSession, SessionID: sessionID}); err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}
	_, ip := audit.ActorFromContext(ctx, "")
	r.appendAudit(ctx, auditdomain.Record{
		Actor:       subjectActor(s.Role, s.SubjectHash),
		ActionType:  audit.ActionSessionLogout,
		ResourceRef: "session:" + s.ID,
		BeforeState: sessionState(s),
		RiskLevel:   auditdomain.RiskLow,
		IP:          ip,
	})
	return nil
}

// IsActive reports whether sessionID is a live session at now.
func (r *Registry) IsActive(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	s, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.Live(now.UTC()), nil
}

// RecentSessions returns the subject's sessions created at or after since, deactivated ones
// included until swept.
func (r *Registry) RecentSessions(ctx context.Context, subjectHash string, since time.Time) ([]*domain.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.repo.ListSessionsSince(ctx, subjectHash, since)
}

// SubjectLocked reports whether subjectHash is currently locked.
func (r *Registry) SubjectLocked(ctx context.Context, subjectHash string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	l, err := r.repo.GetLock(ctx, subjectHash)
	if err != nil {
		return false, err
	}
	return l.Held(), nil
}

// LockSubject locks subjectHash pending manual review. Locked subjects cannot create sessions
// and their existing sessions fail verification.
func (r *Registry) LockSubject(ctx context.Context, subjectHash, reason, actor string) error {
	if subjectHash == "" {
		return ErrInvalidInput
	}
	now := r.now().UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.repo.UpsertLock(ctx, &domain.SubjectLock{
		SubjectHash: subjectHash, LockedAt: now, Reason: reason, LockedBy: actor,
	}); err != nil {
		return fmt.Errorf("session: lock subject: %w", err)
	}
	r.appendAudit(ctx, auditdomain.Record{
		Actor:       actor,
		ActionType:  audit.ActionSubjectLock,
		ResourceRef: "subject:" + subjectHash,
		BeforeState: auditdomain.State{"locked": false},
		AfterState:  auditdomain.State{"locked": true, "reason": reason},
		RiskLevel:   auditdomain.RiskHigh,
		Notes:       reason,
		OccurredAt:  now,
	})
	notify.Send(ctx, r.events, notify.Event{
		Type:       notify.EventSubjectLocked,
		SubjectRef: subjectHash,
		Message:    reason,
		Timestamp:  now,
	})
	return nil
}

// UnlockSubject releases a subject lock. Only admins and super_admins may unlock.
func (r *Registry) UnlockSubject(ctx context.Context, subjectHash string, resolver rbac.Identity) error {
	if err := rbac.RequireAdmin(resolver); err != nil {
		return err
	}
	if subjectHash == "" {
		return ErrInvalidInput
	}
	now := r.now().UTC()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ok, err := r.repo.ReleaseLock(ctx, subjectHash, resolver.String(), now)
	if err != nil {
		return fmt.Errorf("session: unlock subject: %w", err)
	}
	if !ok {
		return ErrNotLocked
	}
	_, ip := audit.ActorFromContext(ctx, "")
	if _, err := r.ledger.Append(ctx, auditdomain.Record{
		Actor:       resolver.String(),
		ActionType:  audit.ActionSubjectUnlock,
		ResourceRef: "subject:" + subjectHash,
		BeforeState: auditdomain.State{"locked": true},
		AfterState:  auditdomain.State{"locked": false},
		RiskLevel:   auditdomain.RiskMedium,
		IP:          ip,
		OccurredAt:  now,
	}); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrNotRecorded, err)
	}
	return nil
}

// SweepExpired deletes expired and deactivated sessions and revokes their grants.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var ids []string
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if ids, err = r.repo.DeleteStale(ctx, now.UTC()); err != nil {
			return err
		}
		if len(ids) > 0 && r.tokens != nil {
			_, err = r.tokens.RevokeSessions(ctx, ids)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	return len(ids), nil
}

func (r *Registry) appendAudit(ctx context.Context, rec auditdomain.Record) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now().UTC()
	}
	if _, err := r.ledger.Append(ctx, rec); err != nil {
		log.Printf("session: audit %s: %v", rec.ActionType, err)
	}
}

func subjectActor(role rbac.Role, subjectHash string) string {
	return rbac.Identity{Subject: subjectHash, Role: role}.String()
}

func scopeRef(sc domain.Scope) string {
	switch sc.Kind {
	case domain.ScopeRole:
		return "sessions:role:" + string(sc.Role)
	case domain.ScopeSubject:
		return "sessions:subject:" + sc.SubjectHash
	case domain.ScopeSession:
		return "session:" + sc.SessionID
	}
	return "sessions:all"
}

func sessionState(s *domain.Session) auditdomain.State {
	return auditdomain.State{
		"session_id": s.ID,
		"role":       string(s.Role),
		"stage":      string(s.Stage),
		"active":     s.IsActive,
		"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func factorNames(fs []domain.Factor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
