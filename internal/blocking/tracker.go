// Package blocking tracks authentication failures per IP in a sliding window, blocks IPs that
// cross the threshold and manages the incident opened with each block.
package blocking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/blocking/domain"
	blockrepo "docgate/internal/blocking/repository"
	"docgate/internal/db"
	"docgate/internal/notify"
	"docgate/internal/platform/rbac"
)

var (
	// ErrInvalidIP is returned when the IP is not a literal IPv4 or IPv6 address.
	ErrInvalidIP = errors.New("invalid ip address")
	// ErrIncidentNotFound is returned when no incident has the given id.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrIncidentResolved is returned when resolving an already resolved incident.
	ErrIncidentResolved = errors.New("incident already resolved")
	// ErrSelfResolution is returned when the resolver is the identity that triggered the block.
	ErrSelfResolution = errors.New("resolver triggered the block")
	// ErrNotAuthorized is returned when the resolver is not an admin or super_admin.
	ErrNotAuthorized = errors.New("resolver not authorized")
)

// Settings is the immutable failure-tracking configuration.
type Settings struct {
	Window        time.Duration
	Threshold     int
	BlockDuration time.Duration
	StoreTimeout  time.Duration
}

// Tracker is the FailureTracker / IPBlockManager.
type Tracker struct {
	repo   blockrepo.Repository
	tx     db.TxRunner
	ledger audit.Appender
	events notify.Broadcaster
	cfg    Settings
	cache  *denyCache
}

// NewTracker returns a Tracker. events may be nil.
func NewTracker(repo blockrepo.Repository, tx db.TxRunner, ledger audit.Appender, events notify.Broadcaster, cfg Settings) *Tracker {
	if events == nil {
		events = notify.Nop{}
	}
	return &Tracker{repo: repo, tx: tx, ledger: ledger, events: events, cfg: cfg, cache: newDenyCache()}
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.StoreTimeout)
}

// NormalizeIP returns the canonical text form of ip, or ErrInvalidIP.
func NormalizeIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", ErrInvalidIP
	}
	return parsed.String(), nil
}

// RecordFailure appends a failure for ip and, if the window count reaches the threshold,
// blocks the IP. Block and incident creation is serialized per IP inside one transaction, so
// concurrent callers racing past the threshold produce one block and one incident.
// subjectHash may be empty when the failure cannot be attributed.
func (t *Tracker) RecordFailure(ctx context.Context, ip, kind, subjectHash string, now time.Time) (domain.Outcome, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return domain.Outcome{}, err
	}
	now = now.UTC()
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var out domain.Outcome
	err = t.tx.RunInTx(ctx, func(ctx context.Context) error {
		out = domain.Outcome{}
		if err := t.repo.LockIP(ctx, ip); err != nil {
			return err
		}
		if err := t.repo.InsertFailure(ctx, &domain.FailureRecord{
			ID: uuid.NewString(), IP: ip, OccurredAt: now, Kind: kind, SubjectHash: subjectHash,
		}); err != nil {
			return err
		}
		n, err := t.repo.CountFailures(ctx, ip, now.Add(-t.cfg.Window))
		if err != nil {
			return err
		}
		out.Failures = n
		existing, err := t.repo.GetBlock(ctx, ip)
		if err != nil {
			return err
		}
		if existing.ActiveAt(now) {
			out.Blocked, out.Block = true, existing
			return nil
		}
		if n < t.cfg.Threshold {
			return nil
		}
		b, err := t.openBlock(ctx, ip, subjectHash, n, now)
		if err != nil {
			return err
		}
		out.Blocked, out.NewBlock, out.Block = true, true, b
		return nil
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("blocking: record failure: %w", err)
	}
	if out.Blocked {
		t.cache.put(out.Block)
	}
	if out.NewBlock {
		t.announceBlock(ctx, out.Block, out.Failures)
	}
	return out, nil
}

// openBlock reuses the IP's open incident if there is one, otherwise opens a new incident,
// then writes the block row. Must run inside the per-IP lock.
func (t *Tracker) openBlock(ctx context.Context, ip, subjectHash string, failures int, now time.Time) (*domain.IPBlock, error) {
	triggeredBy := "ip:" + ip
	if subjectHash != "" {
		triggeredBy = subjectHash
	}
	inc, err := t.repo.GetOpenIncident(ctx, ip)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		id := domain.IncidentID(ip, now)
		for i := 2; ; i++ {
			clash, err := t.repo.GetIncident(ctx, id)
			if err != nil {
				return nil, err
			}
			if clash == nil {
				break
			}
			id = domain.IncidentID(ip, now) + "-" + strconv.Itoa(i)
		}
		inc = &domain.Incident{IncidentID: id, IP: ip, CreatedAt: now, TriggeredBy: triggeredBy}
		if err := t.repo.InsertIncident(ctx, inc); err != nil {
			return nil, err
		}
	}
	b := &domain.IPBlock{
		IP:           ip,
		BlockedUntil: now.Add(t.cfg.BlockDuration),
		Reason:       fmt.Sprintf("%d failures within %s", failures, t.cfg.Window),
		IncidentID:   inc.IncidentID,
		TriggeredBy:  inc.TriggeredBy,
		CreatedAt:    now,
	}
	if err := t.repo.UpsertBlock(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *Tracker) announceBlock(ctx context.Context, b *domain.IPBlock, failures int) {
	if _, err := t.ledger.Append(ctx, auditdomain.Record{
		Actor:       "system:failure-tracker",
		ActionType:  audit.ActionIPBlock,
		ResourceRef: "ip:" + b.IP,
		BeforeState: auditdomain.State{"blocked": false},
		AfterState:  blockState(b),
		RiskLevel:   auditdomain.RiskHigh,
		IP:          b.IP,
		Notes:       b.Reason,
		OccurredAt:  b.CreatedAt,
	}); err != nil {
		log.Printf("blocking: audit block of %s: %v", b.IP, err)
	}
	notify.Send(ctx, t.events, notify.Event{
		Type:       notify.EventIPBlocked,
		SubjectRef: b.TriggeredBy,
		Message:    fmt.Sprintf("ip %s blocked until %s (%d failures)", b.IP, b.BlockedUntil.Format(time.RFC3339), failures),
		Timestamp:  b.CreatedAt,
		Attributes: map[string]string{"ip": b.IP, "incident_id": b.IncidentID},
	})
}

// IsBlocked reports whether ip is blocked at now. Known blocks are served from the deny cache;
// every other answer comes from the store. An expired block is lifted lazily.
func (t *Tracker) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, *domain.IPBlock, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, nil, err
	}
	if b, ok := t.cache.get(ip, now); ok {
		return true, b, nil
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	b, err := t.repo.GetBlock(ctx, ip)
	if err != nil {
		return false, nil, fmt.Errorf("blocking: lookup: %w", err)
	}
	if b == nil || b.LiftedAt != nil {
		return false, nil, nil
	}
	if !b.ActiveAt(now) {
		if err := t.repo.LiftBlock(ctx, ip, now.UTC()); err != nil {
			log.Printf("blocking: lazy lift of %s: %v", ip, err)
		}
		return false, nil, nil
	}
	t.cache.put(b)
	return true, b, nil
}

// ResolveIncident lifts the incident's block and closes the incident. The resolver must be an
// admin or super_admin other than the identity that triggered the block. Resolution is terminal.
func (t *Tracker) ResolveIncident(ctx context.Context, incidentID string, resolver rbac.Identity, notes string, now time.Time) error {
	if rbac.RequireAdmin(resolver) != nil {
		return ErrNotAuthorized
	}
	now = now.UTC()
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var before, after *domain.IPBlock
	var inc *domain.Incident
	err := t.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inc, err = t.repo.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		if inc == nil {
			return ErrIncidentNotFound
		}
		if err := t.repo.LockIP(ctx, inc.IP); err != nil {
			return err
		}
		if inc.Resolved {
			return ErrIncidentResolved
		}
		if resolver.Subject == inc.TriggeredBy {
			return ErrSelfResolution
		}
		before, err = t.repo.GetBlock(ctx, inc.IP)
		if err != nil {
			return err
		}
		if before != nil && before.IncidentID == inc.IncidentID && before.LiftedAt == nil {
			if err := t.repo.LiftBlock(ctx, inc.IP, now); err != nil {
				return err
			}
			lifted := *before
			lifted.LiftedAt = &now
			after = &lifted
		} else {
			after = before
		}
		ok, err := t.repo.ResolveIncident(ctx, inc.IncidentID, resolver.String(), now, notes)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIncidentResolved
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) || errors.Is(err, ErrIncidentResolved) || errors.Is(err, ErrSelfResolution) {
			return err
		}
		return fmt.Errorf("blocking: resolve: %w", err)
	}
	t.cache.drop(inc.IP)
	_, ip := audit.ActorFromContext(ctx, "")
	if _, err := t.ledger.Append(ctx, auditdomain.Record{
		Actor:       resolver.String(),
		ActionType:  audit.ActionIncidentResolve,
		ResourceRef: "incident:" + inc.IncidentID,
		BeforeState: blockStateAt(before, now),
		AfterState:  blockStateAt(after, now),
		RiskLevel:   auditdomain.RiskMedium,
		IP:          ip,
		Notes:       notes,
		OccurredAt:  now,
	}); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrNotRecorded, err)
	}
	return nil
}

// ListBlocks returns the blocks active at now.
func (t *Tracker) ListBlocks(ctx context.Context, now time.Time) ([]*domain.IPBlock, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.repo.ListActiveBlocks(ctx, now)
}

// ListIncidents returns incidents, newest first.
func (t *Tracker) ListIncidents(ctx context.Context, openOnly bool) ([]*domain.Incident, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.repo.ListIncidents(ctx, openOnly)
}

// Sweep deletes failure records older than the window and lifts expired blocks. It touches
// only rows that no request-path check can still act on.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (domain.SweepResult, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	var res domain.SweepResult
	var err error
	if res.FailuresDeleted, err = t.repo.DeleteFailuresBefore(ctx, now.Add(-t.cfg.Window)); err != nil {
		return res, fmt.Errorf("blocking: sweep failures: %w", err)
	}
	if res.BlocksLifted, err = t.repo.LiftExpired(ctx, now); err != nil {
		return res, fmt.Errorf("blocking: sweep blocks: %w", err)
	}
	return res, nil
}

func blockState(b *domain.IPBlock) auditdomain.State {
	if b == nil {
		return auditdomain.State{"blocked": false}
	}
	return auditdomain.State{
		"blocked":       b.LiftedAt == nil,
		"ip":            b.IP,
		"incident_id":   b.IncidentID,
		"blocked_until": b.BlockedUntil.UTC().Format(time.RFC3339),
	}
}

func blockStateAt(b *domain.IPBlock, now time.Time) auditdomain.State {
	s := blockState(b)
	if b != nil && !b.ActiveAt(now) {
		s["blocked"] = false
	}
	return s
}
