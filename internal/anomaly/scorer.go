// Package anomaly scores subjects from their recent audit trail and session history, and applies
// the configured response (alert, lock) to high scores. It runs on a schedule, never per request.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/notify"
	"docgate/internal/platform/rbac"
	sessiondomain "docgate/internal/session/domain"
)

// scorerActor is the audit actor for records the scorer writes; its own records are not scored.
const scorerActor = "system:anomaly-scorer"

// ErrUnscorable is returned for actors that do not name a session subject.
var ErrUnscorable = errors.New("actor is not a session subject")

// RecordSource reads the audit trail. audit.Ledger implements it.
type RecordSource interface {
	List(ctx context.Context, f auditdomain.Filter) ([]*auditdomain.Record, error)
	ActorsSince(ctx context.Context, since time.Time) ([]string, error)
}

// SessionSource reads recent sessions of a subject. session.Registry implements it.
type SessionSource interface {
	RecentSessions(ctx context.Context, subjectHash string, since time.Time) ([]*sessiondomain.Session, error)
}

// Responder locks subjects and tears down their sessions. session.Registry implements it.
type Responder interface {
	SubjectLocked(ctx context.Context, subjectHash string) (bool, error)
	LockSubject(ctx context.Context, subjectHash, reason, actor string) error
	InvalidateAll(ctx context.Context, scope sessiondomain.Scope, actor string) (int, error)
}

// Settings is the immutable scoring configuration.
type Settings struct {
	Window          time.Duration
	AlertThreshold  float64
	LockThreshold   float64
	BaselinePerHour float64
	BusinessHours   BusinessHours
}

// Result is the score of one subject at one instant.
type Result struct {
	Subject       string    `json:"subject"`
	Score         float64   `json:"score"`
	Factors       []Factor  `json:"factors"`
	WindowMinutes int       `json:"window_minutes"`
	Records       int       `json:"records"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Decision is a Result with the response the policy selected and whether it was carried out.
type Decision struct {
	Result
	Response
	Locked  bool
	Alerted bool
}

// Scorer is the AnomalyScorer.
type Scorer struct {
	records   RecordSource
	sessions  SessionSource
	responder Responder
	policy    ResponsePolicy
	ledger    audit.Appender
	events    notify.Broadcaster
	cfg       Settings
}

// NewScorer returns a Scorer. sessions, responder and events may be nil; policy nil selects
// ThresholdPolicy.
func NewScorer(records RecordSource, sessions SessionSource, responder Responder, policy ResponsePolicy, ledger audit.Appender, events notify.Broadcaster, cfg Settings) *Scorer {
	if policy == nil {
		policy = ThresholdPolicy{}
	}
	if events == nil {
		events = notify.Nop{}
	}
	if cfg.BaselinePerHour <= 0 {
		cfg.BaselinePerHour = defaultBaselinePerH
	}
	return &Scorer{records: records, sessions: sessions, responder: responder, policy: policy, ledger: ledger, events: events, cfg: cfg}
}

// ParseActor splits an audit actor of the form "role:subjectHash". ok is false for system,
// service and anonymous actors.
func ParseActor(actor string) (role rbac.Role, subjectHash string, ok bool) {
	r, s, found := strings.Cut(actor, ":")
	if !found || s == "" || !rbac.Role(r).Valid() {
		return "", "", false
	}
	return rbac.Role(r), s, true
}

// Score computes the subject's score over the last windowMinutes before now (the configured
// window when windowMinutes <= 0). subject is an audit actor "role:subjectHash". The result
// depends only on stored data and now.
func (s *Scorer) Score(ctx context.Context, subject string, windowMinutes int, now time.Time) (Result, error) {
	role, subjectHash, ok := ParseActor(subject)
	if !ok {
		return Result{}, ErrUnscorable
	}
	window := s.cfg.Window
	if windowMinutes > 0 {
		window = time.Duration(windowMinutes) * time.Minute
	}
	now = now.UTC()
	since := now.Add(-window)

	all, err := s.records.List(ctx, auditdomain.Filter{Actor: subject, Since: since})
	if err != nil {
		return Result{}, fmt.Errorf("anomaly: load records: %w", err)
	}
	recs := all[:0:0]
	for _, r := range all {
		if !r.OccurredAt.After(now) {
			recs = append(recs, r)
		}
	}

	ips := make(map[string]struct{})
	for _, r := range recs {
		if r.IP != "" && r.IP != "unknown" {
			ips[r.IP] = struct{}{}
		}
	}
	if s.sessions != nil && role.Valid() {
		sess, err := s.sessions.RecentSessions(ctx, subjectHash, since)
		if err != nil {
			return Result{}, fmt.Errorf("anomaly: load sessions: %w", err)
		}
		for _, ss := range sess {
			if ss.IP != "" && !ss.CreatedAt.After(now) {
				ips[ss.IP] = struct{}{}
			}
		}
	}

	fr, denied, verifies := failureRatio(recs)
	factors := []Factor{
		{Name: FactorFrequency, Value: frequency(len(recs), window, s.cfg.BaselinePerHour), Cap: capFrequency,
			Detail: fmt.Sprintf("%d operations in %s", len(recs), window)},
		{Name: FactorHighRisk, Value: highRisk(recs), Cap: capHighRisk},
		{Name: FactorOffHours, Value: offHours(recs, s.cfg.BusinessHours), Cap: capOffHours},
		{Name: FactorDistinctIPs, Value: distinctIPs(ips), Cap: capDistinctIPs,
			Detail: fmt.Sprintf("%d distinct ips", len(ips))},
		{Name: FactorFailureRatio, Value: fr, Cap: capFailureRatio,
			Detail: fmt.Sprintf("%d of %d token verifications denied", denied, verifies)},
	}
	var total float64
	for i := range factors {
		factors[i].Value = round2(factors[i].Value)
		total += factors[i].Value
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i].Name < factors[j].Name })
	return Result{
		Subject:       subject,
		Score:         round2(clamp(total, 0, 100)),
		Factors:       factors,
		WindowMinutes: int(window / time.Minute),
		Records:       len(recs),
		ComputedAt:    now,
	}, nil
}

// Evaluate scores subject over the configured window and carries out the policy response:
// an alert event and audit record at the alert threshold; a subject lock and teardown of the
// subject's sessions at the lock threshold. An already locked subject is not locked again.
func (s *Scorer) Evaluate(ctx context.Context, subject string, now time.Time) (Decision, error) {
	res, err := s.Score(ctx, subject, 0, now)
	if err != nil {
		return Decision{}, err
	}
	role, subjectHash, _ := ParseActor(subject)
	in := PolicyInput{
		Score:          res.Score,
		Role:           string(role),
		Factors:        res.Factors,
		AlertThreshold: s.cfg.AlertThreshold,
		LockThreshold:  s.cfg.LockThreshold,
	}
	resp, err := s.policy.Decide(ctx, in)
	if err != nil {
		log.Printf("anomaly: policy evaluation failed: %v, using thresholds", err)
		resp, _ = ThresholdPolicy{}.Decide(ctx, in)
	}
	d := Decision{Result: res, Response: resp}

	if resp.Lock && s.responder != nil {
		locked, err := s.responder.SubjectLocked(ctx, subjectHash)
		if err != nil {
			return d, fmt.Errorf("anomaly: lock lookup: %w", err)
		}
		if !locked {
			reason := fmt.Sprintf("anomaly score %.2f >= %.2f", res.Score, s.cfg.LockThreshold)
			if err := s.responder.LockSubject(ctx, subjectHash, reason, scorerActor); err != nil {
				return d, fmt.Errorf("anomaly: lock subject: %w", err)
			}
			if _, err := s.responder.InvalidateAll(ctx, sessiondomain.Scope{Kind: sessiondomain.ScopeSubject, SubjectHash: subjectHash}, scorerActor); err != nil {
				log.Printf("anomaly: invalidate sessions of %s: %v", subjectHash, err)
			}
			d.Locked = true
		}
	}
	if resp.Alert && (d.Locked || !resp.Lock) {
		s.alert(ctx, d, subjectHash)
		d.Alerted = true
	}
	return d, nil
}

func (s *Scorer) alert(ctx context.Context, d Decision, subjectHash string) {
	risk := auditdomain.RiskHigh
	if d.Locked {
		risk = auditdomain.RiskCritical
	}
	factors := make(map[string]any, len(d.Factors))
	for _, f := range d.Factors {
		factors[f.Name] = f.Value
	}
	if s.ledger != nil {
		if _, err := s.ledger.Append(ctx, auditdomain.Record{
			Actor:       scorerActor,
			ActionType:  audit.ActionAnomalyAlert,
			ResourceRef: "subject:" + subjectHash,
			AfterState:  auditdomain.State{"score": d.Score, "factors": factors, "locked": d.Locked},
			RiskLevel:   risk,
			Notes:       d.Reason,
			OccurredAt:  d.ComputedAt,
		}); err != nil {
			log.Printf("anomaly: audit alert for %s: %v", subjectHash, err)
		}
	}
	notify.Send(ctx, s.events, notify.Event{
		Type:       notify.EventAnomalyAlert,
		SubjectRef: subjectHash,
		Message:    fmt.Sprintf("anomaly score %.2f (%s)", d.Score, d.Reason),
		Timestamp:  d.ComputedAt,
		Attributes: map[string]string{"score": fmt.Sprintf("%.2f", d.Score), "locked": fmt.Sprint(d.Locked)},
	})
}
