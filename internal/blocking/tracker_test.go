package blocking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/blocking/domain"
	"docgate/internal/notify"
	"docgate/internal/platform/rbac"
	"docgate/internal/store/memory"
)

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	t0      = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
)

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

type fixture struct {
	store   *memory.Store
	ledger  *audit.Ledger
	events  *captureEvents
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	ledger := audit.NewLedger(st.Audit(), testKey, 0)
	events := &captureEvents{}
	tr := NewTracker(st.Blocking(), st, ledger, events, Settings{
		Window:        10 * time.Minute,
		Threshold:     5,
		BlockDuration: 30 * time.Minute,
		StoreTimeout:  time.Second,
	})
	return &fixture{store: st, ledger: ledger, events: events, tracker: tr}
}

func (f *fixture) fail(t *testing.T, ip string, n int, start time.Time, step time.Duration) domain.Outcome {
	t.Helper()
	var out domain.Outcome
	for i := 0; i < n; i++ {
		var err error
		out, err = f.tracker.RecordFailure(context.Background(), ip, domain.KindLogin, "subj-1", start.Add(time.Duration(i)*step))
		if err != nil {
			t.Fatalf("RecordFailure #%d: %v", i+1, err)
		}
	}
	return out
}

func TestRecordFailure_BlocksAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const ip = "203.0.113.5"

	out := f.fail(t, ip, 4, t0, time.Minute)
	if out.Blocked || out.Failures != 4 {
		t.Fatalf("after 4 failures: %+v", out)
	}
	out = f.fail(t, ip, 1, t0.Add(4*time.Minute), 0)
	if !out.Blocked || !out.NewBlock {
		t.Fatalf("5th failure did not block: %+v", out)
	}
	wantUntil := t0.Add(4 * time.Minute).Add(30 * time.Minute)
	if !out.Block.BlockedUntil.Equal(wantUntil) {
		t.Errorf("BlockedUntil = %v, want %v", out.Block.BlockedUntil, wantUntil)
	}
	wantID := domain.IncidentID(ip, t0.Add(4*time.Minute))
	if out.Block.IncidentID != wantID {
		t.Errorf("IncidentID = %q, want %q", out.Block.IncidentID, wantID)
	}

	blocked, b, err := f.tracker.IsBlocked(ctx, ip, t0.Add(5*time.Minute))
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v", blocked, err)
	}
	if b.IncidentID != wantID {
		t.Errorf("IsBlocked incident = %q, want %q", b.IncidentID, wantID)
	}
	if n := f.events.count(notify.EventIPBlocked); n != 1 {
		t.Errorf("ip_blocked events = %d, want 1", n)
	}
	recs, _ := f.ledger.List(ctx, auditdomain.Filter{ActionType: audit.ActionIPBlock})
	if len(recs) != 1 || recs[0].RiskLevel != auditdomain.RiskHigh {
		t.Fatalf("ip.block records = %+v", recs)
	}

	// Further failures while blocked keep the same block.
	out = f.fail(t, ip, 1, t0.Add(6*time.Minute), 0)
	if !out.Blocked || out.NewBlock || out.Block.IncidentID != wantID {
		t.Errorf("failure while blocked: %+v", out)
	}
}

func TestRecordFailure_WindowSlides(t *testing.T) {
	f := newFixture(t)
	out := f.fail(t, "198.51.100.7", 8, t0, 3*time.Minute)
	if out.Blocked {
		t.Fatalf("failures spread over 21m should not block: %+v", out)
	}
	if out.Failures != 4 {
		t.Errorf("Failures in window = %d, want 4", out.Failures)
	}
}

func TestRecordFailure_InvalidIP(t *testing.T) {
	f := newFixture(t)
	for _, ip := range []string{"", "not-an-ip", "203.0.113.5:80"} {
		if _, err := f.tracker.RecordFailure(context.Background(), ip, domain.KindLogin, "", t0); !errors.Is(err, ErrInvalidIP) {
			t.Errorf("RecordFailure(%q) err = %v, want ErrInvalidIP", ip, err)
		}
	}
}

func TestRecordFailure_ConcurrentCallersOneIncident(t *testing.T) {
	f := newFixture(t)
	const ip = "2001:db8::1"
	var wg sync.WaitGroup
	var mu sync.Mutex
	newBlocks := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.tracker.RecordFailure(context.Background(), ip, domain.KindToken, "", t0)
			if err != nil {
				t.Errorf("RecordFailure: %v", err)
				return
			}
			if out.NewBlock {
				mu.Lock()
				newBlocks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if newBlocks != 1 {
		t.Errorf("new blocks = %d, want 1", newBlocks)
	}
	incidents, err := f.tracker.ListIncidents(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if incidents[0].TriggeredBy != "ip:"+ip {
		t.Errorf("TriggeredBy = %q", incidents[0].TriggeredBy)
	}
	blocks, _ := f.tracker.ListBlocks(context.Background(), t0)
	if len(blocks) != 1 {
		t.Errorf("active blocks = %d, want 1", len(blocks))
	}
}

func TestIsBlocked_ExpiresAndLiftsLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const ip = "192.0.2.10"
	f.fail(t, ip, 5, t0, time.Second)
	until := t0.Add(4*time.Second + 30*time.Minute)

	if blocked, _, _ := f.tracker.IsBlocked(ctx, ip, until); !blocked {
		t.Fatal("block should hold at blocked_until")
	}
	if blocked, _, _ := f.tracker.IsBlocked(ctx, ip, until.Add(time.Second)); blocked {
		t.Fatal("block should not hold after blocked_until")
	}
	b, _ := f.store.Blocking().GetBlock(ctx, ip)
	if b == nil || b.LiftedAt == nil {
		t.Fatalf("block not lifted lazily: %+v", b)
	}
}

func TestIsBlocked_UnknownIPConsultsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocked, b, err := f.tracker.IsBlocked(ctx, "192.0.2.55", t0)
	if err != nil || blocked || b != nil {
		t.Fatalf("IsBlocked = %v, %+v, %v", blocked, b, err)
	}
	// A block written by another process is seen on the next check.
	_ = f.store.Blocking().UpsertBlock(ctx, &domain.IPBlock{IP: "192.0.2.55", BlockedUntil: t0.Add(time.Hour), IncidentID: "INC-x"})
	if blocked, _, _ := f.tracker.IsBlocked(ctx, "192.0.2.55", t0); !blocked {
		t.Fatal("store block not observed")
	}
}

func TestResolveIncident(t *testing.T) {
	ctx := context.Background()
	admin := rbac.Identity{Subject: "admin-hash", Role: rbac.RoleAdmin}

	tests := []struct {
		name     string
		resolver rbac.Identity
		wantErr  error
	}{
		{"user role refused", rbac.Identity{Subject: "u", Role: rbac.RoleUser}, ErrNotAuthorized},
		{"unauthenticated refused", rbac.Identity{}, ErrNotAuthorized},
		{"self resolution refused", rbac.Identity{Subject: "subj-1", Role: rbac.RoleSuperAdmin}, ErrSelfResolution},
		{"admin resolves", admin, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.fail(t, "203.0.113.9", 5, t0, time.Second)
			err := f.tracker.ResolveIncident(ctx, out.Block.IncidentID, tt.resolver, "false positive", t0.Add(time.Minute))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolveIncident err = %v, want %v", err, tt.wantErr)
			}
			blocked, _, _ := f.tracker.IsBlocked(ctx, "203.0.113.9", t0.Add(2*time.Minute))
			if blocked != (tt.wantErr != nil) {
				t.Errorf("blocked after resolve = %v", blocked)
			}
		})
	}
}

func TestResolveIncident_TerminalAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := rbac.Identity{Subject: "admin-hash", Role: rbac.RoleAdmin}
	out := f.fail(t, "203.0.113.9", 5, t0, time.Second)

	if err := f.tracker.ResolveIncident(ctx, out.Block.IncidentID, admin, "checked", t0.Add(time.Minute)); err != nil {
		t.Fatalf("ResolveIncident: %v", err)
	}
	if err := f.tracker.ResolveIncident(ctx, out.Block.IncidentID, admin, "again", t0.Add(2*time.Minute)); !errors.Is(err, ErrIncidentResolved) {
		t.Fatalf("second resolve err = %v, want ErrIncidentResolved", err)
	}
	if err := f.tracker.ResolveIncident(ctx, "INC-missing", admin, "", t0); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("missing incident err = %v", err)
	}

	recs, _ := f.ledger.List(ctx, auditdomain.Filter{ActionType: audit.ActionIncidentResolve})
	if len(recs) != 1 {
		t.Fatalf("incident.resolve records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Actor != "admin:admin-hash" || r.BeforeState["blocked"] != true || r.AfterState["blocked"] != false {
		t.Errorf("resolve record = %+v", r)
	}
	open, _ := f.tracker.ListIncidents(ctx, true)
	if len(open) != 0 {
		t.Errorf("open incidents = %d", len(open))
	}

	// A fresh burst opens a new incident rather than reusing the resolved one.
	next := f.fail(t, "203.0.113.9", 5, t0.Add(20*time.Minute), time.Second)
	if !next.NewBlock || next.Block.IncidentID == out.Block.IncidentID {
		t.Errorf("second burst = %+v", next)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fail(t, "192.0.2.1", 5, t0, time.Second)
	f.fail(t, "192.0.2.2", 2, t0.Add(50*time.Minute), time.Second)

	res, err := f.tracker.Sweep(ctx, t0.Add(55*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.FailuresDeleted != 5 || res.BlocksLifted != 1 {
		t.Errorf("Sweep = %+v, want 5 failures and 1 block", res)
	}
	n, _ := f.store.Blocking().CountFailures(ctx, "192.0.2.2", t0)
	if n != 2 {
		t.Errorf("in-window failures removed: %d left", n)
	}
}

func TestNormalizeIP(t *testing.T) {
	got, err := NormalizeIP("2001:DB8:0:0::1")
	if err != nil || got != "2001:db8::1" {
		t.Fatalf("NormalizeIP = %q, %v", got, err)
	}
	if !strings.HasPrefix(domain.IncidentID(got, t0), "INC-20260504093000-") {
		t.Errorf("IncidentID = %q", domain.IncidentID(got, t0))
	}
}
