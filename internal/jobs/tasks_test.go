package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docgate/internal/anomaly"
	auditdomain "docgate/internal/audit/domain"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/notify"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBlocks struct {
	res blockdomain.SweepResult
	err error
	at  time.Time
}

func (f *fakeBlocks) Sweep(_ context.Context, now time.Time) (blockdomain.SweepResult, error) {
	f.at = now
	return f.res, f.err
}

type fakeSessions struct{ n int }

func (f *fakeSessions) SweepExpired(context.Context, time.Time) (int, error) { return f.n, nil }

type fakeGrants struct{ err error }

func (f *fakeGrants) SweepExpired(context.Context, time.Time) (int64, error) { return 0, f.err }

type fakeScanner struct{ rep anomaly.ScanReport }

func (f *fakeScanner) Run(context.Context, time.Time) (anomaly.ScanReport, error) { return f.rep, nil }

type fakeRetainer struct{ cutoff time.Time }

func (f *fakeRetainer) Retain(_ context.Context, olderThan time.Time) (int64, error) {
	f.cutoff = olderThan
	return 4, nil
}

// fakeLedger serves VerifyBatch over ids with invalid marking bad ones.
type fakeLedger struct {
	mu      sync.Mutex
	ids     []string
	invalid map[string]bool
	calls   []string
	err     error
}

func (f *fakeLedger) VerifyBatch(_ context.Context, afterID string, limit int) (auditdomain.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, afterID)
	if f.err != nil {
		return auditdomain.BatchResult{}, f.err
	}
	var res auditdomain.BatchResult
	for _, id := range f.ids {
		if id <= afterID || res.Checked == limit {
			continue
		}
		res.Checked++
		res.LastID = id
		if f.invalid[id] {
			res.Invalid++
			res.InvalidIDs = append(res.InvalidIDs, id)
		} else {
			res.Valid++
		}
	}
	return res, nil
}

type fakeAppender struct {
	mu   sync.Mutex
	recs []auditdomain.Record
}

func (f *fakeAppender) Append(_ context.Context, r auditdomain.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, r)
	return "id", nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, e notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func TestMaintenanceJobs(t *testing.T) {
	ctx := context.Background()
	blocks := &fakeBlocks{res: blockdomain.SweepResult{FailuresDeleted: 2, BlocksLifted: 1}}
	if err := BlockSweep(blocks, time.Minute).Run(ctx, t0); err != nil {
		t.Fatalf("block sweep: %v", err)
	}
	if !blocks.at.Equal(t0) {
		t.Errorf("sweep at %v, want %v", blocks.at, t0)
	}
	blocks.err = errors.New("store down")
	if err := BlockSweep(blocks, time.Minute).Run(ctx, t0); err == nil {
		t.Error("block sweep error not returned")
	}
	if err := SessionSweep(&fakeSessions{n: 3}, time.Minute).Run(ctx, t0); err != nil {
		t.Errorf("session sweep: %v", err)
	}
	if err := GrantSweep(&fakeGrants{err: errors.New("x")}, time.Minute).Run(ctx, t0); err == nil {
		t.Error("grant sweep error not returned")
	}
	if err := AnomalyScan(&fakeScanner{rep: anomaly.ScanReport{Scanned: 2, Alerts: 1}}, time.Minute).Run(ctx, t0); err != nil {
		t.Errorf("anomaly scan: %v", err)
	}
	ret := &fakeRetainer{}
	if err := AuditRetention(ret, 90*24*time.Hour, time.Hour).Run(ctx, t0); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if want := t0.Add(-90 * 24 * time.Hour); !ret.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", ret.cutoff, want)
	}
}

func TestJobNames(t *testing.T) {
	v := NewVerifier(&fakeLedger{}, &fakeAppender{}, nil, 10)
	jobs := []Job{
		BlockSweep(&fakeBlocks{}, time.Minute),
		SessionSweep(&fakeSessions{}, time.Minute),
		GrantSweep(&fakeGrants{}, time.Minute),
		AnomalyScan(&fakeScanner{}, time.Minute),
		AuditRetention(&fakeRetainer{}, time.Hour, time.Hour),
		v.Job(time.Minute),
	}
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.Name == "" || seen[j.Name] {
			t.Errorf("job name %q empty or duplicated", j.Name)
		}
		seen[j.Name] = true
		if j.Interval <= 0 || j.Run == nil {
			t.Errorf("%s: incomplete job", j.Name)
		}
	}
}

func TestVerifier_WalksAndWraps(t *testing.T) {
	led := &fakeLedger{ids: []string{"a", "b", "c", "d", "e"}}
	v := NewVerifier(led, &fakeAppender{}, nil, 2)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := v.Step(ctx, t0); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	want := []string{"", "b", "d", ""}
	for i, w := range want {
		if led.calls[i] != w {
			t.Errorf("call %d after = %q, want %q", i, led.calls[i], w)
		}
	}
}

func TestVerifier_InvalidRaisesAlert(t *testing.T) {
	led := &fakeLedger{ids: []string{"a", "b", "c"}, invalid: map[string]bool{"b": true}}
	sink := &fakeAppender{}
	events := &fakeBroadcaster{}
	v := NewVerifier(led, sink, events, 10)
	res, err := v.Step(context.Background(), t0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Invalid != 1 || res.InvalidIDs[0] != "b" {
		t.Fatalf("result = %+v", res)
	}
	if len(sink.recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.RiskLevel != auditdomain.RiskCritical || rec.ActionType != "audit.integrity_scan" {
		t.Errorf("record = %+v", rec)
	}
	if len(events.events) != 1 || events.events[0].Type != notify.EventIntegrityAlert {
		t.Fatalf("events = %+v", events.events)
	}
	if events.events[0].Attributes["first_invalid_id"] != "b" {
		t.Errorf("attributes = %v", events.events[0].Attributes)
	}
}

func TestVerifier_CleanBatchIsQuiet(t *testing.T) {
	sink := &fakeAppender{}
	events := &fakeBroadcaster{}
	v := NewVerifier(&fakeLedger{ids: []string{"a"}}, sink, events, 10)
	if _, err := v.Step(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	if len(sink.recs) != 0 || len(events.events) != 0 {
		t.Errorf("records %d events %d, want none", len(sink.recs), len(events.events))
	}
}

func TestVerifier_ErrorKeepsCursor(t *testing.T) {
	led := &fakeLedger{ids: []string{"a", "b", "c"}}
	v := NewVerifier(led, &fakeAppender{}, nil, 2)
	ctx := context.Background()
	if _, err := v.Step(ctx, t0); err != nil {
		t.Fatal(err)
	}
	led.err = errors.New("store down")
	if _, err := v.Step(ctx, t0); err == nil {
		t.Fatal("expected error")
	}
	led.err = nil
	if _, err := v.Step(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if got := led.calls[2]; got != "b" {
		t.Errorf("resume after = %q, want b", got)
	}
}
