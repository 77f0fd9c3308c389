package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"docgate/internal/audit/domain"
)

var testKey = []byte("audit-test-key-0123456789abcdef!")

// memRecordRepo implements repository.Repository for tests.
type memRecordRepo struct {
	mu        sync.Mutex
	byID      map[string]*domain.Record
	insertErr error
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{byID: map[string]*domain.Record{}}
}

func (m *memRecordRepo) Insert(ctx context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memRecordRepo) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRecordRepo) sorted() []*domain.Record {
	out := make([]*domain.Record, 0, len(m.byID))
	for _, r := range m.byID {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memRecordRepo) List(ctx context.Context, f domain.Filter) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, r := range m.sorted() {
		if f.Actor != "" && r.Actor != f.Actor {
			continue
		}
		if f.ActionType != "" && r.ActionType != f.ActionType {
			continue
		}
		if f.MinRisk.Valid() && !r.RiskLevel.AtLeast(f.MinRisk) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memRecordRepo) ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, r := range m.sorted() {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecordRepo) ListActorsSince(ctx context.Context, since time.Time) ([]string, error) {
	return nil, nil
}

func (m *memRecordRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.byID {
		if r.OccurredAt.Before(before) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *memRecordRepo) tamper(id string, fn func(r *domain.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.byID[id])
}

func TestLedger_AppendAndVerifyOne(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, time.Second)
	ctx := context.Background()

	id, err := l.Append(ctx, domain.Record{
		Actor:       "admin:alice",
		ActionType:  ActionIncidentResolve,
		ResourceRef: "incident:INC-1",
		BeforeState: domain.State{"blocked": true, "attempts": 5},
		AfterState:  domain.State{"blocked": false},
		RiskLevel:   domain.RiskMedium,
		Notes:       "false positive",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	for i := 0; i < 2; i++ {
		v, err := l.VerifyOne(ctx, id)
		if err != nil {
			t.Fatalf("VerifyOne: %v", err)
		}
		if !v.Valid || v.ExpectedChecksum != v.ActualChecksum {
			t.Fatalf("untouched record should verify: %+v", v)
		}
	}
}

func TestLedger_TamperedBeforeStateDetected(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	id, err := l.Append(ctx, domain.Record{
		Actor:       "admin:alice",
		ActionType:  ActionIncidentResolve,
		BeforeState: domain.State{"blocked": true},
		AfterState:  domain.State{"blocked": false},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	repo.tamper(id, func(r *domain.Record) {
		r.BeforeState = domain.State{"blocked": false}
	})

	v, err := l.VerifyOne(ctx, id)
	if err != nil {
		t.Fatalf("VerifyOne: %v", err)
	}
	if v.Valid {
		t.Fatal("tampered record should not verify")
	}
	if v.ExpectedChecksum == v.ActualChecksum {
		t.Errorf("checksums should differ: %+v", v)
	}
}

func TestLedger_NotesNotCovered(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	id, _ := l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", Notes: "original"})
	repo.tamper(id, func(r *domain.Record) {
		r.Notes = "edited"
		r.IP = "10.0.0.1"
	})
	v, _ := l.VerifyOne(ctx, id)
	if !v.Valid {
		t.Error("notes and ip are not covered by the checksum")
	}
}

func TestLedger_AppendValidation(t *testing.T) {
	l := NewLedger(newMemRecordRepo(), testKey, 0)
	ctx := context.Background()
	tests := []struct {
		name string
		rec  domain.Record
	}{
		{"missing actor", domain.Record{ActionType: "x"}},
		{"missing action", domain.Record{Actor: "a"}},
		{"bad risk", domain.Record{Actor: "a", ActionType: "x", RiskLevel: "severe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Append(ctx, tt.rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Append: want ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestLedger_AppendStoreFailure(t *testing.T) {
	repo := newMemRecordRepo()
	repo.insertErr = errors.New("connection refused")
	l := NewLedger(repo, testKey, 0)
	if _, err := l.Append(context.Background(), domain.Record{Actor: "a", ActionType: "x"}); err == nil {
		t.Fatal("Append should surface store failure")
	}
}

func TestLedger_VerifyOneNotFound(t *testing.T) {
	l := NewLedger(newMemRecordRepo(), testKey, 0)
	ctx := context.Background()
	for _, id := range []string{"not-a-uuid", "0190b6c4-0000-7000-8000-000000000000"} {
		if _, err := l.VerifyOne(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("VerifyOne(%q): want ErrNotFound, got %v", id, err)
		}
	}
}

func TestLedger_VerifyBatchPaginates(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 7; i++ {
		id, err := l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", AfterState: domain.State{"i": i}})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}
	repo.tamper(ids[4], func(r *domain.Record) { r.Actor = "b" })

	first, err := l.VerifyBatch(ctx, "", 5)
	if err != nil {
		t.Fatalf("VerifyBatch: %v", err)
	}
	if first.Checked != 5 || first.Invalid != 1 || first.Valid != 4 {
		t.Errorf("first batch = %+v", first)
	}
	second, err := l.VerifyBatch(ctx, first.LastID, 5)
	if err != nil {
		t.Fatalf("VerifyBatch: %v", err)
	}
	if second.Checked != 2 || second.Invalid != 0 {
		t.Errorf("second batch = %+v", second)
	}

	all, err := l.VerifyAll(ctx, 3)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if all.Checked != 7 || all.Invalid != 1 || len(all.InvalidIDs) != 1 || all.InvalidIDs[0] != ids[4] {
		t.Errorf("VerifyAll = %+v", all)
	}
	again, _ := l.VerifyAll(ctx, 2)
	if again.Checked != all.Checked || again.Invalid != all.Invalid {
		t.Error("VerifyAll should be deterministic across batch sizes")
	}
}

func TestLedger_Correct(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	orig, _ := l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", ResourceRef: "ip:1.2.3.4"})

	id, err := l.Correct(ctx, orig, domain.Record{Actor: "admin:bob", ActionType: "x.correction", Notes: "wrong ip"})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	got, _ := repo.GetByID(ctx, id)
	if got.CorrectsID != orig || got.ResourceRef != "ip:1.2.3.4" {
		t.Errorf("correction = %+v", got)
	}
	if v, _ := l.VerifyOne(ctx, orig); !v.Valid {
		t.Error("original should remain untouched")
	}
	if _, err := l.Correct(ctx, "0190b6c4-0000-7000-8000-000000000000", domain.Record{Actor: "a", ActionType: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Correct missing: want ErrNotFound, got %v", err)
	}
}

func TestLedger_Retain(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, _ = l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", OccurredAt: now.AddDate(-2, 0, 0)})
	_, _ = l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", OccurredAt: now})

	n, err := l.Retain(ctx, now.AddDate(-1, 0, 0))
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if n != 1 {
		t.Errorf("Retain removed %d, want 1", n)
	}
}

func TestLedger_RetainLeavesCorrectionsUntouched(t *testing.T) {
	repo := newMemRecordRepo()
	l := NewLedger(repo, testKey, 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orig, _ := l.Append(ctx, domain.Record{Actor: "a", ActionType: "x", OccurredAt: now.AddDate(-2, 0, 0)})
	fix, err := l.Correct(ctx, orig, domain.Record{Actor: "admin:bob", ActionType: "x.correction", OccurredAt: now})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}

	if _, err := l.Retain(ctx, now.AddDate(-1, 0, 0)); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	got, _ := repo.GetByID(ctx, fix)
	if got == nil || got.CorrectsID != orig {
		t.Fatalf("correction after retention = %+v, want corrects_id %s", got, orig)
	}
	if v, _ := l.VerifyOne(ctx, fix); !v.Valid {
		t.Error("correction should still verify after its original is retained away")
	}
}
