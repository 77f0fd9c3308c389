package audit

import (
	"testing"
	"time"

	"docgate/internal/audit/domain"
)

func sampleRecord() *domain.Record {
	return &domain.Record{
		ID:          "r1",
		Actor:       "admin:alice",
		ActionType:  "incident.resolve",
		ResourceRef: "incident:INC-1",
		BeforeState: domain.State{"blocked": true, "nested": map[string]any{"b": 2, "a": 1}},
		AfterState:  domain.State{"blocked": false},
		OccurredAt:  time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC),
	}
}

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.BeforeState = domain.State{"nested": map[string]any{"a": 1, "b": 2}, "blocked": true}
	ca, err := Canonical(a)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	cb, _ := Canonical(b)
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonical_TimePrecisionAndZone(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.OccurredAt = a.OccurredAt.Truncate(time.Microsecond).In(time.FixedZone("X", 3600))
	ca, _ := Canonical(a)
	cb, _ := Canonical(b)
	if string(ca) != string(cb) {
		t.Error("canonical time should be UTC with microsecond precision")
	}
}

func TestChecksummer_SumStableAndKeyed(t *testing.T) {
	r := sampleRecord()
	c := NewChecksummer(testKey)
	s1, err := c.Sum(r)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	s2, _ := c.Sum(r)
	if s1 != s2 {
		t.Error("Sum should be idempotent")
	}
	other, _ := NewChecksummer([]byte("another-key-0123456789abcdefghij")).Sum(r)
	if other == s1 {
		t.Error("different keys should produce different checksums")
	}
}

func TestChecksummer_CoveredFields(t *testing.T) {
	c := NewChecksummer(testKey)
	base := sampleRecord()
	base.Checksum, _ = c.Sum(base)

	mutations := map[string]func(r *domain.Record){
		"actor":        func(r *domain.Record) { r.Actor = "admin:mallory" },
		"action_type":  func(r *domain.Record) { r.ActionType = "incident.reopen" },
		"resource_ref": func(r *domain.Record) { r.ResourceRef = "incident:INC-2" },
		"occurred_at":  func(r *domain.Record) { r.OccurredAt = r.OccurredAt.Add(time.Second) },
		"before_state": func(r *domain.Record) { r.BeforeState["blocked"] = false },
		"after_state":  func(r *domain.Record) { r.AfterState = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := sampleRecord()
			r.Checksum = base.Checksum
			mutate(r)
			if c.Verify(r).Valid {
				t.Errorf("mutating %s should invalidate the checksum", name)
			}
		})
	}
}

func TestNormalizeState_StorageRoundTrip(t *testing.T) {
	type block struct {
		IP    string `json:"ip"`
		Count int    `json:"count"`
	}
	r := sampleRecord()
	r.AfterState = domain.State{"block": block{IP: "203.0.113.5", Count: 5}, "until": 1.5}
	c := NewChecksummer(testKey)
	sum, _ := c.Sum(r)

	text, ok, err := domain.EncodeState(r.AfterState)
	if err != nil || !ok {
		t.Fatalf("EncodeState: %v %v", ok, err)
	}
	decoded, err := domain.DecodeState(text)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	r.AfterState = decoded
	again, _ := c.Sum(r)
	if sum != again {
		t.Error("checksum should survive the storage encoding")
	}
}
