package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Failure kinds recorded against an IP.
const (
	KindLogin        = "login"
	KindSecondFactor = "second_factor"
	KindToken        = "token"
	KindSession      = "session"
)

// FailureRecord is one failed attempt from an IP. Records are pruned once outside the window.
type FailureRecord struct {
	ID          string
	IP          string
	OccurredAt  time.Time
	Kind        string
	SubjectHash string
}

// IPBlock is the block row for an IP. At most one row exists per IP; it is active until
// BlockedUntil passes or it is lifted.
type IPBlock struct {
	IP           string
	BlockedUntil time.Time
	Reason       string
	IncidentID   string
	TriggeredBy  string
	CreatedAt    time.Time
	LiftedAt     *time.Time
}

// ActiveAt reports whether the block still denies at now. A block whose BlockedUntil has
// passed is not active.
func (b *IPBlock) ActiveAt(now time.Time) bool {
	return b != nil && b.LiftedAt == nil && !now.After(b.BlockedUntil)
}

// Incident tracks one block from creation to resolution. Resolution is terminal.
type Incident struct {
	IncidentID  string
	IP          string
	CreatedAt   time.Time
	TriggeredBy string
	Resolved    bool
	ResolvedBy  string
	ResolvedAt  *time.Time
	Notes       string
}

// IncidentID derives the incident id for a block on ip created at: "INC-" + UTC timestamp to
// the second + "-" + first 8 hex digits of SHA-256(ip).
func IncidentID(ip string, at time.Time) string {
	sum := sha256.Sum256([]byte(ip))
	return "INC-" + at.UTC().Format("20060102150405") + "-" + hex.EncodeToString(sum[:])[:8]
}

// Outcome is the result of recording a failure.
type Outcome struct {
	// Failures is the number of failures from the IP inside the window, this one included.
	Failures int
	Blocked  bool
	// NewBlock is true only for the call that created the block.
	NewBlock bool
	Block    *IPBlock
}

// SweepResult reports what a maintenance sweep reclaimed.
type SweepResult struct {
	FailuresDeleted int64
	BlocksLifted    int64
}
