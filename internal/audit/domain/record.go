package domain

import "time"

// RiskLevel classifies how concerning an audited action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is as severe as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// Max returns the more severe of r and other.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Valid() && riskRank[other] > riskRank[r] {
		return other
	}
	return r
}

// Record is one append-only audit entry. Checksum covers Actor, ActionType, OccurredAt,
// ResourceRef, BeforeState and AfterState; IP and Notes are informational only.
type Record struct {
	ID          string
	Actor       string
	ActionType  string
	ResourceRef string
	BeforeState State
	AfterState  State
	RiskLevel   RiskLevel
	IP          string
	Notes       string
	OccurredAt  time.Time
	Checksum    string
	// CorrectsID references the record this one corrects; empty for ordinary records.
	CorrectsID string
}

// Filter selects records for listing. Zero values mean "no constraint".
type Filter struct {
	Actor      string
	ActionType string
	MinRisk    RiskLevel
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Verification is the result of recomputing one record's checksum.
type Verification struct {
	ID               string
	Valid            bool
	ExpectedChecksum string
	ActualChecksum   string
}

// BatchResult summarizes a keyset-paginated verification pass.
type BatchResult struct {
	Checked    int
	Valid      int
	Invalid    int
	InvalidIDs []string
	// LastID is the id to resume from.
	LastID string
}
