package anomaly

import (
	"math"
	"time"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	tokendomain "docgate/internal/token/domain"
)

// Factor names and caps. Each factor is capped before summation so no single signal can carry a
// subject past the thresholds alone.
const (
	FactorFrequency     = "frequency"
	FactorHighRisk      = "high_risk_proportion"
	FactorOffHours      = "off_hours"
	FactorDistinctIPs   = "distinct_ip_churn"
	FactorFailureRatio  = "failure_ratio"
	capFrequency        = 25.0
	capHighRisk         = 25.0
	capOffHours         = 15.0
	capDistinctIPs      = 20.0
	capFailureRatio     = 15.0
	pointsPerExtraIP    = 5.0
	defaultBaselinePerH = 30.0
)

// failureWeights ranks token verification failures by how strongly they suggest abuse.
var failureWeights = map[tokendomain.Reason]float64{
	tokendomain.ReasonBadSignature:     1.0,
	tokendomain.ReasonSessionMismatch:  0.8,
	tokendomain.ReasonAlreadyConsumed:  0.7,
	tokendomain.ReasonResourceMismatch: 0.6,
	tokendomain.ReasonUnknownResource:  0.5,
	tokendomain.ReasonMalformed:        0.4,
	tokendomain.ReasonExpired:          0.2,
}

// FailureWeight returns the anomaly weight of a token failure reason; unlisted reasons weigh 0.5.
func FailureWeight(reason tokendomain.Reason) float64 {
	if w, ok := failureWeights[reason]; ok {
		return w
	}
	return 0.5
}

// Factor is one weighted contribution to a score.
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Cap    float64 `json:"cap"`
	Detail string  `json:"detail,omitempty"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// frequency scores the operation rate above baseline, reaching the cap at four times baseline.
func frequency(n int, window time.Duration, baselinePerHour float64) float64 {
	if n == 0 || window <= 0 || baselinePerHour <= 0 {
		return 0
	}
	rate := float64(n) / window.Hours()
	if rate <= baselinePerHour {
		return 0
	}
	return clamp(capFrequency*(rate-baselinePerHour)/(3*baselinePerHour), 0, capFrequency)
}

func highRisk(recs []*auditdomain.Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	n := 0
	for _, r := range recs {
		if r.RiskLevel.AtLeast(auditdomain.RiskHigh) {
			n++
		}
	}
	return capHighRisk * float64(n) / float64(len(recs))
}

// BusinessHours is the local window considered normal working time: [Start, End) in Location.
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside business hours.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	if b.Start <= b.End {
		return h >= b.Start && h < b.End
	}
	return h >= b.Start || h < b.End
}

func offHours(recs []*auditdomain.Record, bh BusinessHours) float64 {
	if len(recs) == 0 {
		return 0
	}
	n := 0
	for _, r := range recs {
		if !bh.Contains(r.OccurredAt) {
			n++
		}
	}
	return capOffHours * float64(n) / float64(len(recs))
}

func distinctIPs(ips map[string]struct{}) float64 {
	if len(ips) <= 1 {
		return 0
	}
	return clamp(float64(len(ips)-1)*pointsPerExtraIP, 0, capDistinctIPs)
}

// failureRatio weights denied token verifications by reason over all verifications.
func failureRatio(recs []*auditdomain.Record) (float64, int, int) {
	var total, denied int
	var weighted float64
	for _, r := range recs {
		if r.ActionType != audit.ActionTokenVerify {
			continue
		}
		total++
		if outcome, _ := r.AfterState["outcome"].(string); outcome != "denied" {
			continue
		}
		denied++
		reason, _ := r.AfterState["reason"].(string)
		weighted += FailureWeight(tokendomain.Reason(reason))
	}
	if total == 0 {
		return 0, 0, 0
	}
	return clamp(capFailureRatio*weighted/float64(total), 0, capFailureRatio), denied, total
}
