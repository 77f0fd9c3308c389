package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ScanReport summarizes one scanner pass.
type ScanReport struct {
	Scanned int
	Alerts  int
	Locks   int
	Errors  int
}

// Scanner evaluates every subject active within the scoring window.
type Scanner struct {
	scorer *Scorer
}

// NewScanner returns a Scanner driving scorer.
func NewScanner(scorer *Scorer) *Scanner {
	return &Scanner{scorer: scorer}
}

// Run evaluates each session subject with audit records in the window ending at now. A failure
// on one subject is logged and does not stop the pass.
func (s *Scanner) Run(ctx context.Context, now time.Time) (ScanReport, error) {
	var rep ScanReport
	actors, err := s.scorer.records.ActorsSince(ctx, now.Add(-s.scorer.cfg.Window))
	if err != nil {
		return rep, fmt.Errorf("anomaly: list actors: %w", err)
	}
	for _, actor := range actors {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, _, ok := ParseActor(actor); !ok {
			continue
		}
		rep.Scanned++
		d, err := s.scorer.Evaluate(ctx, actor, now)
		if err != nil && !errors.Is(err, ErrUnscorable) {
			log.Printf("anomaly: evaluate %s: %v", actor, err)
			rep.Errors++
			continue
		}
		if d.Alerted {
			rep.Alerts++
		}
		if d.Locked {
			rep.Locks++
		}
	}
	return rep, nil
}
