package anomaly

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.docgate.anomaly.decision"

// Default response policy: alert at the alert threshold, lock at the lock threshold except for
// super_admin subjects, who are only alerted on so the last operator cannot be locked out.
const defaultRegoPolicy = `package docgate.anomaly

default alert := false
default lock := false
default reason := ""

alert if {
	input.score >= input.thresholds.alert
}

lock if {
	input.score >= input.thresholds.lock
	input.role != "super_admin"
}

reason := "lock threshold reached" if {
	lock
}

reason := "alert threshold reached" if {
	alert
	not lock
}

decision := {"alert": alert, "lock": lock, "reason": reason}
`

// PolicyInput is what the response policy sees for one scored subject.
type PolicyInput struct {
	Score          float64
	Role           string
	Factors        []Factor
	AlertThreshold float64
	LockThreshold  float64
}

func (in PolicyInput) toMap() map[string]interface{} {
	factors := make(map[string]interface{}, len(in.Factors))
	for _, f := range in.Factors {
		factors[f.Name] = f.Value
	}
	return map[string]interface{}{
		"score":   in.Score,
		"role":    in.Role,
		"factors": factors,
		"thresholds": map[string]interface{}{
			"alert": in.AlertThreshold,
			"lock":  in.LockThreshold,
		},
	}
}

// Response is the action the policy selects.
type Response struct {
	Alert  bool
	Lock   bool
	Reason string
}

// ResponsePolicy decides how to respond to a score.
type ResponsePolicy interface {
	Decide(ctx context.Context, in PolicyInput) (Response, error)
}

// ThresholdPolicy is the built-in response policy, used when Rego evaluation fails.
type ThresholdPolicy struct{}

func (ThresholdPolicy) Decide(_ context.Context, in PolicyInput) (Response, error) {
	var r Response
	r.Alert = in.Score >= in.AlertThreshold
	r.Lock = in.Score >= in.LockThreshold && in.Role != "super_admin"
	switch {
	case r.Lock:
		r.Reason = "lock threshold reached"
	case r.Alert:
		r.Reason = "alert threshold reached"
	}
	return r, nil
}

// OPAPolicy evaluates the response decision with an OPA Rego module.
type OPAPolicy struct {
	query rego.PreparedEvalQuery
}

// NewOPAPolicy compiles source (the default policy when empty). The module must define
// data.docgate.anomaly.decision as an object with alert, lock and reason.
func NewOPAPolicy(ctx context.Context, source string) (*OPAPolicy, error) {
	if source == "" {
		source = defaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"anomaly.rego": source})
	if err != nil {
		return nil, fmt.Errorf("compile anomaly policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare anomaly policy: %w", err)
	}
	return &OPAPolicy{query: pq}, nil
}

// LoadOPAPolicy reads a Rego module from path; an empty path selects the default policy.
func LoadOPAPolicy(ctx context.Context, path string) (*OPAPolicy, error) {
	if path == "" {
		return NewOPAPolicy(ctx, "")
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read anomaly policy: %w", err)
	}
	return NewOPAPolicy(ctx, string(src))
}

// HealthCheck evaluates the policy on a fixed input.
func (p *OPAPolicy) HealthCheck(ctx context.Context) error {
	_, err := p.Decide(ctx, PolicyInput{Score: 0, Role: "user", AlertThreshold: 60, LockThreshold: 85})
	return err
}

func (p *OPAPolicy) Decide(ctx context.Context, in PolicyInput) (Response, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return Response{}, fmt.Errorf("eval anomaly policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Response{}, fmt.Errorf("anomaly policy returned no decision")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Response{}, fmt.Errorf("anomaly policy decision is %T, want object", rs[0].Expressions[0].Value)
	}
	var r Response
	r.Alert, _ = obj["alert"].(bool)
	r.Lock, _ = obj["lock"].(bool)
	r.Reason, _ = obj["reason"].(string)
	return r, nil
}
