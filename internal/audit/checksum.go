package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"docgate/internal/audit/domain"
)

// Checksummer computes record checksums with a key derived from the master secret.
type Checksummer struct {
	key []byte
}

// NewChecksummer returns a Checksummer using key (see security.DeriveKey with PurposeAuditChecksum).
func NewChecksummer(key []byte) *Checksummer {
	return &Checksummer{key: append([]byte(nil), key...)}
}

// CanonicalTime is the timestamp form covered by the checksum: UTC, microsecond precision.
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Canonical returns the serialized covered subset of r. json.Marshal sorts map keys at every
// level, so the result does not depend on the order states were built in.
func Canonical(r *domain.Record) ([]byte, error) {
	before, err := domain.NormalizeState(r.BeforeState)
	if err != nil {
		return nil, err
	}
	after, err := domain.NormalizeState(r.AfterState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"actor":        r.Actor,
		"action_type":  r.ActionType,
		"occurred_at":  CanonicalTime(r.OccurredAt).Format(time.RFC3339Nano),
		"resource_ref": r.ResourceRef,
		"before_state": before,
		"after_state":  after,
	})
}

// Sum returns the hex HMAC-SHA256 of r's canonical form.
func (c *Checksummer) Sum(r *domain.Record) (string, error) {
	b, err := Canonical(r)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, c.key)
	m.Write(b)
	return hex.EncodeToString(m.Sum(nil)), nil
}

// Verify recomputes r's checksum and compares it with the stored one in constant time.
func (c *Checksummer) Verify(r *domain.Record) domain.Verification {
	v := domain.Verification{ID: r.ID, ActualChecksum: r.Checksum}
	expected, err := c.Sum(r)
	if err != nil {
		return v
	}
	v.ExpectedChecksum = expected
	v.Valid = hmac.Equal([]byte(expected), []byte(r.Checksum))
	return v
}
