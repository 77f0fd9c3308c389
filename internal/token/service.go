// Package token issues and verifies capability tokens: HMAC-signed, time-limited credentials
// scoping access to one document for one session.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	"docgate/internal/token/domain"
	tokenrepo "docgate/internal/token/repository"
)

// ErrUnknownResource is returned by Issue when the catalog does not know the resource.
var ErrUnknownResource = errors.New("unknown resource")

// Settings is the immutable token configuration.
type Settings struct {
	// DefaultTTL applies when Issue is called with ttl <= 0.
	DefaultTTL time.Duration
	// SingleUse makes a token valid for one successful verification.
	SingleUse    bool
	StoreTimeout time.Duration
}

// Service is the TokenService.
type Service struct {
	key     []byte
	codec   Codec
	grants  tokenrepo.Repository
	catalog ResourceCatalog
	ledger  audit.Appender
	cfg     Settings
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCodec replaces the wire codec (default VisibleCodec).
func WithCodec(c Codec) Option { return func(s *Service) { s.codec = c } }

// WithClock overrides the time source used for issuance.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService returns a TokenService signing with key (see security.PurposeCapabilityToken).
func NewService(key []byte, grants tokenrepo.Repository, catalog ResourceCatalog, ledger audit.Appender, cfg Settings, opts ...Option) *Service {
	s := &Service{
		key:     append([]byte(nil), key...),
		codec:   VisibleCodec{},
		grants:  grants,
		catalog: catalog,
		ledger:  ledger,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) sign(resourceID, sessionID string, expiresAt time.Time, nonce string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(SignedPayload(resourceID, sessionID, expiresAt, nonce)))
	return m.Sum(nil)
}

// Issue creates a token for resourceID bound to sessionID and records its grant.
// ttl <= 0 means the default TTL. Expiry has one-second resolution.
func (s *Service) Issue(ctx context.Context, resourceID, sessionID string, ttl time.Duration) (*domain.Token, error) {
	if validID(resourceID) != nil || validID(sessionID) != nil {
		return nil, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	known, err := s.catalog.Exists(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("token: catalog: %w", err)
	}
	if !known {
		return nil, ErrUnknownResource
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	t := &domain.Token{
		ResourceID: resourceID,
		SessionID:  sessionID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl).Truncate(time.Second),
		Nonce:      nonce,
	}
	t.Signature = s.sign(t.ResourceID, t.SessionID, t.ExpiresAt, t.Nonce)
	if t.Raw, err = s.codec.Encode(t); err != nil {
		return nil, err
	}
	if err := s.grants.Insert(ctx, &domain.Grant{
		Nonce: nonce, SessionID: sessionID, ResourceID: resourceID, ExpiresAt: t.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("token: grant: %w", err)
	}
	return t, nil
}

// Verify checks raw for use by sessionID on resourceID at now. It fails closed and records
// every attempt in the audit ledger. A successful check whose audit record cannot be written
// is reported as STORE_UNAVAILABLE, and a single-use grant it consumed is released.
func (s *Service) Verify(ctx context.Context, raw, sessionID, resourceID string, now time.Time) domain.Result {
	res, consumed := s.check(ctx, raw, sessionID, resourceID, now)
	actor, ip := audit.ActorFromContext(ctx, "session:"+sessionID)
	outcome := "allowed"
	if !res.OK {
		outcome = "denied"
	}
	_, err := s.ledger.Append(ctx, auditdomain.Record{
		Actor:       actor,
		ActionType:  audit.ActionTokenVerify,
		ResourceRef: "resource:" + resourceID,
		AfterState:  auditdomain.State{"outcome": outcome, "reason": string(res.Reason), "session_id": sessionID},
		RiskLevel:   RiskFor(res.Reason),
		IP:          ip,
		OccurredAt:  now,
	})
	if err != nil {
		log.Printf("token: audit verify for session %s: %v", sessionID, err)
		if res.OK {
			if consumed != "" {
				s.release(ctx, consumed, now)
			}
			return domain.Result{Reason: domain.ReasonStoreUnavailable}
		}
	}
	return res
}

// check returns the verification result and, when it consumed a single-use grant, the
// grant's nonce.
func (s *Service) check(ctx context.Context, raw, sessionID, resourceID string, now time.Time) (domain.Result, string) {
	t, err := s.codec.Decode(raw)
	if err != nil {
		return domain.Result{Reason: domain.ReasonMalformed}, ""
	}
	expected := s.sign(t.ResourceID, t.SessionID, t.ExpiresAt, t.Nonce)
	if !hmac.Equal(expected, t.Signature) {
		return domain.Result{Reason: domain.ReasonBadSignature}, ""
	}
	deny := func(r domain.Reason) (domain.Result, string) {
		return domain.Result{Reason: r, ExpiresAt: t.ExpiresAt}, ""
	}
	if !now.Before(t.ExpiresAt) {
		return deny(domain.ReasonExpired)
	}
	if t.SessionID != sessionID {
		return deny(domain.ReasonSessionMismatch)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	g, err := s.grants.Get(ctx, t.Nonce)
	if err != nil {
		return deny(domain.ReasonStoreUnavailable)
	}
	if g == nil || g.SessionID != sessionID {
		return deny(domain.ReasonSessionMismatch)
	}
	if t.ResourceID != resourceID || g.ResourceID != resourceID {
		return deny(domain.ReasonResourceMismatch)
	}
	known, err := s.catalog.Exists(ctx, resourceID)
	if err != nil {
		return deny(domain.ReasonStoreUnavailable)
	}
	if !known {
		return deny(domain.ReasonUnknownResource)
	}
	var consumed string
	if s.cfg.SingleUse {
		ok, err := s.grants.Consume(ctx, t.Nonce, consumedAt(now))
		if err != nil {
			return deny(domain.ReasonStoreUnavailable)
		}
		if !ok {
			return deny(domain.ReasonAlreadyConsumed)
		}
		consumed = t.Nonce
	}
	return domain.Result{OK: true, Reason: domain.ReasonOK, ExpiresAt: t.ExpiresAt}, consumed
}

// consumedAt is the stored consumption time; Release must match it exactly, so it carries no
// more precision than the store keeps.
func consumedAt(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}

func (s *Service) release(ctx context.Context, nonce string, now time.Time) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.grants.Release(ctx, nonce, consumedAt(now)); err != nil {
		log.Printf("token: release grant %s: %v", nonce, err)
	}
}

// RevokeSessions deletes every grant bound to sessionIDs so their tokens fail verification.
func (s *Service) RevokeSessions(ctx context.Context, sessionIDs []string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.grants.DeleteBySessions(ctx, sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("token: revoke: %w", err)
	}
	return n, nil
}

// SweepExpired deletes grants whose tokens expired before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.grants.DeleteExpired(ctx, now)
}

// RiskFor returns the audit risk level recorded for a verification reason.
func RiskFor(r domain.Reason) auditdomain.RiskLevel {
	switch r {
	case domain.ReasonOK:
		return auditdomain.RiskLow
	case domain.ReasonBadSignature, domain.ReasonSessionMismatch, domain.ReasonResourceMismatch, domain.ReasonAlreadyConsumed:
		return auditdomain.RiskHigh
	default:
		return auditdomain.RiskMedium
	}
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
