package domain

import (
	"time"

	"docgate/internal/platform/rbac"
)

// Stage is the authentication stage of a session row.
type Stage string

const (
	// StagePending rows record a completed first factor; they never authorize access and never
	// count against caps.
	StagePending Stage = "pending"
	StageActive  Stage = "active"
)

// Session is the durable record of one authenticated client. The client cookie carries only ID.
type Session struct {
	ID                string
	SubjectHash       string
	Role              rbac.Role
	Stage             Stage
	CreatedAt         time.Time
	ExpiresAt         time.Time
	LastVerifiedAt    time.Time
	IP                string
	DeviceFingerprint string
	IsActive          bool
}

// ExpiredAt reports whether the session has reached its expiry at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Live reports whether the session is an active, unexpired, fully authenticated session.
func (s *Session) Live(now time.Time) bool {
	return s != nil && s.IsActive && s.Stage == StageActive && !s.ExpiredAt(now)
}

// SubjectLock blocks session creation for a subject until an admin releases it.
type SubjectLock struct {
	SubjectHash string
	LockedAt    time.Time
	Reason      string
	LockedBy    string
	ReleasedAt  *time.Time
	ReleasedBy  string
}

// Held reports whether the lock is still in force.
func (l *SubjectLock) Held() bool {
	return l != nil && l.ReleasedAt == nil
}

// Factor names an authentication factor.
type Factor string

const (
	FactorFirst  Factor = "first"
	FactorSecond Factor = "second"
)

// Assertion is what the external identity provider reports after authenticating a subject.
// Completed lists the factors in the order they were completed.
type Assertion struct {
	SubjectHash string
	Role        rbac.Role
	Factor1OK   bool
	Factor2OK   bool
	Completed   []Factor
}

// InOrder reports whether both factors succeeded, first then second, and nothing else.
func (a Assertion) InOrder() bool {
	return a.Factor1OK && a.Factor2OK &&
		len(a.Completed) == 2 && a.Completed[0] == FactorFirst && a.Completed[1] == FactorSecond
}

// Reason classifies a session decision.
type Reason string

const (
	ReasonOK                Reason = "OK"
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonInactive          Reason = "INACTIVE"
	ReasonExpired           Reason = "EXPIRED"
	ReasonDeviceMismatch    Reason = "DEVICE_MISMATCH"
	ReasonIPMismatch        Reason = "IP_MISMATCH"
	ReasonSubjectLocked     Reason = "SUBJECT_LOCKED"
	ReasonIntegrityMismatch Reason = "INTEGRITY_MISMATCH"
	ReasonStoreUnavailable  Reason = "STORE_UNAVAILABLE"
)

// Decision is the outcome of Verify and CheckIntegrity.
type Decision struct {
	OK      bool
	Reason  Reason
	Session *Session
}

// Claim is the session state a caller presents (e.g. from its bearer token) for cross-checking
// against the durable record.
type Claim struct {
	SessionID   string
	SubjectHash string
	Role        rbac.Role
	CreatedAt   time.Time
}

// ScopeKind selects which sessions InvalidateAll removes.
type ScopeKind string

const (
	ScopeAll     ScopeKind = "all"
	ScopeRole    ScopeKind = "role"
	ScopeSubject ScopeKind = "subject"
	ScopeSession ScopeKind = "session"
)

// Scope is an invalidation target. Only the field matching Kind is read.
type Scope struct {
	Kind        ScopeKind
	Role        rbac.Role
	SubjectHash string
	SessionID   string
}

// Matches reports whether s falls inside the scope.
func (sc Scope) Matches(s *Session) bool {
	switch sc.Kind {
	case ScopeAll:
		return true
	case ScopeRole:
		return s.Role == sc.Role
	case ScopeSubject:
		return s.SubjectHash == sc.SubjectHash
	case ScopeSession:
		return s.ID == sc.SessionID
	}
	return false
}
