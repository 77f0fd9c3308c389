package gate

import (
	auditdomain "docgate/internal/audit/domain"
	sessiondomain "docgate/internal/session/domain"
	tokendomain "docgate/internal/token/domain"
)

// Class groups denial reasons by how they are handled: whether they are audited, at what
// risk, and whether they count as a failure against the caller's IP.
type Class string

const (
	ClassNone Class = ""
	// ClassInputInvalid covers malformed ids and tokens; only logged.
	ClassInputInvalid Class = "INPUT_INVALID"
	// ClassExpired covers tokens and sessions past validity.
	ClassExpired Class = "EXPIRED"
	// ClassIntegrityViolation covers signature and claim mismatches.
	ClassIntegrityViolation Class = "INTEGRITY_VIOLATION"
	// ClassCapacityExceeded covers session caps and active IP blocks.
	ClassCapacityExceeded Class = "CAPACITY_EXCEEDED"
	// ClassStoreUnavailable covers store timeouts and I/O failures; the request fails closed.
	ClassStoreUnavailable Class = "STORE_UNAVAILABLE"
	// ClassDenied covers policy denials: unknown or inactive sessions, binding mismatches, locks.
	ClassDenied Class = "DENIED"
)

// Reason codes produced by the pipeline itself, alongside session and token reasons.
const (
	ReasonOK              = "OK"
	ReasonInvalidInput    = "INVALID_INPUT"
	ReasonIPBlocked       = "IP_BLOCKED"
	ReasonUnknownResource = "UNKNOWN_RESOURCE"
)

// Risk is the audit risk of a denial in class c.
func (c Class) Risk() auditdomain.RiskLevel {
	switch c {
	case ClassIntegrityViolation:
		return auditdomain.RiskHigh
	case ClassCapacityExceeded, ClassDenied:
		return auditdomain.RiskMedium
	default:
		return auditdomain.RiskLow
	}
}

// Audited reports whether denials in class c get an audit record.
func (c Class) Audited() bool {
	return c != ClassInputInvalid && c != ClassNone
}

// CountsAsFailure reports whether a denial in class c is recorded against the caller's IP.
func (c Class) CountsAsFailure() bool {
	switch c {
	case ClassInputInvalid, ClassIntegrityViolation, ClassDenied:
		return true
	}
	return false
}

// ClassOfSession maps a session decision reason to its class.
func ClassOfSession(r sessiondomain.Reason) Class {
	switch r {
	case sessiondomain.ReasonOK:
		return ClassNone
	case sessiondomain.ReasonExpired:
		return ClassExpired
	case sessiondomain.ReasonIntegrityMismatch:
		return ClassIntegrityViolation
	case sessiondomain.ReasonStoreUnavailable:
		return ClassStoreUnavailable
	default:
		return ClassDenied
	}
}

// ClassOfToken maps a token verification reason to its class.
func ClassOfToken(r tokendomain.Reason) Class {
	switch r {
	case tokendomain.ReasonOK:
		return ClassNone
	case tokendomain.ReasonMalformed:
		return ClassInputInvalid
	case tokendomain.ReasonExpired:
		return ClassExpired
	case tokendomain.ReasonBadSignature:
		return ClassIntegrityViolation
	case tokendomain.ReasonAlreadyConsumed:
		return ClassCapacityExceeded
	case tokendomain.ReasonStoreUnavailable:
		return ClassStoreUnavailable
	default:
		return ClassDenied
	}
}
