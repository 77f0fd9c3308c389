package domain

import "time"

// Token is a capability token granting one session access to one resource until ExpiresAt.
// Only Grant is persisted; the token itself is derived and handed to the client.
type Token struct {
	ResourceID string
	SessionID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Nonce      string
	Signature  []byte
	// Raw is the wire form handed to the client.
	Raw string
}

// Grant is the persisted trace of an issued token. Deleting it revokes the token.
type Grant struct {
	Nonce      string
	SessionID  string
	ResourceID string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Reason classifies a verification outcome.
type Reason string

const (
	ReasonOK               Reason = "OK"
	ReasonMalformed        Reason = "MALFORMED"
	ReasonBadSignature     Reason = "BAD_SIGNATURE"
	ReasonExpired          Reason = "EXPIRED"
	ReasonSessionMismatch  Reason = "SESSION_MISMATCH"
	ReasonResourceMismatch Reason = "RESOURCE_MISMATCH"
	ReasonUnknownResource  Reason = "UNKNOWN_RESOURCE"
	ReasonAlreadyConsumed  Reason = "ALREADY_CONSUMED"
	ReasonStoreUnavailable Reason = "STORE_UNAVAILABLE"
)

// Result is the outcome of Verify. OK is true only with ReasonOK.
type Result struct {
	OK     bool
	Reason Reason
	// ExpiresAt is set whenever the token decoded and its signature matched.
	ExpiresAt time.Time
}
