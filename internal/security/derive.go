package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the minimum accepted master secret length in bytes.
const MinSecretLen = 32

// Key derivation labels. Changing a label invalidates every value derived under it.
const (
	PurposeCapabilityToken = "docgate/capability-token/v1"
	PurposeAuditChecksum   = "docgate/audit-checksum/v1"
	PurposeSubjectHash     = "docgate/subject-hash/v1"
)

// ErrWeakSecret is returned when the master secret is shorter than MinSecretLen.
var ErrWeakSecret = errors.New("master secret too short")

// DeriveKey derives a 32-byte purpose-bound key from the master secret using HKDF-SHA256.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SubjectHash returns the stable one-way hash of an identity (e.g. a normalized email) under key.
// The identity provider and this service must derive it with the same key.
func SubjectHash(key []byte, identity string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(identity))
	return hex.EncodeToString(m.Sum(nil))
}

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
