package token

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"docgate/internal/token/domain"
)

var (
	// ErrMalformed is returned by a Codec when raw is not a token it produced.
	ErrMalformed = errors.New("malformed token")
	// ErrInvalidInput is returned when a resource or session id cannot be carried in a token.
	ErrInvalidInput = errors.New("invalid token input")
)

var b64 = base64.RawURLEncoding.Strict()

// Codec converts tokens to and from their wire form. The signature is computed and checked by
// Service; a Codec only carries it.
type Codec interface {
	Encode(t *domain.Token) (string, error)
	Decode(raw string) (*domain.Token, error)
}

// VisibleCodec is the "visible but signed" wire form:
// base64url(resourceID:sessionID:expiresAtUnix:nonce) "." base64url(signature).
// Parameters are legible to anyone holding the token; integrity comes from the signature.
type VisibleCodec struct{}

// SignedPayload returns the canonical, order-fixed string covered by the signature.
func SignedPayload(resourceID, sessionID string, expiresAt time.Time, nonce string) string {
	return resourceID + ":" + sessionID + ":" + strconv.FormatInt(expiresAt.Unix(), 10) + ":" + nonce
}

func (VisibleCodec) Encode(t *domain.Token) (string, error) {
	if err := validID(t.ResourceID); err != nil {
		return "", err
	}
	if err := validID(t.SessionID); err != nil {
		return "", err
	}
	if err := validID(t.Nonce); err != nil {
		return "", err
	}
	payload := SignedPayload(t.ResourceID, t.SessionID, t.ExpiresAt, t.Nonce)
	return b64.EncodeToString([]byte(payload)) + "." + b64.EncodeToString(t.Signature), nil
}

func (VisibleCodec) Decode(raw string) (*domain.Token, error) {
	payloadPart, sigPart, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || payloadPart == "" || sigPart == "" {
		return nil, ErrMalformed
	}
	payload, err := b64.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := b64.DecodeString(sigPart)
	if err != nil {
		return nil, ErrMalformed
	}
	parts := strings.Split(string(payload), ":")
	if len(parts) != 4 {
		return nil, ErrMalformed
	}
	for _, p := range []string{parts[0], parts[1], parts[3]} {
		if validID(p) != nil {
			return nil, ErrMalformed
		}
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || exp <= 0 {
		return nil, ErrMalformed
	}
	return &domain.Token{
		ResourceID: parts[0],
		SessionID:  parts[1],
		ExpiresAt:  time.Unix(exp, 0).UTC(),
		Nonce:      parts[3],
		Signature:  sig,
		Raw:        raw,
	}, nil
}

// validID rejects ids that are empty, too long, contain the field separator or are not printable.
func validID(s string) error {
	if s == "" || len(s) > 256 || strings.Contains(s, ":") {
		return ErrInvalidInput
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return ErrInvalidInput
		}
	}
	return nil
}
