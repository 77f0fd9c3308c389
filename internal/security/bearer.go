package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token is malformed, expired, or signed by another key.
var ErrInvalidToken = errors.New("invalid token")

// BearerClaims are the claims carried by caller bearer tokens. Tokens are minted by the external
// identity provider after it has called CreateSession; SessionCreatedAt lets privileged routes
// cross-check the claim against the durable session record.
type BearerClaims struct {
	jwt.RegisteredClaims
	Role             string `json:"role"`
	SessionID        string `json:"session_id,omitempty"`
	SessionCreatedAt int64  `json:"session_created_at,omitempty"`
}

// TokenProvider validates bearer tokens with an RS256/ES256 public key. When constructed with a
// private key it can also issue tokens (dev seeding and tests only).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
}

// NewTokenProvider returns a TokenProvider. privateKey may be nil for validate-only use.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string) *TokenProvider {
	return &TokenProvider{privateKey: privateKey, publicKey: publicKey, issuer: issuer, audience: audience}
}

// Issue signs a bearer token for subject with the given role and session binding.
func (p *TokenProvider) Issue(subject, role, sessionID string, sessionCreatedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	if p.privateKey == nil {
		return "", time.Time{}, ErrInvalidKey
	}
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:      role,
		SessionID: sessionID,
	}
	if !sessionCreatedAt.IsZero() {
		claims.SessionCreatedAt = sessionCreatedAt.Unix()
	}
	var method jwt.SigningMethod
	switch KeyAlg(p.privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return "", time.Time{}, ErrInvalidKey
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	return signed, expiresAt, err
}

// Validate parses and validates a bearer token (signature, exp, iss, aud, subject and role present).
func (p *TokenProvider) Validate(tokenString string) (*BearerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BearerClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	}, jwt.WithIssuer(p.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !slices.Contains([]string(claims.Audience), p.audience) {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
