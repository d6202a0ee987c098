// Package auth mints and checks relay tokens and operator credentials.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Codes let callers tell a retryable rejection from one that needs re-registration.
const (
	CodeMissingToken  = "missing_token"
	CodeTokenMismatch = "token_mismatch"
	CodeTokenExpired  = "token_expired"
	CodeUnauthorized  = "unauthorized"
)

// Error is an authentication failure with a machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Tokens issues relay tokens as HS256 JWTs. Expiry lives on the agent row so it
// can slide on every heartbeat; the JWT itself carries no exp claim.
type Tokens struct {
	Secret []byte
	TTL    time.Duration
}

type relayClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"knd"`
}

const relayKind = "relay"

// RandomSecret returns 32 random bytes for deployments without a configured secret.
func RandomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return b
}

// Mint returns a fresh token for agentID and the time it lapses.
func (t Tokens) Mint(agentID string, now time.Time) (string, time.Time, error) {
	if len(t.Secret) == 0 {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	claims := relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  agentID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Kind: relayKind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, now.Add(t.TTL), nil
}

// Subject checks the signature of a relay token and returns the agent it was minted for.
func (t Tokens) Subject(token string) (string, error) {
	if len(t.Secret) == 0 {
		return "", errors.New("token secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := &relayClaims{}
	parsed, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Kind != relayKind {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// Operator validates bearer JWTs for operator-only endpoints such as bounty sync.
// A zero Operator (no secret) admits every caller.
type Operator struct {
	Secret string
}

func (o Operator) Enabled() bool {
	return strings.TrimSpace(o.Secret) != ""
}

// Check returns the operator subject for a bearer token.
func (o Operator) Check(token string) (string, error) {
	if !o.Enabled() {
		return "operator", nil
	}
	if strings.TrimSpace(token) == "" {
		return "", Error{Code: CodeMissingToken, Message: "operator token required"}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(o.Secret), nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", Error{Code: CodeUnauthorized, Message: "invalid operator token"}
	}
	return claims.Subject, nil
}

// Issue signs an operator token; used by the CLI.
func (o Operator) Issue(subject string, now time.Time, ttl time.Duration) (string, error) {
	if !o.Enabled() {
		return "", errors.New("operator secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(o.Secret))
}
