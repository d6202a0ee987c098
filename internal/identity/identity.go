// Package identity derives stable agent identifiers from public keys and
// checks registration signatures.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix is the namespace marker carried by every canonical agent id.
	Prefix = "bcn_"
	// DigestChars is the number of hex characters of the key digest kept in an id.
	DigestChars = 12
	// KeySize is the public key length in bytes.
	KeySize = ed25519.PublicKeySize
)

var ErrBadKey = errors.New("public_key must be 64 hex characters")

// ParsePublicKey decodes a hex-encoded public key of exactly KeySize bytes.
func ParsePublicKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if len(hexKey) != KeySize*2 {
		return nil, ErrBadKey
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrBadKey
	}
	return b, nil
}

// Derive returns bcn_ followed by the first DigestChars hex characters of SHA-256(key).
func Derive(key []byte) string {
	sum := sha256.Sum256(key)
	return Prefix + hex.EncodeToString(sum[:])[:DigestChars]
}

// DeriveHex parses a hex key and derives its id.
func DeriveHex(hexKey string) (string, error) {
	key, err := ParsePublicKey(hexKey)
	if err != nil {
		return "", err
	}
	return Derive(key), nil
}

// LooksCanonical reports whether s has the shape of an agent id rather than a name.
func LooksCanonical(s string) bool {
	if !strings.HasPrefix(s, Prefix) || len(s) <= len(Prefix) {
		return false
	}
	for _, r := range s[len(Prefix):] {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// IsDerived reports whether s has exactly the shape Derive produces.
func IsDerived(s string) bool {
	if len(s) != len(Prefix)+DigestChars || !strings.HasPrefix(s, Prefix) {
		return false
	}
	for _, r := range s[len(Prefix):] {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// CheckClaim fails when claimedID is set and differs from the id derived from hexKey.
func CheckClaim(claimedID, hexKey string) (string, error) {
	derived, err := DeriveHex(hexKey)
	if err != nil {
		return "", err
	}
	if claimedID != "" && claimedID != derived {
		return "", fmt.Errorf("agent_id %s does not match public_key (expected %s)", claimedID, derived)
	}
	return derived, nil
}

// RegistrationMessage is the canonical byte string a registering agent signs:
// compact JSON with sorted keys over model_id, provider and public_key.
func RegistrationMessage(modelID, provider, publicKeyHex string) []byte {
	msg, _ := json.Marshal(map[string]string{
		"model_id":   modelID,
		"provider":   provider,
		"public_key": strings.ToLower(publicKeyHex),
	})
	return msg
}
