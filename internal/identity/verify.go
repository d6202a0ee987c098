package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrSignatureMismatch = errors.New("signature verification failed")

// Verifier checks a detached signature. A nil Verifier means no verification
// capability is available and registrations are accepted on trust.
type Verifier interface {
	Verify(publicKey, message, signature []byte) error
}

// Ed25519 verifies ed25519 signatures.
type Ed25519 struct{}

func (Ed25519) Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrBadKey
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// DecodeSignature accepts hex or standard base64.
func DecodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	if b, err := hex.DecodeString(sig); err == nil && len(b) == ed25519.SignatureSize {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(b) != ed25519.SignatureSize {
		return nil, errors.New("signature must be 64 bytes, hex or base64 encoded")
	}
	return b, nil
}

// Outcome records what happened to a registration signature.
type Outcome struct {
	Verified        bool
	CryptoAvailable bool
}

// CheckRegistration verifies sig over RegistrationMessage when both a verifier
// and a signature are present. A missing verifier is tolerated.
func CheckRegistration(v Verifier, modelID, provider, publicKeyHex, sig string) (Outcome, error) {
	out := Outcome{CryptoAvailable: v != nil}
	if sig == "" || v == nil {
		return out, nil
	}
	key, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return out, err
	}
	raw, err := DecodeSignature(sig)
	if err != nil {
		return out, ErrSignatureMismatch
	}
	if err := v.Verify(key, RegistrationMessage(modelID, provider, publicKeyHex), raw); err != nil {
		return out, ErrSignatureMismatch
	}
	out.Verified = true
	return out, nil
}
