package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestDeriveDeterministic(t *testing.T) {
	pub, _ := newKey(t)
	a := Derive(pub)
	b := Derive(pub)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, Prefix))
	require.Len(t, a, len(Prefix)+DigestChars)
	require.True(t, LooksCanonical(a))
}

func TestDeriveDistinctKeys(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		pub, _ := newKey(t)
		id := Derive(pub)
		require.False(t, seen[id], "collision on %s", id)
		seen[id] = true
	}
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abcd", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		_, err := ParsePublicKey(in)
		require.ErrorIs(t, err, ErrBadKey, "input %q", in)
	}
}

func TestCheckClaim(t *testing.T) {
	pub, _ := newKey(t)
	hexKey := hex.EncodeToString(pub)
	id, err := CheckClaim("", hexKey)
	require.NoError(t, err)
	require.Equal(t, Derive(pub), id)

	_, err = CheckClaim("bcn_000000000000", hexKey)
	require.Error(t, err)
}

func TestLooksCanonical(t *testing.T) {
	require.True(t, LooksCanonical("bcn_sophia_elya"))
	require.False(t, LooksCanonical("bcn_"))
	require.False(t, LooksCanonical("sophia"))
	require.False(t, LooksCanonical("bcn_Upper"))
}

func TestCheckRegistration(t *testing.T) {
	pub, priv := newKey(t)
	hexKey := hex.EncodeToString(pub)
	sig := hex.EncodeToString(ed25519.Sign(priv, RegistrationMessage("grok-3", "xai", hexKey)))

	out, err := CheckRegistration(Ed25519{}, "grok-3", "xai", hexKey, sig)
	require.NoError(t, err)
	require.True(t, out.Verified)
	require.True(t, out.CryptoAvailable)

	_, err = CheckRegistration(Ed25519{}, "grok-4", "xai", hexKey, sig)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	out, err = CheckRegistration(nil, "grok-4", "xai", hexKey, sig)
	require.NoError(t, err)
	require.False(t, out.Verified)
	require.False(t, out.CryptoAvailable)

	out, err = CheckRegistration(Ed25519{}, "grok-3", "xai", hexKey, "")
	require.NoError(t, err)
	require.False(t, out.Verified)
	require.True(t, out.CryptoAvailable)
}

func TestRegistrationMessageSortedCompact(t *testing.T) {
	msg := string(RegistrationMessage("m", "other", "AB"))
	require.Equal(t, `{"model_id":"m","provider":"other","public_key":"ab"}`, msg)
}
