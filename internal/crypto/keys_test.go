package crypto_test

import (
	"PredictLedger/internal/apperr"
	"PredictLedger/internal/crypto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rfcSeed1 = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	rfcPub1  = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"
	rfcAddr1 = "L1_21FE31DFA154A261626BF854046FD227"

	rfcSeed2 = "4ccd089b28ff96da9db6c346ec114e0f5b8a319f35aba624da8cf6ed4fb8a6fb"
	rfcPub2  = "3d4017c3e843895a92b70aa74d1b7ebc9c982ccf2ec4968cc0cd55f12af4660c"
	rfcAddr2 = "L1_39F713D0A644253F04529421B9F51B9B"
)

// ============================================================================
// Test: Key parsing
// ============================================================================

func TestKeyPairFromSeed_RFC8032(t *testing.T) {
	kp1, err := crypto.KeyPairFromSeedHex(rfcSeed1)
	require.NoError(t, err)
	assert.Equal(t, rfcPub1, kp1.PublicHex())
	assert.Equal(t, rfcAddr1, kp1.Address())

	kp2, err := crypto.KeyPairFromSeedHex(rfcSeed2)
	require.NoError(t, err)
	assert.Equal(t, rfcPub2, kp2.PublicHex())
	assert.Equal(t, rfcAddr2, kp2.Address())
}

func TestParsePublicKey_AcceptsUpperCase(t *testing.T) {
	pub, err := crypto.ParsePublicKey(strings.ToUpper(rfcPub1))
	require.NoError(t, err)
	assert.Equal(t, rfcAddr1, crypto.DeriveAddress(pub))
}

func TestParsePublicKey_Rejects(t *testing.T) {
	cases := map[string]string{
		"not hex":   "zz" + rfcPub1[2:],
		"too short": rfcPub1[:62],
		"too long":  rfcPub1 + "00",
		// y = 2 has no matching x on the curve
		"off curve": "0200000000000000000000000000000000000000000000000000000000000000",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := crypto.ParsePublicKey(in)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.CodeInvalidPubkey))
		})
	}
}

func TestParseSignature_Length(t *testing.T) {
	_, err := crypto.ParseSignature(strings.Repeat("ab", 63))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidSignature))

	sig, err := crypto.ParseSignature(strings.Repeat("AB", 64))
	require.NoError(t, err)
	assert.Len(t, sig, 64)
}

func TestIsAddress(t *testing.T) {
	assert.True(t, crypto.IsAddress(rfcAddr1))
	assert.False(t, crypto.IsAddress(strings.ToLower(rfcAddr1)))
	assert.False(t, crypto.IsAddress("L1_ABC"))
	assert.False(t, crypto.IsAddress("ALICE"))
}

func TestSignVerify(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("digest")
	sig := kp.Sign(msg)
	assert.True(t, crypto.Verify(kp.Public, msg, sig))

	sig[0] ^= 0x01
	assert.False(t, crypto.Verify(kp.Public, msg, sig))
}

// ============================================================================
// Test: Encrypted key files
// ============================================================================

func TestEncryptDecryptSeed(t *testing.T) {
	kp, err := crypto.KeyPairFromSeedHex(rfcSeed1)
	require.NoError(t, err)

	blob, err := crypto.EncryptSeed(kp, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(blob), rfcAddr1)
	assert.NotContains(t, string(blob), rfcSeed1)

	got, err := crypto.DecryptSeed(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, kp.SeedHex(), got.SeedHex())

	_, err = crypto.DecryptSeed(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptSeed_EmptyPassword(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = crypto.EncryptSeed(kp, "")
	assert.Error(t, err)
}
