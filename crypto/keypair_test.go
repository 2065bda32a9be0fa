package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.False(t, IsZeroKey(kp.Private))
	assert.False(t, IsZeroKey(kp.Public))
	// wgtypes derives the same public key.
	assert.Equal(t, kp.Private.PublicKey(), kp.Public)
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	_, err := FromSecretKey(wgtypes.Key{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseKeyFormats(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"base64", base64.StdEncoding.EncodeToString(kp.Public[:])},
		{"raw base64", base64.RawStdEncoding.EncodeToString(kp.Public[:])},
		{"hex", hex.EncodeToString(kp.Public[:])},
		{"padded with whitespace", "  " + kp.Public.String() + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.input)
			require.NoError(t, err)
			assert.Equal(t, kp.Public, key)
		})
	}
}

func TestParseKeyInvalid(t *testing.T) {
	for _, input := range []string{"", "not a key", "AAAA", hex.EncodeToString(make([]byte, 31))} {
		_, err := ParseKey(input)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", input)
	}
}

func TestHexKey(t *testing.T) {
	var key wgtypes.Key
	key[0] = 0xab
	key[31] = 0x01
	h := HexKey(key)
	assert.Len(t, h, 64)
	assert.Equal(t, "ab", h[:2])
	assert.Equal(t, "01", h[62:])
}

func TestValidatePublicKey(t *testing.T) {
	assert.ErrorIs(t, ValidatePublicKey(wgtypes.Key{}), ErrInvalidKey)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NoError(t, ValidatePublicKey(kp.Public))
}
