package store

import (
	"crypto/aes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	aead, err := newAEAD(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"hello":"world"}`)
	env, err := seal(aead, plaintext)
	require.NoError(t, err)

	assert.Len(t, env.IV, IVSize)
	assert.Len(t, env.Tag, TagSize)

	got, err := open(aead, env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealDrawsFreshIVs(t *testing.T) {
	aead, err := newAEAD(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("same plaintext")
	a, err := seal(aead, plaintext)
	require.NoError(t, err)
	b, err := seal(aead, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV, "each seal must use a new IV")
	assert.NotEqual(t, a.String(), b.String())
}

func TestOpenRejectsTampering(t *testing.T) {
	aead, err := newAEAD(testKey(t))
	require.NoError(t, err)

	env, err := seal(aead, []byte("authentic data"))
	require.NoError(t, err)

	tamperCT := env
	tamperCT.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tamperCT.Ciphertext[0] ^= 0x01
	_, err = open(aead, tamperCT)
	assert.Error(t, err, "flipped ciphertext bit must fail authentication")

	tamperTag := env
	tamperTag.Tag = append([]byte(nil), env.Tag...)
	tamperTag.Tag[0] ^= 0x01
	_, err = open(aead, tamperTag)
	assert.Error(t, err, "flipped tag bit must fail authentication")

	tamperIV := env
	tamperIV.IV = append([]byte(nil), env.IV...)
	tamperIV.IV[0] ^= 0x01
	_, err = open(aead, tamperIV)
	assert.Error(t, err, "flipped IV bit must fail authentication")
}

func TestLegacyRoundTrip(t *testing.T) {
	key := testKey(t)

	plaintext := []byte(`{"clicks":42}`)
	ct, err := sealLegacy(key, plaintext)
	require.NoError(t, err)

	assert.NotContains(t, ct, ":", "legacy form is bare hex")

	got, err := openLegacy(key, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenLegacyRejects(t *testing.T) {
	key := testKey(t)

	// Empty, non-hex, and hex that is not a whole number of blocks.
	for _, bad := range []string{
		"",
		"zz",
		"abcd",
		strings.Repeat("0", 30),
	} {
		_, err := openLegacy(key, bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestPKCS7RoundTrip(t *testing.T) {
	for n := 0; n <= 2*aes.BlockSize+1; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}

		padded := pkcs7Pad(data)
		require.Equal(t, 0, len(padded)%aes.BlockSize, "length %d", n)
		require.Greater(t, len(padded), len(data), "padding always adds at least one byte")

		got, err := pkcs7Unpad(padded)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, got, "length %d", n)
	}
}

func TestPKCS7UnpadRejects(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":        {},
		"zero pad":     {1, 2, 3, 0},
		"pad too long": {0x11},
		"inconsistent": {4, 4, 3, 4},
	} {
		_, err := pkcs7Unpad(data)
		assert.Error(t, err, name)
	}
}

func TestResolveKeyMaterialSecret(t *testing.T) {
	material, err := ResolveKeyMaterial(testSecret, "")
	require.NoError(t, err)
	assert.Equal(t, []byte(testSecret), material, "long secrets are used verbatim")

	_, err = ResolveKeyMaterial("tooshort", "")
	assert.ErrorIs(t, err, ErrShortSecret)
}

func TestResolveKeyMaterialKeyFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "store.key")

	first, err := ResolveKeyMaterial("", keyFile)
	require.NoError(t, err)
	assert.Len(t, first, KeySize)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := ResolveKeyMaterial("", keyFile)
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing key file is reused")
}

func TestResolveKeyMaterialBadKeyFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "store.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("definitely not hex\n"), 0600))

	_, err := ResolveKeyMaterial("", keyFile)
	assert.ErrorIs(t, err, ErrKeyFileFormat)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte(testSecret))
	require.NoError(t, err)
	assert.Len(t, a, KeySize)

	b, err := DeriveKey([]byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, a, b, "derivation is deterministic")

	c, err := DeriveKey([]byte("another secret value"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
