package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSealOpenRoundtrip(t *testing.T) {
	blob, err := SealKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	// The ciphertext never contains the plaintext key.
	assert.NotContains(t, string(blob), testKeyHex)
}

func TestSealKeyRejectsBadInput(t *testing.T) {
	_, err := SealKey(testKeyHex, "")
	assert.Error(t, err, "empty password")

	_, err = SealKey("not-hex", "hunter2")
	assert.Error(t, err)

	_, err = SealKey("abcd", "hunter2")
	assert.Error(t, err, "short key")
}

func TestOpenKeyWrongPassword(t *testing.T) {
	blob, err := SealKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = OpenKey(blob, "wrong")
	assert.Error(t, err)
}

func TestSealKeyAcceptsPrefix(t *testing.T) {
	blob, err := SealKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got, "opened key has no prefix")
}

func TestResolveKey(t *testing.T) {
	// The raw key wins over the keyfile and loses its prefix.
	got, err := ResolveKey(KeySource{PrivateKeyHex: "0x" + testKeyHex, KeyfilePath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = ResolveKey(KeySource{PrivateKeyHex: "zzzz"})
	assert.Error(t, err)

	_, err = ResolveKey(KeySource{})
	assert.Error(t, err, "no source configured")

	blob, err := SealKey(testKeyHex, "hunter2")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = ResolveKey(KeySource{KeyfilePath: path, KeyfilePassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestKeyfileIsVersionedJSON(t *testing.T) {
	blob, err := SealKey(testKeyHex, "hunter2")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(blob), `"version": 1`))
}
