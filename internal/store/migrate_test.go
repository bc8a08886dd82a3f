package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStoreFile fabricates a raw store file from already-encoded records.
func writeStoreFile(t *testing.T, path string, records map[string]any) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

// legacyValue encrypts plaintext the way generation-1 stores did, under the
// key Open derives from testSecret.
func legacyValue(t *testing.T, plaintext string) string {
	t.Helper()
	key, err := DeriveKey([]byte(testSecret))
	require.NoError(t, err)
	ct, err := sealLegacy(key, []byte(plaintext))
	require.NoError(t, err)
	return ct
}

func TestMigrateLegacyStore(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")
	path := filepath.Join(t.TempDir(), "store.json")

	// A generation-1 file: no version marker, ciphertexts as bare hex,
	// plain metadata stored unencrypted alongside.
	writeStoreFile(t, path, map[string]any{
		"counter": legacyValue(t, `{"clicks":42}`),
		"note":    "hello world",
	})

	migrated := 0
	s, err := Open(Options{Path: path, Secret: testSecret, Hooks: Hooks{
		Migrated: func(n int) { migrated = n },
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, migrated, "exactly one value should be re-encrypted")
	assert.Equal(t, FormatVersion, s.Version())

	var got counter
	require.True(t, s.Get("counter", &got))
	assert.Equal(t, 42, got.Clicks)

	var note string
	require.True(t, s.Get("note", &note))
	assert.Equal(t, "hello world", note)

	// On disk the migrated value is now a three-segment envelope and the
	// plain value is untouched.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	var env string
	require.NoError(t, json.Unmarshal(raw["counter"], &env))
	assert.Equal(t, 2, strings.Count(env, ":"))

	var plain string
	require.NoError(t, json.Unmarshal(raw["note"], &plain))
	assert.Equal(t, "hello world", plain)
}

func TestMigrateRunsOnce(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")
	path := filepath.Join(t.TempDir(), "store.json")
	writeStoreFile(t, path, map[string]any{
		"counter": legacyValue(t, `{"clicks":1}`),
	})

	s, err := Open(Options{Path: path, Secret: testSecret})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	// The second open sees the current marker and must not touch anything.
	called := false
	s2, err := Open(Options{Path: path, Secret: testSecret, Hooks: Hooks{
		Migrated: func(int) { called = true },
	}})
	require.NoError(t, err)
	assert.False(t, called, "migration must not rerun on a current-format store")

	var got counter
	require.True(t, s2.Get("counter", &got))
	assert.Equal(t, 1, got.Clicks)
	require.NoError(t, s2.Close())

	final, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(after), string(final), "reopen should not rewrite values")
}

func TestMigrateNothingToMigrate(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")
	path := filepath.Join(t.TempDir(), "store.json")

	// Marker-less file containing only plain values. Nothing decrypts, so
	// nothing is rewritten and the marker stays at generation 1.
	writeStoreFile(t, path, map[string]any{
		"note":  "hello world",
		"count": 3,
	})
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	called := false
	s, err := Open(Options{Path: path, Secret: testSecret, Hooks: Hooks{
		Migrated: func(int) { called = true },
	}})
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, 1, s.Version())

	var note string
	require.True(t, s.Get("note", &note))
	assert.Equal(t, "hello world", note)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "no-op migration must not rewrite the file")
}

func TestMigratePassesThroughUndecryptableStrings(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")
	path := filepath.Join(t.TempDir(), "store.json")

	key2, err := DeriveKey([]byte("some other secret entirely"))
	require.NoError(t, err)
	foreign, err := sealLegacy(key2, []byte(`{"x":1}`))
	require.NoError(t, err)

	// oddhex is not valid hex pairs, shorthex is hex but not a block
	// multiple, foreign is block-multiple hex under a different key, and
	// url contains ':' so the scan skips it outright.
	writeStoreFile(t, path, map[string]any{
		"counter":  legacyValue(t, `{"clicks":9}`),
		"oddhex":   "abc",
		"shorthex": "abcd",
		"foreign":  foreign,
		"url":      "https://example.com/a:b",
	})

	s, err := Open(Options{Path: path, Secret: testSecret})
	require.NoError(t, err)

	var got counter
	require.True(t, s.Get("counter", &got))
	assert.Equal(t, 9, got.Clicks)
	assert.Equal(t, FormatVersion, s.Version())

	for key, want := range map[string]string{
		"oddhex":   "abc",
		"shorthex": "abcd",
		"foreign":  foreign,
		"url":      "https://example.com/a:b",
	} {
		var v string
		require.True(t, s.Get(key, &v), "key %s", key)
		assert.Equal(t, want, v, "key %s should pass through unchanged", key)
	}
}

func TestMigrateSkipsCurrentFormatStore(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")
	path := filepath.Join(t.TempDir(), "store.json")

	// A current-format store can legitimately hold a plain string that
	// happens to look like legacy hex. The marker keeps it from being
	// mangled by a re-migration.
	hexLookalike := legacyValue(t, `{"x":1}`)
	writeStoreFile(t, path, map[string]any{
		"_encryptionVersion": FormatVersion,
		"userHex":            hexLookalike,
	})

	s, err := Open(Options{Path: path, Secret: testSecret})
	require.NoError(t, err)

	var v string
	require.True(t, s.Get("userHex", &v))
	assert.Equal(t, hexLookalike, v)
}

func TestMigrateFreshStoreStartsCurrent(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, FormatVersion, s.Version(), "new stores start at the current generation")
}
