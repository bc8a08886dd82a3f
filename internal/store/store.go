// Package store implements larder's encrypted key-value persistence: a
// single JSON document on disk whose values are AES-256-GCM envelopes,
// with migration from the v1 fixed-IV format and self-healing on
// corruption.
package store

import (
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// The reserved key recording the on-disk format generation.
const versionKey = "_encryptionVersion"

// FormatVersion is the current envelope format generation. Version 1 was
// AES-256-CBC with a fixed all-zero IV; version 2 is AES-256-GCM with a
// random IV per value.
const FormatVersion = 2

// Options configures a Store.
type Options struct {
	Path    string // store file path
	KeyFile string // key file path, used when Secret is empty
	Secret  string // external secret, must be >= 16 chars when set
	Hooks   Hooks
}

// Hooks are optional callbacks for store lifecycle events, used to feed
// metrics without the store depending on a metrics package.
type Hooks struct {
	Wiped    func()      // called after an unrecoverable-decrypt wipe
	Migrated func(n int) // called after a format migration touched n values
}

// Store is a durable encrypted map. All operations serialize behind one
// mutex: interleaved cache fetches for different keys must observe each
// other's writes, so every mutation re-reads the live in-memory map under
// the lock and rewrites the whole file before returning.
type Store struct {
	mu      sync.Mutex
	path    string
	aead    cipher.AEAD
	key     []byte // derived key, reused for legacy CBC migration
	records map[string]json.RawMessage
	hooks   Hooks
}

// Open loads (or creates) the store at opts.Path, resolves and derives the
// encryption key, and runs the format migration when the on-disk generation
// is stale. An unreadable or absent file yields an empty store rather than
// an error; key resolution failures are fatal.
func Open(opts Options) (*Store, error) {
	material, err := ResolveKeyMaterial(opts.Secret, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolve key material: %w", err)
	}
	key, err := DeriveKey(material)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:  opts.Path,
		aead:  aead,
		key:   key,
		hooks: opts.Hooks,
	}
	s.load()

	if err := s.migrate(); err != nil {
		// An ambiguous half-migrated store is worse than an empty one.
		log.Error().Err(err).Str("path", s.path).Msg("store migration failed, resetting store")
		s.mu.Lock()
		s.wipeLocked()
		s.mu.Unlock()
	}

	return s, nil
}

// load populates the in-memory map from disk. It never fails: a missing or
// unparsable file starts the store empty at the current format version.
func (s *Store) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]json.RawMessage)

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.records[versionKey] = mustMarshal(FormatVersion)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("store file unreadable, starting empty")
		s.records[versionKey] = mustMarshal(FormatVersion)
		return
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("store file corrupt, starting empty")
		s.records = map[string]json.RawMessage{versionKey: mustMarshal(FormatVersion)}
		return
	}
}

// Get decrypts and unmarshals the value for key into out. It returns false
// for a missing key. A failed authenticated decryption wipes the whole
// store (a bad tag means the key is wrong or the file was tampered with,
// and both conditions poison every record) and also reports a miss; it is
// never surfaced as an error.
func (s *Store) Get(key string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[key]
	if !ok {
		return false
	}

	plaintext, ok := s.decryptLocked(key, raw)
	if !ok {
		return false
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("stored value does not unmarshal into requested type")
		return false
	}
	return true
}

// GetRaw is Get without the final unmarshal: it returns the decrypted JSON
// encoding of the value.
func (s *Store) GetRaw(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[key]
	if !ok {
		return nil, false
	}
	plaintext, ok := s.decryptLocked(key, raw)
	if !ok {
		return nil, false
	}
	return json.RawMessage(plaintext), true
}

// decryptLocked resolves one raw record to its plaintext JSON. Envelope
// strings are opened with the current key; anything else is a plain value
// stored as-is (the version marker, or legacy metadata migration passed
// through). Callers hold s.mu.
func (s *Store) decryptLocked(key string, raw json.RawMessage) ([]byte, bool) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil || !isEnvelopeString(str) {
		return raw, true
	}

	env, err := ParseEnvelope(str)
	if err != nil {
		// Shape already checked; treat a parse failure as corruption.
		log.Error().Err(err).Str("key", key).Msg("corrupt envelope, wiping store")
		s.wipeLocked()
		return nil, false
	}

	plaintext, err := open(s.aead, env)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("store decryption failed, wiping store")
		s.wipeLocked()
		return nil, false
	}
	return plaintext, true
}

// Set serializes v, encrypts it into a fresh envelope and synchronously
// rewrites the store file.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return s.SetRaw(key, raw)
}

// SetRaw is Set for already-serialized JSON.
func (s *Store) SetRaw(key string, raw json.RawMessage) error {
	if key == versionKey {
		return ErrReservedKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := seal(s.aead, raw)
	if err != nil {
		return err
	}
	s.records[key] = mustMarshal(env.String())
	return s.persistLocked()
}

// Remove deletes key and rewrites the file. Removing an absent key is a
// no-op.
func (s *Store) Remove(key string) error {
	if key == versionKey {
		return ErrReservedKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.persistLocked()
}

// Wipe deletes the on-disk file and resets the in-memory state to an empty
// store at the current format version. The cache layer never calls this for
// ordinary misses; it exists for unrecoverable decryption failures and
// explicit operator resets.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	return nil
}

func (s *Store) wipeLocked() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", s.path).Msg("failed to remove store file during wipe")
	}
	s.records = map[string]json.RawMessage{versionKey: mustMarshal(FormatVersion)}
	if s.hooks.Wiped != nil {
		s.hooks.Wiped()
	}
	log.Warn().Str("path", s.path).Msg("store wiped")
}

// Keys returns all non-reserved keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if k == versionKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of non-reserved records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	if _, ok := s.records[versionKey]; ok {
		n--
	}
	return n
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Version returns the in-memory format generation marker.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionLocked()
}

func (s *Store) versionLocked() int {
	raw, ok := s.records[versionKey]
	if !ok {
		return 1 // pre-marker stores are generation 1
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 1
	}
	return v
}

// Close flushes the store a final time. Mutations already persist
// synchronously, so this only matters for stores that were never written.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked rewrites the whole store file atomically: marshal, write to
// a temp file in the same directory, fsync, rename over the old file. A
// crash mid-write leaves the previous generation intact. Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write store: %w", err)
	}
	// Skip fsync under test: temp dirs are discarded anyway and fsync
	// dominates test wall time on some platforms.
	if os.Getenv("LARDER_TEST") == "" {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("sync store: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err) // only called with marshal-safe builtins
	}
	return raw
}
