package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// migrate upgrades a generation-1 store (AES-256-CBC, fixed zero IV, bare
// hex ciphertexts) to the current envelope format. It runs once per Open
// and is a no-op when the version marker is already current.
//
// Values that fail the legacy decrypt are passed through untouched: the
// v1 format had no reliable way to tell ciphertext from plain string
// metadata, so an undecryptable string is assumed to be the latter. The
// marker is only advanced, and the file only rewritten, when at least one
// value was actually re-encrypted; a v1 store with nothing to migrate is
// rescanned on the next open, which costs one pass over an in-memory map.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versionLocked() >= FormatVersion {
		return nil
	}

	migrated := 0
	for key, raw := range s.records {
		if key == versionKey {
			continue
		}

		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			continue // plain JSON metadata, not a ciphertext
		}
		if strings.Contains(str, ":") {
			continue // current-format envelope or plain string with a colon
		}

		plaintext, err := openLegacy(s.key, str)
		if err != nil {
			log.Debug().Str("key", key).Msg("value is not legacy ciphertext, passing through")
			continue
		}
		// CBC padding can unpad garbage by accident; a real legacy value
		// always decrypts to a JSON encoding.
		if !json.Valid(plaintext) {
			log.Debug().Str("key", key).Msg("legacy decrypt produced non-JSON, passing through")
			continue
		}

		env, err := seal(s.aead, plaintext)
		if err != nil {
			return fmt.Errorf("re-encrypt %q: %w", key, err)
		}
		s.records[key] = mustMarshal(env.String())
		migrated++
	}

	if migrated == 0 {
		return nil
	}

	s.records[versionKey] = mustMarshal(FormatVersion)
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("persist migrated store: %w", err)
	}
	if s.hooks.Migrated != nil {
		s.hooks.Migrated(migrated)
	}
	log.Info().Int("values", migrated).Str("path", s.path).Msg("store migrated to envelope format")
	return nil
}
