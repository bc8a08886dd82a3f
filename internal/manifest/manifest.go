// Package manifest maintains the origin's content-hash manifest: a map of
// logical file paths to content digests, refreshed on a TTL and served from
// the last known copy when the origin is unreachable.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/larderhq/larder/internal/store"
	"github.com/larderhq/larder/pkg/fileapi"
)

// DigestLen is the number of hex characters kept from a full SHA-256 when
// forming a content digest.
const DigestLen = 16

// DefaultTTL is how long a fetched manifest stays authoritative before the
// next access triggers a refresh.
const DefaultTTL = 5 * time.Minute

// storeKey holds the persisted manifest copy in the encrypted store.
const storeKey = "manifest:hashes"

// Digest returns the content digest the manifest registers for a file: the
// first 16 hex characters of its SHA-256.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:DigestLen]
}

// Manifest is one fetched copy of the origin's hash manifest. Copies are
// replaced wholesale and never mutated after publication; callers must treat
// them as read-only.
type Manifest struct {
	Version   string            `json:"version"`
	Assets    map[string]string `json:"assets"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Lookup returns the digest registered for the normalized form of path.
func (m *Manifest) Lookup(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	d, ok := m.Assets[fileapi.NormalizePath(path)]
	return d, ok
}

// Fetcher retrieves a fresh manifest payload from the origin.
type Fetcher interface {
	Hashes(ctx context.Context) (fileapi.HashData, error)
}

// Config holds Registry tuning.
type Config struct {
	TTL time.Duration // freshness window, DefaultTTL when zero
}

// Registry caches the manifest between refreshes. While a copy is younger
// than the TTL it is authoritative; once it expires the next access
// refreshes it, and a failed refresh degrades to the old copy (however
// stale) rather than failing the caller.
type Registry struct {
	fetcher Fetcher
	store   *store.Store
	ttl     time.Duration

	mu      sync.Mutex
	current *Manifest
}

// NewRegistry builds a Registry. When st is non-nil the last persisted
// manifest is loaded so a restart begins degraded instead of empty.
func NewRegistry(fetcher Fetcher, st *store.Store, cfg Config) *Registry {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	r := &Registry{fetcher: fetcher, store: st, ttl: cfg.TTL}
	if st != nil {
		var m Manifest
		if st.Get(storeKey, &m) {
			r.current = &m
			log.Debug().Str("version", m.Version).Time("fetched_at", m.FetchedAt).
				Msg("loaded persisted manifest")
		}
	}
	return r
}

// Manifest returns the current manifest, refreshing it first when the copy
// on hand has expired. It errors only when no copy has ever been fetched
// and the origin cannot produce one now.
func (r *Registry) Manifest(ctx context.Context) (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && time.Since(r.current.FetchedAt) < r.ttl {
		return r.current, nil
	}

	data, err := r.fetcher.Hashes(ctx)
	if err != nil {
		if r.current != nil {
			log.Warn().Err(err).Time("fetched_at", r.current.FetchedAt).
				Msg("manifest refresh failed, serving last known copy")
			return r.current, nil
		}
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	m := &Manifest{
		Version:   data.Version,
		Assets:    data.Assets,
		FetchedAt: time.Now().Truncate(time.Millisecond),
	}
	r.current = m
	if r.store != nil {
		if err := r.store.Set(storeKey, m); err != nil {
			log.Warn().Err(err).Msg("failed to persist manifest")
		}
	}
	log.Debug().Str("version", m.Version).Int("assets", len(m.Assets)).Msg("manifest refreshed")
	return m, nil
}

// Lookup resolves the digest for path through the current manifest. The
// second return is false when the path is unmapped or no manifest is
// available at all; the caller decides what an unmapped path means.
func (r *Registry) Lookup(ctx context.Context, path string) (string, bool) {
	m, err := r.Manifest(ctx)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("no manifest available for lookup")
		return "", false
	}
	return m.Lookup(path)
}
