// Package cache implements the content cache: it orchestrates fetching,
// validation, retry fallbacks, stale serving and offline queueing over the
// encrypted store, the hash manifest and the origin client.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/larderhq/larder/internal/fetch"
	"github.com/larderhq/larder/internal/manifest"
	"github.com/larderhq/larder/internal/store"
	"github.com/larderhq/larder/pkg/fileapi"
)

// keyPrefix namespaces cache entries inside the shared store.
const keyPrefix = "cache:"

// ValidationMode selects how cached entries are judged fresh.
type ValidationMode string

const (
	// ValidateTime treats an entry as fresh while younger than its TTL.
	ValidateTime ValidationMode = "time"
	// ValidateHash trusts the manifest digest over any TTL: an entry is
	// fresh while its content still hashes to the digest the manifest
	// registers for the path.
	ValidateHash ValidationMode = "hash"
)

// Fetcher retrieves files from the origin. Implementations must return
// *fetch.TransientError once the retry budget is spent; terminal failures
// (fetch.ErrNotFound etc.) surface to the cache's caller untouched.
type Fetcher interface {
	File(ctx context.Context, base, path, etag string) (*fetch.Result, error)
}

// HashLookup resolves manifest digests for logical paths. Implemented by
// manifest.Registry.
type HashLookup interface {
	Lookup(ctx context.Context, path string) (digest string, ok bool)
}

// AssetLister fetches the origin's asset listing for cache warming.
type AssetLister interface {
	List(ctx context.Context) ([]string, error)
}

// Observer receives cache lifecycle events. internal/metrics implements it.
type Observer interface {
	CacheHit()
	CacheMiss()
	StaleServed()
	QueuedOffline()
	ReplayOutcome(ok bool)
	SweepRemoved(n int)
	QueueDepth(n int)
}

type noopObserver struct{}

func (noopObserver) CacheHit()          {}
func (noopObserver) CacheMiss()         {}
func (noopObserver) StaleServed()       {}
func (noopObserver) QueuedOffline()     {}
func (noopObserver) ReplayOutcome(bool) {}
func (noopObserver) SweepRemoved(int)   {}
func (noopObserver) QueueDepth(int)     {}

// Config holds cache tuning. Zero values take the defaults below.
type Config struct {
	Validation    ValidationMode // time | hash (default: time)
	DefaultTTL    time.Duration  // TTL when the caller passes none (default: 10m)
	AssetTTL      time.Duration  // TTL for FetchAsset (default: 24h)
	PageBase      string         // origin base for pages (default: "pages/")
	AssetBase     string         // origin base for assets (default: "assets/")
	Retention     time.Duration  // sweep horizon (default: 168h); negative disables sweeping
	WarmInterval  time.Duration  // warmer period (default: 15m); warming needs a Lister
	SweepInterval time.Duration  // sweep period (default: 1h)
}

func (c *Config) applyDefaults() {
	if c.Validation == "" {
		c.Validation = ValidateTime
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 10 * time.Minute
	}
	if c.AssetTTL == 0 {
		c.AssetTTL = 24 * time.Hour
	}
	if c.PageBase == "" {
		c.PageBase = "pages/"
	}
	if c.AssetBase == "" {
		c.AssetBase = "assets/"
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.WarmInterval == 0 {
		c.WarmInterval = 15 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
}

// Options wires the cache's collaborators. Store and Fetcher are required;
// Hashes is required when Config.Validation is "hash".
type Options struct {
	Store    *store.Store
	Fetcher  Fetcher
	Hashes   HashLookup  // digest source for hash validation
	Lister   AssetLister // enables warming when set
	Observer Observer
	Config   Config
}

// Cache is the content cache. One instance serves all pages and assets.
type Cache struct {
	store    *store.Store
	fetcher  Fetcher
	hashes   HashLookup
	lister   AssetLister
	observer Observer
	cfg      Config

	mu     sync.Mutex
	online bool
	queue  []QueuedFetch
}

// New builds a Cache from opts.
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("cache: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("cache: fetcher is required")
	}

	cfg := opts.Config
	cfg.applyDefaults()
	if cfg.Validation != ValidateTime && cfg.Validation != ValidateHash {
		return nil, fmt.Errorf("cache: unknown validation mode %q", cfg.Validation)
	}
	if cfg.Validation == ValidateHash && opts.Hashes == nil {
		return nil, errors.New("cache: hash validation requires a manifest lookup")
	}

	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	return &Cache{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		hashes:   opts.Hashes,
		lister:   opts.Lister,
		observer: observer,
		cfg:      cfg,
		online:   true, // assume reachable until told otherwise
	}, nil
}

func cacheKey(path string) string {
	return keyPrefix + fileapi.NormalizePath(path)
}

// Fetch returns the content at path, from cache when the entry validates
// and from the origin otherwise. base selects the origin file tree
// ("pages/", "assets/"; empty means the configured page base) and ttl
// bounds freshness under time validation (zero means the configured
// default).
//
// When the origin cannot be reached a stale cached copy is preferred over
// failure; with nothing cached and the cache offline, the request is queued
// for replay and the error wraps ErrQueuedOffline.
func (c *Cache) Fetch(ctx context.Context, path, base string, ttl time.Duration) (*Entry, error) {
	if base == "" {
		base = c.cfg.PageBase
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	return c.fetch(ctx, path, base, ttl, true)
}

// FetchAsset is Fetch against the configured asset base and asset TTL.
func (c *Cache) FetchAsset(ctx context.Context, path string) (*Entry, error) {
	return c.fetch(ctx, path, c.cfg.AssetBase, c.cfg.AssetTTL, true)
}

func (c *Cache) fetch(ctx context.Context, path, base string, ttl time.Duration, allowQueue bool) (*Entry, error) {
	key := cacheKey(path)

	var cached *Entry
	var e Entry
	if c.store.Get(key, &e) {
		cached = &e
	}

	if cached != nil && c.fresh(ctx, cached, path, ttl) {
		c.observer.CacheHit()
		log.Debug().Str("path", path).Msg("cache hit")
		return cached, nil
	}

	etag := ""
	if cached != nil {
		etag = cached.ETag
	}

	res, err := c.fetcher.File(ctx, base, path, etag)
	if err != nil {
		var transient *fetch.TransientError
		if errors.As(err, &transient) {
			return c.fallback(path, base, ttl, cached, err, allowQueue)
		}
		// Terminal failures and cancellations surface as-is; serving a
		// stale copy for a 404 would mask deletions forever.
		return nil, err
	}

	now := time.Now().Truncate(time.Millisecond)

	if res.NotModified {
		if cached == nil {
			return nil, fmt.Errorf("origin returned 304 for %q with no cached copy", path)
		}
		cached.FetchedAt = now
		if err := c.store.Set(key, cached); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to persist revalidated entry")
		}
		c.observer.CacheMiss()
		log.Debug().Str("path", path).Msg("origin revalidated cached copy")
		return cached, nil
	}

	entry := &Entry{
		Content:   string(res.Content),
		ETag:      res.ETag,
		FetchedAt: now,
		Hash:      manifest.Digest(res.Content),
		Size:      int64(len(res.Content)),
	}
	if err := c.store.Set(key, entry); err != nil {
		// The content is still good; the next request just refetches.
		log.Warn().Err(err).Str("path", path).Msg("failed to persist cache entry")
	}
	c.observer.CacheMiss()
	log.Debug().Str("path", path).Int64("size", entry.Size).Msg("cache filled from origin")
	return entry, nil
}

// fresh decides whether a cached entry can be served without consulting
// the origin.
func (c *Cache) fresh(ctx context.Context, e *Entry, path string, ttl time.Duration) bool {
	switch c.cfg.Validation {
	case ValidateHash:
		digest, ok := c.hashes.Lookup(ctx, path)
		if !ok {
			// Unmapped path (or no manifest at all): fresh by default.
			log.Debug().Str("path", path).Msg("no manifest digest, treating entry as fresh")
			return true
		}
		return digest == manifest.Digest([]byte(e.Content))
	default:
		return time.Since(e.FetchedAt) < ttl
	}
}

// fallback resolves a spent retry budget: stale beats failure, and an
// offline miss is queued for replay.
func (c *Cache) fallback(path, base string, ttl time.Duration, cached *Entry, fetchErr error, allowQueue bool) (*Entry, error) {
	if cached != nil {
		stale := *cached
		stale.Stale = true
		c.observer.StaleServed()
		log.Warn().Err(fetchErr).Str("path", path).Msg("origin unreachable, serving stale copy")
		return &stale, nil
	}

	if allowQueue && !c.Online() {
		qf := c.enqueue(path, base, ttl)
		c.observer.QueuedOffline()
		log.Info().Str("id", qf.ID.String()).Str("path", path).Msg("offline with no cached copy, queued for replay")
		return nil, fmt.Errorf("%w: %w", ErrQueuedOffline, fetchErr)
	}

	return nil, fetchErr
}

// Peek returns the cached entry for path without validation or fetching.
func (c *Cache) Peek(path string) (*Entry, bool) {
	var e Entry
	if !c.store.Get(cacheKey(path), &e) {
		return nil, false
	}
	return &e, true
}

// Clear removes the cached entry for path. Clearing an uncached path is a
// no-op.
func (c *Cache) Clear(path string) error {
	return c.store.Remove(cacheKey(path))
}

// ClearAll removes every cache entry, leaving the store's other keys
// intact. Returns the number of entries removed.
func (c *Cache) ClearAll() (int, error) {
	removed := 0
	for _, key := range c.store.Keys() {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		if err := c.store.Remove(key); err != nil {
			return removed, fmt.Errorf("remove %q: %w", key, err)
		}
		removed++
	}
	log.Info().Int("removed", removed).Msg("cache cleared")
	return removed, nil
}

// Status reports a snapshot for the control surface.
func (c *Cache) Status() Status {
	entries := 0
	for _, key := range c.store.Keys() {
		if strings.HasPrefix(key, keyPrefix) {
			entries++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Entries:    entries,
		Online:     c.online,
		QueueDepth: len(c.queue),
		StorePath:  c.store.Path(),
	}
}
