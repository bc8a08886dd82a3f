package cache

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Warm fetches the origin's asset listing and runs every listed file
// through the ordinary fetch path, filling cold entries and revalidating
// stale ones ahead of demand. Failures are logged and skipped; warming is
// opportunistic and never queues offline requests.
func (c *Cache) Warm(ctx context.Context) {
	if c.lister == nil {
		return
	}

	files, err := c.lister.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("asset listing unavailable, skipping warm pass")
		return
	}

	warmed := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.fetch(ctx, f, c.cfg.AssetBase, c.cfg.AssetTTL, false); err != nil {
			log.Warn().Err(err).Str("path", f).Msg("asset warm failed")
			continue
		}
		warmed++
	}
	log.Debug().Int("assets", warmed).Int("listed", len(files)).Msg("warm pass complete")
}

// Sweep removes entries whose last fetch is older than the retention
// horizon. This is hygiene against unbounded growth, independent of
// freshness validation: a swept entry may well have been valid, it was
// just not requested for too long. Returns the number of entries removed.
func (c *Cache) Sweep() (int, error) {
	if c.cfg.Retention < 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-c.cfg.Retention)
	removed := 0
	for _, key := range c.store.Keys() {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}

		var e Entry
		if !c.store.Get(key, &e) {
			// Unreadable entries disappear with the store's own recovery.
			continue
		}
		if !e.FetchedAt.Before(cutoff) {
			continue
		}
		if err := c.store.Remove(key); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		c.observer.SweepRemoved(removed)
		log.Info().Int("removed", removed).Dur("retention", c.cfg.Retention).Msg("swept expired cache entries")
	}
	return removed, nil
}

// Run executes the periodic maintenance loops (asset warming and the
// retention sweep) until ctx is cancelled. A sweep runs immediately at
// startup; the first warm pass waits one interval so a cold daemon start
// does not race the first real requests.
func (c *Cache) Run(ctx context.Context) {
	if _, err := c.Sweep(); err != nil {
		log.Warn().Err(err).Msg("startup sweep failed")
	}

	var warmC, sweepC <-chan time.Time
	if c.lister != nil && c.cfg.WarmInterval > 0 {
		t := time.NewTicker(c.cfg.WarmInterval)
		defer t.Stop()
		warmC = t.C
	}
	if c.cfg.Retention >= 0 && c.cfg.SweepInterval > 0 {
		t := time.NewTicker(c.cfg.SweepInterval)
		defer t.Stop()
		sweepC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-warmC:
			c.Warm(ctx)
		case <-sweepC:
			if _, err := c.Sweep(); err != nil {
				log.Warn().Err(err).Msg("periodic sweep failed")
			}
		}
	}
}
