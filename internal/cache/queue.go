package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Online reports whether the cache currently assumes the origin is
// reachable.
func (c *Cache) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a connectivity transition. Going offline only flips the
// flag; an offline-to-online transition also drains the offline queue,
// replaying every deferred fetch exactly once. Replay failures are logged
// and dropped, and the queue empties regardless of outcomes, so a request
// never survives into a second replay round.
func (c *Cache) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online

	var drained []QueuedFetch
	if online && !wasOnline {
		drained = c.queue
		c.queue = nil
	}
	c.mu.Unlock()

	if wasOnline != online {
		log.Info().Bool("online", online).Msg("connectivity changed")
	}
	if drained == nil {
		return
	}

	c.observer.QueueDepth(0)
	for _, qf := range drained {
		c.replay(ctx, qf)
	}
}

// replay re-runs one queued fetch through the ordinary fetch path. Queueing
// is disabled during the replay: a request that fails again is dropped, not
// re-queued.
func (c *Cache) replay(ctx context.Context, qf QueuedFetch) {
	_, err := c.fetch(ctx, qf.Path, qf.Base, qf.TTL, false)
	if err != nil {
		c.observer.ReplayOutcome(false)
		log.Warn().Err(err).Str("id", qf.ID.String()).Str("path", qf.Path).
			Msg("queued fetch replay failed, dropping")
		return
	}
	c.observer.ReplayOutcome(true)
	log.Info().Str("id", qf.ID.String()).Str("path", qf.Path).Msg("queued fetch replayed")
}

// enqueue appends a deferred fetch to the offline queue.
func (c *Cache) enqueue(path, base string, ttl time.Duration) QueuedFetch {
	qf := QueuedFetch{
		ID:   uuid.New(),
		Path: path,
		Base: base,
		TTL:  ttl,
	}

	c.mu.Lock()
	c.queue = append(c.queue, qf)
	depth := len(c.queue)
	c.mu.Unlock()

	c.observer.QueueDepth(depth)
	return qf
}

// Queue returns a snapshot of the offline queue in arrival order.
func (c *Cache) Queue() []QueuedFetch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueuedFetch, len(c.queue))
	copy(out, c.queue)
	return out
}
