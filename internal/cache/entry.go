package cache

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one cached file. Entries are replaced atomically as whole
// values: every successful fetch, 304 revalidation, or freshness decision
// rewrites the record rather than patching fields in place.
type Entry struct {
	Content   string    `json:"content"`
	ETag      string    `json:"etag,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
	Hash      string    `json:"hash,omitempty"`
	Size      int64     `json:"size"`

	// Stale marks a copy served because the origin was unreachable. It is
	// set on the returned value only; persisted entries are never stale.
	Stale bool `json:"stale,omitempty"`
}

// QueuedFetch is one deferred fetch awaiting connectivity. IDs exist for
// log correlation across the queue/replay boundary.
type QueuedFetch struct {
	ID   uuid.UUID     `json:"id"`
	Path string        `json:"path"`
	Base string        `json:"base"`
	TTL  time.Duration `json:"ttl"`
}

// Status summarizes cache state for the control surface.
type Status struct {
	Entries    int    `json:"entries"`
	Online     bool   `json:"online"`
	QueueDepth int    `json:"queueDepth"`
	StorePath  string `json:"storePath"`
}
