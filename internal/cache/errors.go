package cache

import "errors"

// ErrQueuedOffline wraps a fetch failure that was recorded in the offline
// queue for replay. Callers can errors.Is against it to learn the request
// was deferred, and still unwrap the underlying fetch error through it.
var ErrQueuedOffline = errors.New("offline, fetch queued for replay")
