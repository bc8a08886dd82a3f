// Package connectivity probes origin reachability and reports debounced
// online/offline transitions.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Event represents a reachability transition.
type Event struct {
	Online    bool
	Timestamp time.Time
}

// Config holds monitor configuration.
type Config struct {
	// URL is the probe target, typically the origin's health path.
	URL string

	// Interval is the time between probes. Default: 30s
	Interval time.Duration

	// Timeout bounds a single probe. Default: 5s
	Timeout time.Duration

	// DebounceInterval is the minimum time between emitted events.
	// Rapid flaps are coalesced into a single transition. Default: 2s
	DebounceInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		DebounceInterval: 2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.DebounceInterval == 0 {
		c.DebounceInterval = d.DebounceInterval
	}
}

// Monitor periodically probes the origin and emits an Event whenever its
// reachability verdict changes. Reachability is end to end: any HTTP
// response counts, whatever the status, because even a 500 proves the
// network path works.
//
// The monitor stays silent while its verdict is stable, so a manual state
// override (the control surface setting the cache offline) holds until the
// probe verdict actually transitions.
type Monitor struct {
	cfg    Config
	client *http.Client
}

// New creates a reachability monitor for the given probe target.
func New(cfg Config) (*Monitor, error) {
	if cfg.URL == "" {
		return nil, errors.New("connectivity: probe URL is required")
	}
	cfg.applyDefaults()

	return &Monitor{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Start begins probing. Transitions are sent to the returned channel, the
// first probe's verdict unconditionally so consumers learn the initial
// state. The channel is closed when the context is cancelled.
func (m *Monitor) Start(ctx context.Context) <-chan Event {
	raw := make(chan Event, 1)
	go m.loop(ctx, raw)
	return debounce(ctx, raw, m.cfg.DebounceInterval)
}

func (m *Monitor) loop(ctx context.Context, out chan<- Event) {
	defer close(out)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	known := false
	online := false

	probe := func() {
		verdict := m.Probe(ctx)
		if known && verdict == online {
			return
		}
		known, online = true, verdict

		log.Debug().Bool("online", verdict).Str("url", m.cfg.URL).Msg("reachability verdict changed")
		select {
		case out <- Event{Online: verdict, Timestamp: time.Now()}:
		case <-ctx.Done():
		}
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Probe performs a single reachability check. It tries HEAD first and
// falls back to GET once, since some origins and middleboxes drop HEAD
// outright.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.request(ctx, http.MethodHead) {
		return true
	}
	return m.request(ctx, http.MethodGet)
}

func (m *Monitor) request(ctx context.Context, method string) bool {
	req, err := http.NewRequestWithContext(ctx, method, m.cfg.URL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
