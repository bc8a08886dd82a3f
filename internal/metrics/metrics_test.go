package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// freshRegistry swaps Registry for an isolated one for the duration of a
// test, so promauto registrations cannot collide across tests.
func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	// Re-register standard collectors
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// gatherCounter returns the value of an unlabeled counter, or -1 when the
// metric family is absent.
func gatherCounter(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		if len(mf.GetMetric()) == 0 {
			t.Fatalf("No metrics found for %s", name)
		}
		return mf.GetMetric()[0].GetCounter().GetValue()
	}
	return -1
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.0.0")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Verify all metrics are initialized
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"CacheHits", m.CacheHits},
		{"CacheMisses", m.CacheMisses},
		{"StaleServed", m.StaleServed},
		{"FetchRetries", m.FetchRetries},
		{"FetchFailures", m.FetchFailures},
		{"QueueDepth", m.QueueDepth},
		{"QueueReplays", m.QueueReplays},
		{"StoreWipes", m.StoreWipes},
		{"StoreMigrations", m.StoreMigrations},
		{"SweepRemoved", m.SweepRemoved},
		{"CacheEntries", m.CacheEntries},
		{"Online", m.Online},
		{"Info", m.Info},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestObserverCacheEvents(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.0.0")
	o := m.Observer()

	o.CacheHit()
	o.CacheHit()
	o.CacheMiss()
	o.StaleServed()
	o.SweepRemoved(7)

	if v := gatherCounter(t, "larder_cache_hits_total"); v != 2 {
		t.Errorf("Expected cache_hits=2, got %f", v)
	}
	if v := gatherCounter(t, "larder_cache_misses_total"); v != 1 {
		t.Errorf("Expected cache_misses=1, got %f", v)
	}
	if v := gatherCounter(t, "larder_cache_stale_served_total"); v != 1 {
		t.Errorf("Expected stale_served=1, got %f", v)
	}
	if v := gatherCounter(t, "larder_sweep_removed_total"); v != 7 {
		t.Errorf("Expected sweep_removed=7, got %f", v)
	}
}

func TestObserverLabeledEvents(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.0.0")
	o := m.Observer()

	o.FetchFailure("not_found")
	o.FetchFailure("not_found")
	o.FetchFailure("transient")
	o.ReplayOutcome(true)
	o.ReplayOutcome(false)
	o.ReplayOutcome(false)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	expected := map[string]float64{
		"not_found": 2,
		"transient": 1,
		"success":   1,
		"failure":   2,
	}

	for _, mf := range mfs {
		if mf.GetName() != "larder_fetch_failures_total" && mf.GetName() != "larder_queue_replays_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				exp, ok := expected[lp.GetValue()]
				if !ok {
					t.Errorf("Unexpected label value %q on %s", lp.GetValue(), mf.GetName())
					continue
				}
				if val := metric.GetCounter().GetValue(); val != exp {
					t.Errorf("%s{%s=%q}: expected %f, got %f",
						mf.GetName(), lp.GetName(), lp.GetValue(), exp, val)
				}
			}
		}
	}
}

func TestObserverQueueDepthGauge(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.0.0")
	o := m.Observer()

	o.QueueDepth(3)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "larder_offline_queue_depth" {
			if val := mf.GetMetric()[0].GetGauge().GetValue(); val != 3 {
				t.Errorf("Expected queue_depth=3, got %f", val)
			}
		}
	}
}

func TestStoreHooks(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("1.0.0")
	hooks := m.StoreHooks()

	hooks.Wiped()
	hooks.Migrated(12)
	hooks.Migrated(3)

	if v := gatherCounter(t, "larder_store_wipes_total"); v != 1 {
		t.Errorf("Expected store_wipes=1, got %f", v)
	}
	// Migrations count events, not rewritten values.
	if v := gatherCounter(t, "larder_store_migrations_total"); v != 2 {
		t.Errorf("Expected store_migrations=2, got %f", v)
	}
}
