package admin

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/metrics"
)

type stubStatus struct {
	st cache.Status
}

func (s stubStatus) Status() cache.Status {
	return s.st
}

// freeAddr reserves and releases a loopback port for the server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

func TestNewAdminServer(t *testing.T) {
	server := NewAdminServer(nil)
	if server == nil {
		t.Fatal("NewAdminServer returned nil")
	}
	if server.mux == nil {
		t.Error("mux is nil")
	}
}

func TestAdminServer_HealthEndpoint(t *testing.T) {
	server := NewAdminServer(nil)
	addr := freeAddr(t)

	if err := server.Start(addr); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = server.Stop() }()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("Failed to get /health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Errorf("Expected body to contain 'ok', got: %s", body)
	}
}

func TestAdminServer_MetricsEndpoint(t *testing.T) {
	// Reset metrics registry for test
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = oldRegistry }()

	metrics.Registry.MustRegister(collectors.NewGoCollector())
	m := metrics.InitMetrics("1.0.0")
	m.CacheEntries.Set(3)

	server := NewAdminServer(nil)
	addr := freeAddr(t)

	if err := server.Start(addr); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = server.Stop() }()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	// Verify metrics are present
	if !strings.Contains(bodyStr, "larder_cache_entries") {
		t.Error("Expected larder_cache_entries metric")
	}
	if !strings.Contains(bodyStr, "larder_info") {
		t.Error("Expected larder_info metric")
	}
}

func TestAdminServer_StatusEndpoint(t *testing.T) {
	server := NewAdminServer(stubStatus{st: cache.Status{
		Entries:    7,
		Online:     true,
		QueueDepth: 2,
	}})
	addr := freeAddr(t)

	if err := server.Start(addr); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = server.Stop() }()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("Failed to get /status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var st cache.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode status JSON: %v", err)
	}
	if st.Entries != 7 || !st.Online || st.QueueDepth != 2 {
		t.Errorf("Unexpected status: %+v", st)
	}
}

func TestAdminServer_StatusWithoutSource(t *testing.T) {
	server := NewAdminServer(nil)
	addr := freeAddr(t)

	if err := server.Start(addr); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = server.Stop() }()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("Failed to get /status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestAdminServer_StopWithoutStart(t *testing.T) {
	server := NewAdminServer(nil)
	if err := server.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got: %v", err)
	}
}
