package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/metrics"
)

// StatusSource produces cache status snapshots for the /status endpoint.
type StatusSource interface {
	Status() cache.Status
}

// AdminServer provides an HTTP admin interface for daemon metrics and
// health checks. The surface is unauthenticated and plain HTTP: it must
// only ever bind loopback addresses.
type AdminServer struct {
	server *http.Server
	mux    *http.ServeMux
}

// NewAdminServer creates a new admin server. A nil status disables the
// /status endpoint.
func NewAdminServer(status StatusSource) *AdminServer {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", statusHandler(status))

	return &AdminServer{
		mux: mux,
	}
}

// Start starts the admin server on the given loopback address.
func (s *AdminServer) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		// Ignore errors - metrics are optional and server shutdown is expected
		_ = s.server.ListenAndServe()
	}()

	return nil
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statusHandler serves the current cache status as JSON.
func statusHandler(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			http.Error(w, "status not available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
