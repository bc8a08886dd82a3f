package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/control"
	"github.com/larderhq/larder/testutil"
)

// TestRunDaemon_EndToEnd boots the full daemon against a fake origin and
// exercises it through the control socket like the CLI would.
func TestRunDaemon_EndToEnd(t *testing.T) {
	t.Setenv("LARDER_TEST", "1")

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/pages/hello.html":
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte("<h1>hello</h1>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := fmt.Sprintf(`
origin:
  url: "%s"
store:
  path: "%s"
  key_file: "%s"
control:
  socket: "%s"
admin:
  listen: "127.0.0.1:%d"
connectivity:
  disabled: true
`, origin.URL,
		filepath.Join(dir, "store.json"),
		filepath.Join(dir, "store.key"),
		filepath.Join(dir, "larder.sock"),
		testutil.FreePort(t))
	configPath := testutil.TempFile(t, dir, "larder.yaml", content)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, cfg)
	}()

	// Wait for the control socket to come up
	waitForSocket(t, cfg.Control.Socket)

	client := control.NewClient(cfg.Control.Socket)

	entry, err := client.Fetch("hello.html", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hello</h1>", entry.Content)
	assert.False(t, entry.Stale)

	st, err := client.Status()
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 0, st.QueueDepth)

	// Admin surface answers on loopback
	resp, err := http.Get("http://" + cfg.Admin.Listen + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRunDaemon_InvalidConfig(t *testing.T) {
	cfg := config.Default() // no origin URL

	err := runDaemon(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("control socket %s never appeared", path)
}
