package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larderhq/larder/internal/store"
	"github.com/larderhq/larder/pkg/fileapi"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	data  fileapi.HashData
	err   error
}

func (f *fakeFetcher) Hashes(context.Context) (fileapi.HashData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return fileapi.HashData{}, f.err
	}
	return f.data, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	t.Setenv("LARDER_TEST", "1")
	s, err := store.Open(store.Options{
		Path:   filepath.Join(t.TempDir(), "store.json"),
		Secret: "manifest test secret!",
	})
	require.NoError(t, err)
	return s
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e", d, "first 16 hex chars of SHA-256")
	assert.Len(t, d, DigestLen)

	assert.NotEqual(t, d, Digest([]byte("hello!")))
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{data: fileapi.HashData{
		Version: "v1",
		Assets:  map[string]string{"app.js": "0123456789abcdef"},
	}}
	r := NewRegistry(f, nil, Config{})

	ctx := context.Background()
	m, err := r.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version)

	// Repeated access within the TTL serves the cached copy.
	for i := 0; i < 5; i++ {
		_, err := r.Manifest(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.count(), "fresh manifest must not refetch")
}

func TestRegistryRefreshesAfterTTL(t *testing.T) {
	f := &fakeFetcher{data: fileapi.HashData{Version: "v1"}}
	r := NewRegistry(f, nil, Config{TTL: 10 * time.Millisecond})

	ctx := context.Background()
	_, err := r.Manifest(ctx)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	f.mu.Lock()
	f.data.Version = "v2"
	f.mu.Unlock()

	m, err := r.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Version)
	assert.Equal(t, 2, f.count())
}

func TestRegistryDegradedFallback(t *testing.T) {
	f := &fakeFetcher{data: fileapi.HashData{
		Version: "v1",
		Assets:  map[string]string{"app.js": "0123456789abcdef"},
	}}
	r := NewRegistry(f, nil, Config{TTL: 10 * time.Millisecond})

	ctx := context.Background()
	_, err := r.Manifest(ctx)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	f.setErr(errors.New("origin unreachable"))

	// Expired copy plus failing origin serves the old copy, not an error.
	m, err := r.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version)

	d, ok := r.Lookup(ctx, "app.js")
	assert.True(t, ok)
	assert.Equal(t, "0123456789abcdef", d)
}

func TestRegistryErrsWithNothingToServe(t *testing.T) {
	f := &fakeFetcher{err: errors.New("origin unreachable")}
	r := NewRegistry(f, nil, Config{})

	_, err := r.Manifest(context.Background())
	assert.Error(t, err)

	_, ok := r.Lookup(context.Background(), "app.js")
	assert.False(t, ok)
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	st := testStore(t)
	f := &fakeFetcher{data: fileapi.HashData{
		Version: "v7",
		Assets:  map[string]string{"app.js": "0123456789abcdef"},
	}}

	_, err := NewRegistry(f, st, Config{}).Manifest(context.Background())
	require.NoError(t, err)

	// A second registry over the same store starts from the persisted copy
	// and, since that copy is still fresh, never touches the origin.
	broken := &fakeFetcher{err: errors.New("origin unreachable")}
	r2 := NewRegistry(broken, st, Config{})

	m, err := r2.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v7", m.Version)
	assert.Equal(t, 0, broken.count())
}

func TestLookupNormalizesPath(t *testing.T) {
	f := &fakeFetcher{data: fileapi.HashData{
		Assets: map[string]string{"js/app.js": "0123456789abcdef"},
	}}
	r := NewRegistry(f, nil, Config{})

	d, ok := r.Lookup(context.Background(), "/js/app.js")
	require.True(t, ok, "leading slash must not defeat the lookup")
	assert.Equal(t, "0123456789abcdef", d)

	_, ok = r.Lookup(context.Background(), "js/missing.js")
	assert.False(t, ok)
}
