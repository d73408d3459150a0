package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/internal/persist"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, debug = "", "", false

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigShowMasksSecrets(t *testing.T) {
	t.Setenv("DATALAYER_API_KEY", "super-secret")
	t.Setenv("DATALAYER_BACKEND_URL", "https://example.test")

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "url: https://example.test")
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, redacted)

	out, err = run(t, "config", "show", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "super-secret")
}

func TestConfigShowRejectsInvalidOverride(t *testing.T) {
	_, err := run(t, "config", "show", "--log-level", "LOUD")
	assert.Error(t, err)
}

func TestCacheInspectAndClear(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATALAYER_CACHE_PERSISTENCE", "file")
	t.Setenv("DATALAYER_CACHE_PATH", dir)

	ctx := context.Background()
	store, err := persist.Open(ctx, config.PersistenceConfig{Driver: "file", Path: dir, Key: "query-cache"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, persist.NewBlobPersister(store, true, nil, nil).Save(ctx, []cache.PersistedEntry{
		{Key: "goals:u1", Data: json.RawMessage(`[1,2]`), CreatedAt: now, ExpiresAt: now.Add(time.Hour), Tags: []string{"goals"}},
		{Key: "categories", Data: json.RawMessage(`[]`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "cache", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:  2")
	assert.Contains(t, out, "goals:u1")
	assert.Contains(t, out, "goals\n")

	out, err = run(t, "cache", "inspect", "--json")
	require.NoError(t, err)
	var snap persist.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "categories", snap.Entries[0].Key)

	_, err = run(t, "cache", "clear")
	require.NoError(t, err)
	out, err = run(t, "cache", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:  0")
}

func TestCacheInspectRequiresPersistence(t *testing.T) {
	_, err := run(t, "cache", "inspect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence is disabled")
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	t.Setenv("DATALAYER_BACKEND_URL", srv.URL)

	out, err := run(t, "probe")
	require.NoError(t, err)
	var res struct {
		Online bool `json:"online"`
		Health struct {
			State   string `json:"state"`
			Healthy bool   `json:"healthy"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Online)
	assert.True(t, res.Health.Healthy)
	assert.Equal(t, "connected", res.Health.State)
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	t.Setenv("DATALAYER_BACKEND_URL", url)
	t.Setenv("DATALAYER_CONNECTION_TIMEOUT", "2s")

	_, err := run(t, "probe", "--no-retry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unreachable")
}

func TestServeWarmsUpThenStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	t.Setenv("DATALAYER_BACKEND_URL", srv.URL)
	configPath, logLevel, debug = "", "", false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve", "--shutdown-timeout", "2s"})

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	// Connection init and the connectivity check each ping the backend.
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
