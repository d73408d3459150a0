package connection

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalog/datalayer/pkg/errors"
)

func transportManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig(nil)
	cfg.RequestBackoff = time.Millisecond
	cfg.RequestTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, (&fakeFactory{}).build)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	m := transportManager(t, nil)
	resp, err := m.HTTPClient().Get(srv.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id":1}]`, string(body))
	assert.EqualValues(t, 2, hits.Load())

	total, failures, streak := m.Telemetry().Totals()
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 1, failures)
	assert.Equal(t, 0, streak)
	assert.InDelta(t, 0.5, m.Health().SuccessRate, 0.001)
}

func TestTransportReturnsLastRateLimitResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	m := transportManager(t, func(c *Config) { c.RequestAttempts = 2 })
	resp, err := m.HTTPClient().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
	_, _, streak := m.Telemetry().Totals()
	assert.Equal(t, 2, streak)
}

func TestTransportReplaysRewindableBody(t *testing.T) {
	var hits atomic.Int32
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := transportManager(t, nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(`{"name":"a"}`)))
	require.NoError(t, err)
	resp, err := m.HTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}

func TestTransportSingleAttemptForStreamingBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := transportManager(t, nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("x"))))
	require.NoError(t, err)
	req.GetBody = nil
	resp, err := m.HTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
}

func TestTransportPerAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := transportManager(t, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	resp, err := m.HTTPClient().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.EqualValues(t, 2, hits.Load())
}

func TestTransportNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := transportManager(t, nil)
	_, err := m.HTTPClient().Get(url)
	require.Error(t, err)
	assert.Equal(t, errors.ClassNetwork, errors.Classify(err))

	total, failures, _ := m.Telemetry().Totals()
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 3, failures)
	assert.False(t, m.Health().Healthy)
}

func TestTelemetryRingAndSummary(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tel := NewTelemetry(3)
	for i := 0; i < 5; i++ {
		tel.Record(Sample{
			At:      now.Add(time.Duration(i) * time.Second),
			Latency: time.Duration(10*(i+1)) * time.Millisecond,
			Success: i != 3,
		})
	}

	snap := tel.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, now.Add(2*time.Second), snap[0].At)
	assert.Equal(t, now.Add(4*time.Second), snap[2].At)

	total, failures, streak := tel.Totals()
	assert.EqualValues(t, 5, total)
	assert.EqualValues(t, 1, failures)
	assert.Equal(t, 0, streak)

	sum := tel.Summarize(now.Add(4*time.Second), time.Minute)
	assert.Equal(t, 3, sum.Samples)
	assert.InDelta(t, 2.0/3.0, sum.SuccessRate, 0.001)
	assert.Equal(t, 40*time.Millisecond, sum.AverageLatency)
	assert.InDelta(t, float64(50*time.Millisecond), float64(sum.P95Latency), float64(time.Millisecond))

	windowed := tel.Summarize(now.Add(4*time.Second), 1500*time.Millisecond)
	assert.Equal(t, 2, windowed.Samples)

	empty := tel.Summarize(now.Add(time.Hour), time.Minute)
	assert.Equal(t, 0, empty.Samples)
	assert.Equal(t, 1.0, empty.SuccessRate)
}
