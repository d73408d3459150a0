// Package connection owns the process's backend connection: one health-checked
// handle, created lazily with single-flight initialization and reset when it
// is found corrupted.
package connection

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/retry"
	"github.com/vitalog/datalayer/pkg/utils"
)

const initKey = "connection"

// Handle is one live backend session.
type Handle struct {
	id        string
	createdAt time.Time
	lastUsed  atomic.Int64
	client    backend.Client
	released  atomic.Bool
	manager   *Manager
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// LastUsed returns the last time the handle was handed out or used.
func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// Client returns the backend client and marks the handle as used.
func (h *Handle) Client() backend.Client {
	h.touch()
	return h.client
}

// Valid reports whether the handle still exposes the full capability surface.
func (h *Handle) Valid() bool {
	return h != nil && !h.released.Load() && h.client != nil && h.client.Auth() != nil
}

// Release drops this handle. A released handle is never returned again.
func (h *Handle) Release() {
	if h.manager != nil {
		h.manager.releaseHandle(h, "released")
	}
}

func (h *Handle) touch() {
	h.lastUsed.Store(h.manager.clock.Now().UnixNano())
}

// Manager hands out the current connection handle.
type Manager struct {
	config    Config
	factory   Factory
	clock     clock.Clock
	logger    *utils.StructuredLogger
	telemetry *Telemetry
	http      *http.Client

	group singleflight.Group

	mu                sync.RWMutex
	state             State
	current           *Handle
	live              map[string]*Handle
	multipleInstances bool
	resets            int64
	inits             int64
	lastError         error
	closed            bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager that builds clients with factory.
func NewManager(config Config, factory Factory) *Manager {
	config.applyDefaults()
	telemetry := NewTelemetry(config.TelemetryHistory)

	m := &Manager{
		config:    config,
		factory:   factory,
		clock:     config.Clock,
		logger:    config.Logger,
		telemetry: telemetry,
		http:      &http.Client{Transport: newResilientTransport(config, telemetry)},
		live:      make(map[string]*Handle),
		stopCh:    make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}
	return m
}

// HTTPClient returns the resilient client every handle is built on.
func (m *Manager) HTTPClient() *http.Client {
	return m.http
}

// Telemetry exposes the rolling request history.
func (m *Manager) Telemetry() *Telemetry {
	return m.telemetry
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Get returns the current handle, initializing one if needed. Concurrent
// callers share a single in-flight initialization and observe the same
// handle or the same error. ctx only bounds this caller's wait.
func (m *Manager) Get(ctx context.Context, opts ...GetOption) (*Handle, error) {
	o := getOptions{
		timeout:      m.config.InitTimeout,
		retryOnError: m.config.RetryOnError,
		maxRetries:   m.config.MaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "connection manager is closed").
			WithComponent("connection").WithOperation("get")
	}
	if h := m.current; h != nil {
		if !h.Valid() {
			m.logger.Warn("connection handle corrupted, resetting", map[string]interface{}{"handle": h.id})
			m.resetLocked("corrupted")
		} else if !o.forceNew {
			m.mu.Unlock()
			h.touch()
			return h, nil
		}
	}
	m.mu.Unlock()

	ch := m.group.DoChan(initKey, func() (interface{}, error) {
		return m.initOnce(o)
	})

	select {
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeOperationCanceled, "gave up waiting for connection").
			WithComponent("connection").WithOperation("get").WithCause(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		h.touch()
		return h, nil
	}
}

// initOnce runs inside the single-flight group. A caller that saw no handle
// may arrive after another initialization published one and left the group,
// so the slot is checked again before building a second client.
func (m *Manager) initOnce(o getOptions) (*Handle, error) {
	if !o.forceNew {
		m.mu.RLock()
		h := m.current
		m.mu.RUnlock()
		if h != nil && h.Valid() {
			return h, nil
		}
	}
	return m.initialize(o)
}

// initialize builds a client, probes it and publishes the handle. It runs at
// most once at a time.
func (m *Manager) initialize(o getOptions) (*Handle, error) {
	m.setState(StateConnecting)
	start := m.clock.Now()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	attempts := 1
	if o.retryOnError {
		attempts += o.maxRetries
	}
	retryer := retry.New(retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: m.config.InitialBackoff,
		MaxDelay:     m.config.MaxBackoff,
		Multiplier:   2,
		Jitter:       true,
		Clock:        m.clock,
		ShouldRetry: func(err error) bool {
			return !errors.HasCode(err, errors.ErrCodeInvalidConfig)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.logger.Warn("connection probe failed, retrying", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	})

	var client backend.Client
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		c, err := m.connectOnce(ctx)
		if err != nil {
			return err
		}
		client = c
		return nil
	})

	latency := m.clock.Since(start)
	if err != nil {
		wrapped := errors.NewError(errors.ErrCodeConnectionFailed, "failed to initialize backend connection").
			WithComponent("connection").
			WithOperation("initialize").
			WithCause(err)
		m.mu.Lock()
		m.state = StateFailed
		m.lastError = wrapped
		m.mu.Unlock()
		m.logger.Error("connection initialization failed", map[string]interface{}{
			"error":    err.Error(),
			"duration": latency.String(),
		})
		if m.config.Metrics != nil {
			m.config.Metrics.ConnectionInit("failure", latency)
		}
		return nil, wrapped
	}

	h, err := m.publish(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	m.logger.Info("connection established", map[string]interface{}{
		"handle":   h.id,
		"duration": latency.String(),
	})
	if m.config.Metrics != nil {
		m.config.Metrics.ConnectionInit("success", latency)
	}
	return h, nil
}

func (m *Manager) connectOnce(ctx context.Context) (backend.Client, error) {
	client, err := m.factory(m.http)
	if err != nil {
		return nil, err
	}
	if client == nil || client.Auth() == nil {
		return nil, errors.NewError(errors.ErrCodeConnectionCorrupt, "factory returned an incomplete client").
			WithComponent("connection")
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (m *Manager) publish(client backend.Client) (*Handle, error) {
	now := m.clock.Now()
	h := &Handle{
		id:        uuid.NewString(),
		createdAt: now,
		client:    client,
		manager:   m,
	}
	h.lastUsed.Store(now.UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "connection manager closed during initialization").
			WithComponent("connection")
	}

	// A forced instance replaces the current slot but the previous handle
	// stays live until its holder releases it. MultipleInstances reports the
	// overlap instead of closing a client someone may still be using.
	m.current = h
	m.live[h.id] = h
	m.state = StateConnected
	m.lastError = nil
	m.inits++
	if len(m.live) > 1 && !m.multipleInstances {
		m.multipleInstances = true
		m.logger.Warn("multiple backend client instances alive", map[string]interface{}{
			"instances": len(m.live),
		})
	}
	return h, nil
}

// Reset invalidates the current handle. The next Get initializes a new one.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked("reset")
}

func (m *Manager) resetLocked(reason string) {
	if m.current == nil {
		return
	}
	h := m.current
	m.current = nil
	m.dropLocked(h)
	m.resets++
	if !m.closed {
		m.state = StateDisconnected
	}
	m.logger.Info("connection reset", map[string]interface{}{"handle": h.id, "reason": reason})
	if m.config.Metrics != nil {
		m.config.Metrics.ConnectionReset(reason)
	}
}

func (m *Manager) releaseHandle(h *Handle, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == h {
		m.resetLocked(reason)
		return
	}
	m.dropLocked(h)
}

func (m *Manager) dropLocked(h *Handle) {
	if h.released.Swap(true) {
		return
	}
	delete(m.live, h.id)
	if h.client != nil {
		_ = h.client.Close()
	}
}

// Close releases every handle and stops background work.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed
	m.current = nil
	for _, h := range m.live {
		m.dropLocked(h)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.http.CloseIdleConnections()
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.state = s
	}
}

// healthCheckLoop pings the current handle periodically so telemetry stays
// fresh while the application is idle.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.mu.RLock()
			h := m.current
			m.mu.RUnlock()
			if h == nil || !h.Valid() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.config.RequestTimeout)
			if err := h.client.Ping(ctx); err != nil {
				m.logger.Warn("connection health check failed", map[string]interface{}{
					"handle": h.id,
					"error":  err.Error(),
				})
			}
			cancel()
		}
	}
}
