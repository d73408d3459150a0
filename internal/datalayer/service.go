// Package datalayer wires the connection manager, batch queue and query cache
// into one service with cache-first reads and tag-invalidating mutations.
package datalayer

import (
	"context"
	stderr "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/internal/backend/rest"
	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/internal/connection"
	"github.com/vitalog/datalayer/internal/metrics"
	"github.com/vitalog/datalayer/internal/persist"
	"github.com/vitalog/datalayer/internal/queue"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/utils"
)

// Options overrides parts of the wiring. Zero values build everything from
// the configuration.
type Options struct {
	// Factory builds backend clients. Defaults to the REST client.
	Factory connection.Factory
	// Persister replaces the configured snapshot store.
	Persister cache.Persister
	// Probes replace the configured connectivity probes.
	Probes  []queue.Prober
	Metrics *metrics.Collector
	Clock   clock.Clock
	Logger  *utils.StructuredLogger
}

// Health is a combined view of the service's components.
type Health struct {
	Connection connection.Health `json:"connection"`
	Queue      queue.Stats       `json:"queue"`
	Cache      cache.Stats       `json:"cache"`
}

// Service is the data access layer of one process.
type Service struct {
	config  *config.Configuration
	clock   clock.Clock
	logger  *utils.StructuredLogger
	conn    *connection.Manager
	queue   *queue.Queue
	cache   *cache.Cache
	store   persist.Store
	metrics *metrics.Collector

	fetchMu  sync.Mutex
	fetchers map[string]refresh

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a service from cfg. Nothing touches the network until the
// first operation.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Global); err != nil {
			return nil, err
		}
	}
	clk := clock.OrReal(opts.Clock)

	collector := opts.Metrics
	if collector == nil {
		var err error
		collector, err = metrics.NewCollector(metrics.ConfigFrom(cfg), logger.WithComponent("metrics"))
		if err != nil {
			return nil, err
		}
	}

	s := &Service{
		config:   cfg,
		clock:    clk,
		logger:   logger.WithComponent("datalayer"),
		metrics:  collector,
		fetchers: make(map[string]refresh),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	factory := opts.Factory
	if factory == nil {
		factory = restFactory(cfg.Backend, clk)
	}
	connCfg := connection.ConfigFrom(cfg)
	connCfg.Clock = clk
	connCfg.Logger = logger.WithComponent("connection")
	connCfg.Metrics = collector
	s.conn = connection.NewManager(connCfg, factory)

	queueCfg := queue.ConfigFrom(cfg, s.conn.HTTPClient())
	if opts.Probes != nil {
		queueCfg.Probes = opts.Probes
	}
	if len(queueCfg.Probes) == 0 {
		queueCfg.Probes = []queue.Prober{s.pingProbe}
	}
	queueCfg.Clock = clk
	queueCfg.Logger = logger.WithComponent("queue")
	queueCfg.Metrics = collector
	s.queue = queue.New(queueCfg)

	cacheCfg := cache.ConfigFrom(cfg)
	cacheCfg.Clock = clk
	cacheCfg.Logger = logger.WithComponent("cache")
	cacheCfg.Metrics = collector
	cacheCfg.Revalidator = s.revalidate
	cacheCfg.Persister = opts.Persister
	if cacheCfg.Persister == nil && cfg.Cache.Persistence.Enabled {
		store, err := persist.Open(ctx, cfg.Cache.Persistence)
		if err != nil {
			_ = s.conn.Close()
			return nil, fmt.Errorf("failed to open cache store: %w", err)
		}
		s.store = store
		cacheCfg.Persister = persist.NewBlobPersister(store, cfg.Cache.Persistence.Compression, clk,
			logger.WithComponent("persist"))
	}
	s.cache = cache.New(cacheCfg)

	collector.WatchCache(s.cache.Stats)
	collector.WatchQueue(s.queue.Stats)
	return s, nil
}

func restFactory(cfg config.BackendConfig, clk clock.Clock) connection.Factory {
	return func(httpClient *http.Client) (backend.Client, error) {
		return rest.New(rest.Config{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Schema:     cfg.Schema,
			ProbeTable: cfg.ProbeTable,
			HTTPClient: httpClient,
			Clock:      clk,
		})
	}
}

// pingProbe treats a reachable backend as proof of connectivity.
func (s *Service) pingProbe(ctx context.Context) error {
	h, err := s.conn.Get(ctx, connection.WithRetry(false, 0))
	if err != nil {
		return err
	}
	return h.Client().Ping(ctx)
}

// Start restores the persisted cache and starts background maintenance and
// the metrics endpoint. A snapshot that fails to load is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeShutdownInProgress, "service is stopped").WithComponent("datalayer")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if n, err := s.cache.Restore(ctx); err != nil {
		s.logger.Warn("starting with an empty cache", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.logger.Info("cache warmed from snapshot", map[string]interface{}{"entries": n})
	}
	if err := s.cache.Start(s.ctx); err != nil {
		return err
	}
	if err := s.metrics.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	s.logger.Info("data layer started", map[string]interface{}{
		"backend":     s.config.Backend.URL,
		"persistence": s.config.Cache.Persistence.Enabled,
	})
	return nil
}

// Stop rejects queued work, waits for in-flight refreshes, flushes the cache
// snapshot and releases the connection.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var errs []error
	if err := s.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	s.wg.Wait()
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache flush: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache store: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("data layer stopped")
	return stderr.Join(errs...)
}

// Close stops the service with a background context.
func (s *Service) Close() error {
	return s.Stop(context.Background())
}

// Health reports the state of every component.
func (s *Service) Health() Health {
	return Health{
		Connection: s.conn.Health(),
		Queue:      s.queue.Stats(),
		Cache:      s.cache.Stats(),
	}
}

// Connection exposes the connection manager.
func (s *Service) Connection() *connection.Manager { return s.conn }

// Queue exposes the batch queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Cache exposes the query cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Metrics exposes the collector.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }
