package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/internal/queue"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/utils"
)

// Read sources reported by RecordRead.
const (
	SourceCache   = "cache"
	SourceStale   = "stale"
	SourceBackend = "backend"
)

// queueStatuses lists every queue status so the status gauge can be zeroed.
var queueStatuses = []queue.Status{
	queue.StatusIdle,
	queue.StatusPending,
	queue.StatusSuccess,
	queue.StatusError,
	queue.StatusRateLimited,
	queue.StatusNetworkError,
}

// Collector exports data layer metrics to Prometheus. It implements the
// recorder interfaces of the connection, queue and cache packages. A disabled
// collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	requestCounter   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	connectionInits  *prometheus.CounterVec
	connectionInitD  prometheus.Histogram
	connectionResets *prometheus.CounterVec
	queueItems       *prometheus.CounterVec
	queueBatchSize   prometheus.Histogram
	queueStatus      *prometheus.GaugeVec
	cacheEvents      *prometheus.CounterVec
	readCounter      *prometheus.CounterVec
	readDuration     *prometheus.HistogramVec

	cacheStats func() cache.Stats
	queueStats func() queue.Stats

	reads     map[string]*ReadMetrics
	lastReset time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// ConfigFrom maps the file configuration onto a metrics Config.
func ConfigFrom(cfg *config.Configuration) *Config {
	return &Config{
		Enabled:   cfg.Metrics.Enabled,
		Address:   cfg.Metrics.Address,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
		Labels:    make(map[string]string),
	}
}

// ReadMetrics tracks reads served from one source.
type ReadMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastRead      time.Time     `json:"last_read"`
}

// NewCollector creates a new metrics collector
func NewCollector(cfg *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if cfg == nil {
		cfg = &Config{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "datalayer",
			Labels:    make(map[string]string),
		}
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewDefaultLogger("metrics")
	}

	if !cfg.Enabled {
		return &Collector{config: cfg, logger: logger}, nil
	}

	c := &Collector{
		config:    cfg,
		registry:  prometheus.NewRegistry(),
		logger:    logger,
		reads:     make(map[string]*ReadMetrics),
		lastReset: time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WatchCache reports cache gauges from fn at scrape time.
func (c *Collector) WatchCache(fn func() cache.Stats) {
	c.mu.Lock()
	c.cacheStats = fn
	c.mu.Unlock()
}

// WatchQueue reports queue gauges from fn at scrape time.
func (c *Collector) WatchQueue(fn func() queue.Stats) {
	c.mu.Lock()
	c.queueStats = fn
	c.mu.Unlock()
}

// Handler returns the HTTP handler serving metrics, health and debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/reads", c.debugReadsHandler)
	return mux
}

// Start starts the metrics server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{
				"address": c.config.Address,
				"error":   err.Error(),
			})
		}
	}()
	c.logger.Info("metrics server listening", map[string]interface{}{
		"address": c.config.Address,
		"path":    c.config.Path,
	})
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// ObserveRequest records one backend HTTP attempt.
func (c *Collector) ObserveRequest(method string, status int, latency time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.requestCounter.With(prometheus.Labels{"method": method, "status": code}).Inc()
	c.requestDuration.With(prometheus.Labels{"method": method}).Observe(latency.Seconds())

	switch {
	case err != nil:
		c.RecordError(err)
	case status >= 400:
		c.errorCounter.With(prometheus.Labels{"class": errors.ClassifyStatus(status).String()}).Inc()
	}
}

// ConnectionInit records the outcome of a client initialization.
func (c *Collector) ConnectionInit(result string, latency time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.connectionInits.With(prometheus.Labels{"result": result}).Inc()
	c.connectionInitD.Observe(latency.Seconds())
}

// ConnectionReset records a discarded client.
func (c *Collector) ConnectionReset(reason string) {
	if !c.config.Enabled {
		return
	}
	c.connectionResets.With(prometheus.Labels{"reason": reason}).Inc()
}

// QueueItem records how one queued operation settled.
func (c *Collector) QueueItem(category, outcome string) {
	if !c.config.Enabled {
		return
	}
	if category == "" {
		category = "default"
	}
	c.queueItems.With(prometheus.Labels{"category": category, "outcome": outcome}).Inc()
}

// QueueBatch records a dispatched batch size.
func (c *Collector) QueueBatch(size int) {
	if !c.config.Enabled {
		return
	}
	c.queueBatchSize.Observe(float64(size))
}

// QueueStatus sets the status gauge: 1 for the current status, 0 for the rest.
func (c *Collector) QueueStatus(status string) {
	if !c.config.Enabled {
		return
	}
	for _, s := range queueStatuses {
		v := 0.0
		if s.String() == status {
			v = 1
		}
		c.queueStatus.With(prometheus.Labels{"status": s.String()}).Set(v)
	}
}

// CacheEvent records a cache event such as "hit" or "eviction".
func (c *Collector) CacheEvent(event string) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvents.With(prometheus.Labels{"event": event}).Inc()
}

// RecordRead records a data layer read served from source.
func (c *Collector) RecordRead(source string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.readCounter.With(prometheus.Labels{"source": source, "status": status}).Inc()
	c.readDuration.With(prometheus.Labels{"source": source}).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.reads[source]
	if !ok {
		m = &ReadMetrics{}
		c.reads[source] = m
	}
	m.Count++
	if err != nil {
		m.Errors++
	}
	m.TotalDuration += duration
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastRead = time.Now()
}

// RecordError counts err by its failure class.
func (c *Collector) RecordError(err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{"class": errors.Classify(err).String()}).Inc()
}

// GetMetrics returns a copy of the per-source read tracking.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	reads := make(map[string]ReadMetrics, len(c.reads))
	for k, v := range c.reads {
		reads[k] = *v
	}
	return map[string]interface{}{
		"reads":      reads,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the per-source read tracking. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = make(map[string]*ReadMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, fn)
}

func (c *Collector) initMetrics() {
	latencyBuckets := prometheus.ExponentialBuckets(0.001, 2, 15) // 1ms to ~16s

	c.requestCounter = c.counterVec("backend_requests_total", "Backend HTTP attempts by method and status", "method", "status")
	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "backend_request_duration_seconds",
		Help:        "Backend HTTP attempt latency in seconds",
		Buckets:     latencyBuckets,
		ConstLabels: c.config.Labels,
	}, []string{"method"})
	c.errorCounter = c.counterVec("errors_total", "Errors by failure class", "class")

	c.connectionInits = c.counterVec("connection_inits_total", "Client initializations by result", "result")
	c.connectionInitD = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "connection_init_duration_seconds",
		Help:        "Client initialization latency in seconds, retries included",
		Buckets:     latencyBuckets,
		ConstLabels: c.config.Labels,
	})
	c.connectionResets = c.counterVec("connection_resets_total", "Discarded clients by reason", "reason")

	c.queueItems = c.counterVec("queue_items_total", "Queued operations by category and outcome", "category", "outcome")
	c.queueBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "queue_batch_size",
		Help:        "Operations per dispatched batch",
		Buckets:     prometheus.LinearBuckets(1, 1, 10),
		ConstLabels: c.config.Labels,
	})
	c.queueStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "queue_status",
		Help:        "Current queue status (1 for the active status)",
		ConstLabels: c.config.Labels,
	}, []string{"status"})

	c.cacheEvents = c.counterVec("cache_events_total", "Cache events by type", "event")

	c.readCounter = c.counterVec("reads_total", "Data layer reads by source and status", "source", "status")
	c.readDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "read_duration_seconds",
		Help:        "Data layer read latency in seconds",
		Buckets:     latencyBuckets,
		ConstLabels: c.config.Labels,
	}, []string{"source"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.errorCounter,
		c.connectionInits,
		c.connectionInitD,
		c.connectionResets,
		c.queueItems,
		c.queueBatchSize,
		c.queueStatus,
		c.cacheEvents,
		c.readCounter,
		c.readDuration,
		c.gaugeFunc("cache_entries", "Entries currently cached", func() float64 {
			return float64(c.cacheSnapshot().Entries)
		}),
		c.gaugeFunc("cache_size_bytes", "Estimated size of cached data in bytes", func() float64 {
			return float64(c.cacheSnapshot().SizeBytes)
		}),
		c.gaugeFunc("cache_hit_rate", "Fresh hits over hits plus misses", func() float64 {
			return c.cacheSnapshot().HitRate
		}),
		c.gaugeFunc("queue_length", "Operations waiting in the queue", func() float64 {
			return float64(c.queueSnapshot().QueueLength)
		}),
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) cacheSnapshot() cache.Stats {
	c.mu.RLock()
	fn := c.cacheStats
	c.mu.RUnlock()
	if fn == nil {
		return cache.Stats{}
	}
	return fn()
}

func (c *Collector) queueSnapshot() queue.Stats {
	c.mu.RLock()
	fn := c.queueStats
	c.mu.RUnlock()
	if fn == nil {
		return queue.Stats{}
	}
	return fn()
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"datalayer-metrics"}`))
}

func (c *Collector) debugReadsHandler(w http.ResponseWriter, r *http.Request) {
	if !c.config.Enabled {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	metrics := c.GetMetrics()
	reads, _ := metrics["reads"].(map[string]ReadMetrics)

	sources := make([]string, 0, len(reads))
	for s := range reads {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	type row struct {
		Source string `json:"source"`
		ReadMetrics
	}
	out := struct {
		Uptime string `json:"uptime"`
		Reads  []row  `json:"reads"`
	}{Uptime: metrics["uptime"].(time.Duration).String(), Reads: make([]row, 0, len(sources))}
	for _, s := range sources {
		out.Reads = append(out.Reads, row{Source: s, ReadMetrics: reads[s]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
