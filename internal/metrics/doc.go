/*
Package metrics exports data layer metrics to Prometheus.

# Overview

A single Collector implements the recorder interfaces of the connection,
queue and cache packages, so one value is passed to all three configs:

	collector, _ := metrics.NewCollector(metrics.ConfigFrom(cfg), logger)

	connCfg.Metrics = collector
	queueCfg.Metrics = collector
	cacheCfg.Metrics = collector

Architecture

	┌──────────────┐   ┌──────────┐   ┌──────────┐
	│  connection  │   │  queue   │   │  cache   │
	└──────┬───────┘   └────┬─────┘   └────┬─────┘
	       │ Recorder       │ Recorder     │ Recorder
	       └────────────────┼──────────────┘
	                  ┌─────▼─────┐
	                  │ Collector │
	                  └─────┬─────┘
	           ┌────────────┴────────────┐
	    ┌──────▼──────┐          ┌───────▼───────┐
	    │  Registry   │          │ HTTP handlers │
	    └─────────────┘          └───────────────┘

# Prometheus Metrics

Counters:
  - datalayer_backend_requests_total{method,status}: backend HTTP attempts
  - datalayer_errors_total{class}: failures by class (network, rate-limit, data, auth, ...)
  - datalayer_connection_inits_total{result}: client initializations
  - datalayer_connection_resets_total{reason}: discarded clients
  - datalayer_queue_items_total{category,outcome}: settled queue operations
  - datalayer_cache_events_total{event}: hits, misses, stale hits, writes, evictions
  - datalayer_reads_total{source,status}: reads served from cache, stale cache or backend

Histograms:
  - datalayer_backend_request_duration_seconds{method}
  - datalayer_connection_init_duration_seconds
  - datalayer_queue_batch_size
  - datalayer_read_duration_seconds{source}

Gauges:
  - datalayer_queue_status{status}: 1 for the active queue status
  - datalayer_queue_length, datalayer_cache_entries, datalayer_cache_size_bytes,
    datalayer_cache_hit_rate: read at scrape time through WatchQueue and WatchCache

# HTTP Endpoints

/metrics serves the registry, /health answers liveness probes and
/debug/reads returns per-source read counts and average latency as JSON.

A disabled collector accepts every call and records nothing.
*/
package metrics
