/*
Package config provides configuration management for the data layer.

Configuration is layered, lowest precedence first:

	defaults (NewDefault)
	  → YAML file (LoadFromFile)
	    → DATALAYER_* environment variables (LoadFromEnv)

Load applies all three and validates the result.

# Example

	global:
	  log_level: INFO
	  log_format: json
	backend:
	  url: https://project.example.co
	  api_key: ${ANON_KEY}
	  probe_table: categories
	connection:
	  timeout: 30s
	  retry_on_error: true
	  max_retries: 3
	queue:
	  batch_window: 100ms
	  max_batch_size: 10
	  rate_limit_cooldown: 60s
	cache:
	  max_size: 100
	  default_ttl: 5m
	  cleanup_interval: 1m
	  persistence:
	    enabled: true
	    driver: badger
	    path: /var/lib/datalayer

# Environment Variables

	DATALAYER_LOG_LEVEL            global.log_level
	DATALAYER_LOG_FORMAT           global.log_format
	DATALAYER_DEBUG                global.debug
	DATALAYER_BACKEND_URL          backend.url
	DATALAYER_API_KEY              backend.api_key
	DATALAYER_REQUESTS_PER_SECOND  backend.requests_per_second
	DATALAYER_CONNECTION_TIMEOUT   connection.timeout
	DATALAYER_CONNECTION_MAX_RETRIES connection.max_retries
	DATALAYER_BATCH_WINDOW         queue.batch_window
	DATALAYER_RATE_LIMIT_COOLDOWN  queue.rate_limit_cooldown
	DATALAYER_MAX_BATCH_SIZE       queue.max_batch_size
	DATALAYER_PROBE_URLS           queue.probe_urls (comma separated)
	DATALAYER_CACHE_MAX_SIZE       cache.max_size
	DATALAYER_CACHE_TTL            cache.default_ttl
	DATALAYER_CACHE_PERSISTENCE    cache.persistence.driver (also enables it)
	DATALAYER_CACHE_PATH           cache.persistence.path
	DATALAYER_CACHE_BUCKET         cache.persistence.bucket
	DATALAYER_METRICS_ADDRESS      metrics.address (also enables metrics)
*/
package config
