package queue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/utils"
)

// CategoryAuth is the reserved category whose operations run in isolation.
const CategoryAuth = "auth"

// Priority orders queued items. Higher values dispatch first and the zero
// value is PriorityMedium.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityMedium Priority = 0
	PriorityHigh   Priority = 1
)

// String returns string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses "high", "medium" or "low". Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("invalid priority: %s", s)
	}
}

// Status is the observable state of the queue.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
	StatusRateLimited
	StatusNetworkError
)

// String returns string representation of the status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusRateLimited:
		return "rate-limited"
	case StatusNetworkError:
		return "network-error"
	default:
		return "unknown"
	}
}

// Operation is a unit of deferred backend work.
type Operation func(ctx context.Context) (interface{}, error)

// Options controls how one operation is queued.
type Options struct {
	Priority Priority
	// Category is a free-form label. CategoryAuth forces isolated execution.
	Category string
	// BypassBatching runs the operation immediately, pausing batch dispatch while it runs.
	BypassBatching bool
	// RetryOnNetworkError requeues the item after a network failure while retries remain.
	RetryOnNetworkError bool
	// MaxRetries caps network requeues. Zero uses the queue default.
	MaxRetries int
}

// Prober checks connectivity to one endpoint.
type Prober func(ctx context.Context) error

// Recorder receives queue metrics. Implementations must be safe for concurrent use.
type Recorder interface {
	QueueItem(category, outcome string)
	QueueBatch(size int)
	QueueStatus(status string)
}

// Config configures a Queue.
type Config struct {
	// BatchWindow is the debounce delay between an enqueue and the dispatch it triggers.
	BatchWindow       time.Duration
	MaxBatchSize      int
	RateLimitCooldown time.Duration
	// NetworkRecheckDelay is how long to wait before probing after a network failure.
	NetworkRecheckDelay time.Duration
	DefaultMaxRetries   int
	Probes              []Prober
	ProbeTimeout        time.Duration

	Clock   clock.Clock
	Logger  *utils.StructuredLogger
	Metrics Recorder
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchWindow:         100 * time.Millisecond,
		MaxBatchSize:        10,
		RateLimitCooldown:   60 * time.Second,
		NetworkRecheckDelay: 5 * time.Second,
		DefaultMaxRetries:   3,
		ProbeTimeout:        5 * time.Second,
	}
}

// ConfigFrom maps the file configuration onto a queue Config. Probe URLs are
// checked with httpClient.
func ConfigFrom(cfg *config.Configuration, httpClient *http.Client) Config {
	c := DefaultConfig()
	q := cfg.Queue
	c.BatchWindow = q.BatchWindow
	c.MaxBatchSize = q.MaxBatchSize
	c.RateLimitCooldown = q.RateLimitCooldown
	c.NetworkRecheckDelay = q.NetworkRecheckDelay
	c.DefaultMaxRetries = q.DefaultMaxRetries
	c.ProbeTimeout = q.ProbeTimeout
	for _, url := range q.ProbeURLs {
		c.Probes = append(c.Probes, HTTPProbe(httpClient, url))
	}
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	if c.NetworkRecheckDelay <= 0 {
		c.NetworkRecheckDelay = d.NetworkRecheckDelay
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger("queue")
	}
}

// Stats tracks queue statistics
type Stats struct {
	Enqueued         int64     `json:"enqueued"`
	Bypassed         int64     `json:"bypassed"`
	Batches          int64     `json:"batches"`
	Succeeded        int64     `json:"succeeded"`
	Failed           int64     `json:"failed"`
	Retried          int64     `json:"retried"`
	Cleared          int64     `json:"cleared"`
	RateLimitEvents  int64     `json:"rate_limit_events"`
	NetworkErrors    int64     `json:"network_errors"`
	QueueLength      int       `json:"queue_length"`
	Status           string    `json:"status"`
	Processing       bool      `json:"processing"`
	RateLimitedUntil time.Time `json:"rate_limited_until,omitempty"`
	NetworkDown      bool      `json:"network_down"`
	AuthInProgress   bool      `json:"auth_in_progress"`
}
