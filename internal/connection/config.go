package connection

import (
	"net/http"
	"time"

	"github.com/vitalog/datalayer/internal/backend"
	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/utils"
)

// State is the lifecycle state of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Factory builds a backend client on top of the manager's resilient HTTP client.
type Factory func(httpClient *http.Client) (backend.Client, error)

// Recorder receives connection metrics. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveRequest(method string, status int, latency time.Duration, err error)
	ConnectionInit(result string, latency time.Duration)
	ConnectionReset(reason string)
}

// Config configures a Manager.
type Config struct {
	// InitTimeout bounds one whole initialization, retries included.
	InitTimeout    time.Duration
	RetryOnError   bool
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout bounds each HTTP attempt made through the transport.
	RequestTimeout  time.Duration
	RequestAttempts int
	RequestBackoff  time.Duration

	// RequestsPerSecond paces outgoing requests when > 0.
	RequestsPerSecond float64
	Burst             int

	TelemetryHistory int
	HealthWindow     time.Duration
	// HealthCheckInterval enables a background ping of the current handle when > 0.
	HealthCheckInterval time.Duration

	Transport http.RoundTripper
	Clock     clock.Clock
	Logger    *utils.StructuredLogger
	Metrics   Recorder
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		InitTimeout:      30 * time.Second,
		RetryOnError:     true,
		MaxRetries:       3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		RequestTimeout:   15 * time.Second,
		RequestAttempts:  3,
		RequestBackoff:   500 * time.Millisecond,
		Burst:            10,
		TelemetryHistory: 100,
		HealthWindow:     5 * time.Minute,
	}
}

// ConfigFrom maps the file configuration onto a manager Config.
func ConfigFrom(cfg *config.Configuration) Config {
	c := DefaultConfig()
	c.InitTimeout = cfg.Connection.Timeout
	c.RetryOnError = cfg.Connection.RetryOnError
	c.MaxRetries = cfg.Connection.MaxRetries
	c.InitialBackoff = cfg.Connection.InitialBackoff
	c.MaxBackoff = cfg.Connection.MaxBackoff
	c.RequestAttempts = cfg.Connection.RequestAttempts
	c.TelemetryHistory = cfg.Connection.TelemetryHistory
	c.HealthWindow = cfg.Connection.HealthWindow
	c.RequestTimeout = cfg.Backend.Timeout
	c.RequestsPerSecond = cfg.Backend.RequestsPerSecond
	c.Burst = cfg.Backend.Burst
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RequestAttempts <= 0 {
		c.RequestAttempts = d.RequestAttempts
	}
	if c.RequestBackoff <= 0 {
		c.RequestBackoff = d.RequestBackoff
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.TelemetryHistory <= 0 {
		c.TelemetryHistory = d.TelemetryHistory
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger("connection")
	}
}

// GetOption customizes a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	forceNew     bool
	timeout      time.Duration
	retryOnError bool
	maxRetries   int
}

// ForceNew builds a fresh handle even when a valid one exists.
func ForceNew() GetOption {
	return func(o *getOptions) { o.forceNew = true }
}

// WithTimeout bounds the initialization this call may trigger.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) { o.timeout = d }
}

// WithRetry overrides whether a failed connectivity probe is retried, and how often.
func WithRetry(retryOnError bool, maxRetries int) GetOption {
	return func(o *getOptions) {
		o.retryOnError = retryOnError
		o.maxRetries = maxRetries
	}
}
