package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/utils"
)

// EntryInfo is the metadata a PriorityFunc scores.
type EntryInfo struct {
	Key          string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Tags         []string
}

// PriorityFunc scores an entry for eviction. The lowest score is evicted first.
type PriorityFunc func(info EntryInfo, now time.Time) float64

// DefaultPriority favours entries that are accessed often and recently:
// accessCount / (milliseconds since last access + 1).
func DefaultPriority(info EntryInfo, now time.Time) float64 {
	idle := now.Sub(info.LastAccessed).Milliseconds()
	if idle < 0 {
		idle = 0
	}
	return float64(info.AccessCount) / float64(idle+1)
}

// PersistedEntry is the durable form of one cache entry.
type PersistedEntry struct {
	Key          string                 `json:"key"`
	Data         json.RawMessage        `json:"data"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	AccessCount  int64                  `json:"access_count"`
	Tags         []string               `json:"tags,omitempty"`
	QueryParams  map[string]interface{} `json:"query_params,omitempty"`
}

// Persister stores the live entry set as a single blob.
type Persister interface {
	Load(ctx context.Context) ([]PersistedEntry, error)
	Save(ctx context.Context, entries []PersistedEntry) error
}

// Revalidator is asked to refresh a key whose stale data was served. The
// fresh result is expected to land through Set.
type Revalidator func(key string)

// Recorder receives cache events such as "hit", "miss" or "eviction".
type Recorder interface {
	CacheEvent(event string)
}

// Config configures a Cache.
type Config struct {
	MaxSize    int
	DefaultTTL time.Duration
	// StaleTime marks entries stale before they expire. Zero disables soft staleness.
	StaleTime       time.Duration
	CleanupInterval time.Duration
	SaveDebounce    time.Duration

	Priority    PriorityFunc
	Persister   Persister
	Revalidator Revalidator

	Clock   clock.Clock
	Logger  *utils.StructuredLogger
	Metrics Recorder
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxSize:         100,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
		SaveDebounce:    time.Second,
	}
}

// ConfigFrom maps the file configuration onto a cache Config. The persister
// is wired separately.
func ConfigFrom(cfg *config.Configuration) Config {
	c := DefaultConfig()
	c.MaxSize = cfg.Cache.MaxSize
	c.DefaultTTL = cfg.Cache.DefaultTTL
	c.StaleTime = cfg.Cache.StaleTime
	c.CleanupInterval = cfg.Cache.CleanupInterval
	c.SaveDebounce = cfg.Cache.Persistence.SaveDebounce
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxSize < 0 {
		c.MaxSize = 0
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.StaleTime < 0 {
		c.StaleTime = 0
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = d.SaveDebounce
	}
	if c.Priority == nil {
		c.Priority = DefaultPriority
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger("cache")
	}
}

// GetOptions controls a single read.
type GetOptions struct {
	// AllowStale returns expired data flagged stale instead of purging it.
	AllowStale bool
	// Revalidate requests a background refresh when stale data is served.
	Revalidate bool
	// OnRevalidated fires once with the fresh data when the refresh lands.
	OnRevalidated func(data interface{})
}

// SetOptions controls a single write.
type SetOptions struct {
	TTL         time.Duration
	Tags        []string
	QueryParams map[string]interface{}
}

// Result is the outcome of a read.
type Result struct {
	Data    interface{}
	IsStale bool
	Found   bool
}

// Stats tracks cache statistics
type Stats struct {
	Entries              int        `json:"entries"`
	MaxSize              int        `json:"max_size"`
	Tags                 int        `json:"tags"`
	Hits                 int64      `json:"hits"`
	Misses               int64      `json:"misses"`
	StaleHits            int64      `json:"stale_hits"`
	Writes               int64      `json:"writes"`
	Evictions            int64      `json:"evictions"`
	Expirations          int64      `json:"expirations"`
	Invalidations        int64      `json:"invalidations"`
	HitRate              float64    `json:"hit_rate"`
	AverageAccessCount   float64    `json:"average_access_count"`
	SizeBytes            int64      `json:"size_bytes"`
	OldestEntry          *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry          *time.Time `json:"newest_entry,omitempty"`
	PendingRevalidations int        `json:"pending_revalidations"`
}
