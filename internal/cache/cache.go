package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/utils"
)

type entry struct {
	key          string
	data         interface{}
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	tags         []string
	params       map[string]interface{}
	size         int64
	seq          uint64
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Key:          e.key,
		CreatedAt:    e.createdAt,
		ExpiresAt:    e.expiresAt,
		LastAccessed: e.lastAccessed,
		AccessCount:  e.accessCount,
		Tags:         e.tags,
	}
}

// Cache is a tagged query cache with stale-while-revalidate reads and
// priority eviction. It is safe for concurrent use.
type Cache struct {
	config Config
	clock  clock.Clock
	logger *utils.StructuredLogger

	mu      sync.Mutex
	entries map[string]*entry
	tags    map[string]map[string]struct{}
	pending map[string][]func(interface{})
	seq     uint64

	hits          int64
	misses        int64
	staleHits     int64
	writes        int64
	evictions     int64
	expirations   int64
	invalidations int64

	dirty     bool
	saveTimer clock.Timer
	started   bool
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a cache.
func New(config Config) *Cache {
	config.applyDefaults()
	return &Cache{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		entries: make(map[string]*entry),
		tags:    make(map[string]map[string]struct{}),
		pending: make(map[string][]func(interface{})),
		stopCh:  make(chan struct{}),
	}
}

// Get reads key. Every successful read updates access metadata, fresh or not.
func (c *Cache) Get(key string, opts GetOptions) Result {
	var events []string

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.record("miss")
		return Result{}
	}

	now := c.clock.Now()
	expired := !now.Before(e.expiresAt)
	if expired && !opts.AllowStale {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		c.markDirtyLocked()
		c.mu.Unlock()
		c.record("expiration", "miss")
		return Result{}
	}

	stale := expired || (c.config.StaleTime > 0 && now.Sub(e.createdAt) >= c.config.StaleTime)
	e.lastAccessed = now
	e.accessCount++

	trigger := false
	if stale {
		c.staleHits++
		events = append(events, "stale_hit")
		if opts.Revalidate {
			trigger = c.markPendingLocked(key, opts.OnRevalidated)
		}
	} else {
		c.hits++
		events = append(events, "hit")
	}
	data := e.data
	c.mu.Unlock()

	c.record(events...)
	if trigger && c.config.Revalidator != nil {
		c.logger.Debug("revalidating stale entry", map[string]interface{}{"key": key})
		c.config.Revalidator(key)
	}
	return Result{Data: data, IsStale: stale, Found: true}
}

// markPendingLocked registers cb for key and reports whether this is the
// first pending revalidation for it.
func (c *Cache) markPendingLocked(key string, cb func(interface{})) bool {
	callbacks, exists := c.pending[key]
	if cb != nil {
		callbacks = append(callbacks, cb)
	}
	c.pending[key] = callbacks
	return !exists
}

// AbandonRevalidation drops the pending revalidation for key without firing
// its callbacks, so the next stale read triggers a fresh one. It reports
// whether a revalidation was pending.
func (c *Cache) AbandonRevalidation(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	delete(c.pending, key)
	return ok
}

// Set stores data under key. A new key on a full cache evicts exactly one
// entry first. Pending revalidation callbacks for key fire with data.
func (c *Cache) Set(key string, data interface{}, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	size := estimateSize(data)

	var events []string
	c.mu.Lock()
	now := c.clock.Now()
	existing := c.entries[key]
	if existing == nil && c.config.MaxSize > 0 && len(c.entries) >= c.config.MaxSize {
		if c.evictOneLocked(now) {
			events = append(events, "eviction")
		}
	}

	c.seq++
	e := &entry{
		key:          key,
		data:         data,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		tags:         dedupe(opts.Tags),
		params:       copyParams(opts.QueryParams),
		size:         size,
		seq:          c.seq,
	}
	if existing != nil {
		e.accessCount = existing.accessCount
		e.seq = existing.seq
		c.detachLocked(existing)
	}
	c.entries[key] = e
	for _, tag := range e.tags {
		members, ok := c.tags[tag]
		if !ok {
			members = make(map[string]struct{})
			c.tags[tag] = members
		}
		members[key] = struct{}{}
	}
	c.writes++
	events = append(events, "write")

	callbacks, revalidated := c.pending[key]
	delete(c.pending, key)
	c.markDirtyLocked()
	c.mu.Unlock()

	c.record(events...)
	if revalidated {
		c.logger.Debug("revalidation landed", map[string]interface{}{
			"key":       key,
			"callbacks": len(callbacks),
		})
	}
	for _, cb := range callbacks {
		c.fire(key, cb, data)
	}
}

func (c *Cache) fire(key string, cb func(interface{}), data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("revalidation callback panicked", map[string]interface{}{
				"key":   key,
				"panic": r,
			})
		}
	}()
	cb(data)
}

// evictOneLocked removes the entry with the lowest priority score. Ties go to
// the least recently accessed, then the oldest inserted.
func (c *Cache) evictOneLocked(now time.Time) bool {
	var (
		victim    *entry
		bestScore float64
	)
	for _, e := range c.entries {
		score := c.config.Priority(e.info(), now)
		if victim == nil ||
			score < bestScore ||
			(score == bestScore && e.lastAccessed.Before(victim.lastAccessed)) ||
			(score == bestScore && e.lastAccessed.Equal(victim.lastAccessed) && e.seq < victim.seq) {
			victim = e
			bestScore = score
		}
	}
	if victim == nil {
		return false
	}
	c.removeLocked(victim)
	c.evictions++
	c.logger.Debug("evicted entry", map[string]interface{}{
		"key":   victim.key,
		"score": bestScore,
	})
	return true
}

// Delete removes key. It reports whether an entry was removed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	c.markDirtyLocked()
	return true
}

// InvalidateByTag deletes every entry carrying tag and returns how many were removed.
func (c *Cache) InvalidateByTag(tag string) int {
	return c.InvalidateByTags(tag)
}

// InvalidateByTags deletes every entry carrying any of tags.
func (c *Cache) InvalidateByTags(tags ...string) int {
	c.mu.Lock()
	removed := 0
	for _, tag := range tags {
		for key := range c.tags[tag] {
			if e, ok := c.entries[key]; ok {
				c.removeLocked(e)
				removed++
			}
		}
	}
	c.finishInvalidationLocked(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("invalidated by tag", map[string]interface{}{
			"tags":    tags,
			"removed": removed,
		})
		c.record("invalidation")
	}
	return removed
}

// InvalidateByParams deletes every entry whose query params contain all of
// params. An empty params map matches nothing.
func (c *Cache) InvalidateByParams(params map[string]interface{}) int {
	if len(params) == 0 {
		return 0
	}

	c.mu.Lock()
	removed := 0
	for _, e := range c.entries {
		if matchParams(e.params, params) {
			c.removeLocked(e)
			removed++
		}
	}
	c.finishInvalidationLocked(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.record("invalidation")
	}
	return removed
}

func (c *Cache) finishInvalidationLocked(removed int) {
	if removed == 0 {
		return
	}
	c.invalidations += int64(removed)
	c.markDirtyLocked()
}

// Clear drops every entry, tag and pending revalidation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.tags = make(map[string]map[string]struct{})
	c.pending = make(map[string][]func(interface{}))
	c.markDirtyLocked()
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats computes cache statistics from the current contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:              len(c.entries),
		MaxSize:              c.config.MaxSize,
		Tags:                 len(c.tags),
		Hits:                 c.hits,
		Misses:               c.misses,
		StaleHits:            c.staleHits,
		Writes:               c.writes,
		Evictions:            c.evictions,
		Expirations:          c.expirations,
		Invalidations:        c.invalidations,
		PendingRevalidations: len(c.pending),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}

	var accesses int64
	for _, e := range c.entries {
		accesses += e.accessCount
		s.SizeBytes += e.size
		if s.OldestEntry == nil || e.createdAt.Before(*s.OldestEntry) {
			t := e.createdAt
			s.OldestEntry = &t
		}
		if s.NewestEntry == nil || e.createdAt.After(*s.NewestEntry) {
			t := e.createdAt
			s.NewestEntry = &t
		}
	}
	if len(c.entries) > 0 {
		s.AverageAccessCount = float64(accesses) / float64(len(c.entries))
	}
	return s
}

// removeLocked deletes e and detaches it from its tags.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.detachLocked(e)
}

// detachLocked removes e from every tag set, pruning empty sets.
func (c *Cache) detachLocked(e *entry) {
	for _, tag := range e.tags {
		members, ok := c.tags[tag]
		if !ok {
			continue
		}
		delete(members, e.key)
		if len(members) == 0 {
			delete(c.tags, tag)
		}
	}
}

func (c *Cache) record(events ...string) {
	if c.config.Metrics == nil {
		return
	}
	for _, ev := range events {
		c.config.Metrics.CacheEvent(ev)
	}
}

func matchParams(stored, want map[string]interface{}) bool {
	if len(stored) == 0 {
		return false
	}
	for k, v := range want {
		sv, ok := stored[k]
		if !ok || fmt.Sprint(sv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func estimateSize(data interface{}) int64 {
	switch v := data.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(v))
	case json.RawMessage:
		return int64(len(v))
	case string:
		return int64(len(v))
	}
	b, err := json.Marshal(data)
	if err != nil {
		return int64(len(fmt.Sprint(data)))
	}
	return int64(len(b))
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
