package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vitalog/datalayer/pkg/errors"
)

// Start launches periodic expiry cleanup. It stops when ctx is done or the
// cache is closed.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "cache is closed").WithComponent("cache")
	}
	if c.started {
		return fmt.Errorf("cache maintenance already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.cleanupLoop(ctx)
	return nil
}

func (c *Cache) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C():
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("purged expired entries", map[string]interface{}{"count": n})
			}
		}
	}
}

// Cleanup purges every entry past its expiry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	now := c.clock.Now()
	removed := 0
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.expirations += int64(removed)
		c.markDirtyLocked()
	}
	c.mu.Unlock()

	for i := 0; i < removed; i++ {
		c.record("expiration")
	}
	return removed
}

// markDirtyLocked schedules a debounced save when persistence is enabled.
func (c *Cache) markDirtyLocked() {
	if c.config.Persister == nil || c.closed {
		return
	}
	c.dirty = true
	if c.saveTimer != nil {
		return
	}
	c.saveTimer = c.clock.AfterFunc(c.config.SaveDebounce, func() {
		c.mu.Lock()
		c.saveTimer = nil
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			_ = c.Save(context.Background())
		}()
	})
}

// Save writes the live entries through the persister. Failures are logged
// and returned; they never affect Get or Set.
func (c *Cache) Save(ctx context.Context) error {
	if c.config.Persister == nil {
		return nil
	}

	c.mu.Lock()
	now := c.clock.Now()
	live := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			cp := *e
			live = append(live, &cp)
		}
	}
	c.dirty = false
	c.mu.Unlock()

	out := make([]PersistedEntry, 0, len(live))
	for _, e := range live {
		raw, err := encodeData(e.data)
		if err != nil {
			c.logger.Warn("skipping unserializable cache entry", map[string]interface{}{
				"key":   e.key,
				"error": err.Error(),
			})
			continue
		}
		out = append(out, PersistedEntry{
			Key:          e.key,
			Data:         raw,
			CreatedAt:    e.createdAt,
			ExpiresAt:    e.expiresAt,
			LastAccessed: e.lastAccessed,
			AccessCount:  e.accessCount,
			Tags:         e.tags,
			QueryParams:  e.params,
		})
	}

	if err := c.config.Persister.Save(ctx, out); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		c.logger.Error("failed to persist cache", map[string]interface{}{
			"entries": len(out),
			"error":   err.Error(),
		})
		return err
	}
	c.logger.Debug("persisted cache", map[string]interface{}{"entries": len(out)})
	return nil
}

// Restore loads persisted entries whose expiry is still in the future. Data
// comes back as json.RawMessage; use GetAs to decode it.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	if c.config.Persister == nil {
		return 0, nil
	}
	persisted, err := c.config.Persister.Load(ctx)
	if err != nil {
		c.logger.Error("failed to restore cache", map[string]interface{}{"error": err.Error()})
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	restored := 0
	for _, pe := range persisted {
		if !now.Before(pe.ExpiresAt) {
			continue
		}
		if _, exists := c.entries[pe.Key]; exists {
			continue
		}
		if c.config.MaxSize > 0 && len(c.entries) >= c.config.MaxSize {
			break
		}
		c.seq++
		e := &entry{
			key:          pe.Key,
			data:         pe.Data,
			createdAt:    pe.CreatedAt,
			expiresAt:    pe.ExpiresAt,
			lastAccessed: pe.LastAccessed,
			accessCount:  pe.AccessCount,
			tags:         dedupe(pe.Tags),
			params:       copyParams(pe.QueryParams),
			size:         int64(len(pe.Data)),
			seq:          c.seq,
		}
		c.entries[e.key] = e
		for _, tag := range e.tags {
			members, ok := c.tags[tag]
			if !ok {
				members = make(map[string]struct{})
				c.tags[tag] = members
			}
			members[e.key] = struct{}{}
		}
		restored++
	}
	c.logger.Info("restored cache", map[string]interface{}{
		"restored": restored,
		"skipped":  len(persisted) - restored,
	})
	return restored, nil
}

// Close stops maintenance and flushes unsaved changes.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	dirty := c.dirty
	c.mu.Unlock()

	var err error
	if dirty {
		err = c.Save(context.Background())
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.stopCh)
	c.wg.Wait()
	return err
}

// GetAs reads key and converts the data to T. Restored entries hold
// json.RawMessage, which is decoded into T. Data that cannot be converted is
// reported as a miss.
func GetAs[T any](c *Cache, key string, opts GetOptions) (T, Result) {
	var zero T
	res := c.Get(key, opts)
	if !res.Found {
		return zero, res
	}
	switch v := res.Data.(type) {
	case T:
		return v, res
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			c.logger.Warn("cached data does not decode", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return zero, Result{}
		}
		return out, res
	default:
		return zero, Result{}
	}
}

func encodeData(data interface{}) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
