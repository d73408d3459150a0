/*
Package cache provides the tagged query cache.

Entries are keyed by an opaque string, carry optional tags and query
parameters, and expire after a TTL. Reads can serve expired data flagged as
stale while a refresh runs elsewhere:

	res := c.Get("goals:u1", cache.GetOptions{
		AllowStale: true,
		Revalidate: true,
		OnRevalidated: func(fresh interface{}) { render(fresh) },
	})

The first stale read of a key calls the configured Revalidator. Later stale
reads only register their callbacks, and every callback fires once when the
fresh value lands through Set.

# Invalidation

	c.InvalidateByTag("goals")                                  // every entry tagged "goals"
	c.InvalidateByParams(map[string]interface{}{"user_id": "u1"}) // entries whose params match

Tag sets are pruned when their last member goes away.

# Eviction

When a new key arrives at MaxSize, exactly one entry is evicted: the one with
the lowest PriorityFunc score, ties going to the least recently accessed.
DefaultPriority scores accessCount / (ms since last access + 1).

# Persistence

With a Persister configured, mutations schedule a debounced save of the live
entries. Restore loads unexpired entries back as json.RawMessage; GetAs
decodes them into the caller's type.
*/
package cache
