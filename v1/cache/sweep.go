package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-perish/v1/loop"
)

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	// Entries is the number of keys removed for exceeding the lifetime.
	Entries int
	// Items is the number of expired items removed.
	Items int
	// Empty is the number of keys removed because they held no items.
	Empty int
	// Remaining is the number of keys left after the pass.
	Remaining int
	// Duration is the wall time spent in the pass.
	Duration time.Duration
}

type expiredRef[K comparable, V any] struct {
	key   K
	id    uint64
	value V
}

func (c *Cache[K, V]) sweepCycle(ctx context.Context, _ *loop.Loop[SweepStats]) (SweepStats, error) {
	return c.Sweep(ctx), nil
}

// Sweep runs one eviction pass immediately. Keys older than the lifetime are
// removed first; expired items are then removed from the keys that remain,
// and keys left without items are dropped. Sweep holds the cache lock for the
// whole pass.
func (c *Cache[K, V]) Sweep(ctx context.Context) SweepStats {
	var span trace.Span
	if c.traceEnabled {
		_, span = tracer.Start(ctx, "Cache.Sweep")
		defer span.End()
	}
	start := time.Now()

	c.mu.Lock()
	now := c.now()
	var st SweepStats
	if c.lifetime > 0 {
		for el := c.order.Front(); el != nil; {
			next := el.Next()
			if now.Sub(el.Value.(*entry[K, V]).createdAt) > c.lifetime {
				c.removeLocked(el)
				st.Entries++
			}
			el = next
		}
	}

	// Collected over what the lifetime pass left behind.
	var expired []expiredRef[K, V]
	for _, group := range c.expiredLocked(now) {
		expired = append(expired, group...)
	}
	for _, ref := range expired {
		el, ok := c.entries[ref.key]
		if !ok {
			continue
		}
		e := el.Value.(*entry[K, V])
		kept := e.items[:0]
		for _, it := range e.items {
			if c.matchesLocked(it, ref) {
				continue
			}
			kept = append(kept, it)
		}
		st.Items += len(e.items) - len(kept)
		clear(e.items[len(kept):])
		e.items = kept
		if len(e.items) == 0 {
			c.removeLocked(el)
			st.Empty++
		}
	}

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if len(el.Value.(*entry[K, V]).items) == 0 {
			c.removeLocked(el)
			st.Empty++
		}
		el = next
	}
	st.Remaining = len(c.entries)
	c.mu.Unlock()

	st.Duration = time.Since(start)
	c.observe(st)
	if c.traceEnabled {
		span.SetAttributes(
			attribute.Int("perish.cache.evicted_entries", st.Entries),
			attribute.Int("perish.cache.evicted_items", st.Items),
			attribute.Int("perish.cache.empty_entries", st.Empty),
			attribute.Int("perish.cache.remaining", st.Remaining),
		)
	}
	if st.Entries+st.Items+st.Empty > 0 {
		c.logger.Debug("perish: sweep evicted",
			"cache", c.name,
			"entries", st.Entries,
			"items", st.Items,
			"empty", st.Empty,
			"remaining", st.Remaining,
		)
	}
	return st
}

// expiredLocked lists expired items per key, like Perishable with Expired set,
// keeping the item identity needed for removal.
func (c *Cache[K, V]) expiredLocked(now time.Time) [][]expiredRef[K, V] {
	var out [][]expiredRef[K, V]
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		var group []expiredRef[K, V]
		for _, it := range e.items {
			if it.perishable() && now.After(it.expiresAt) {
				group = append(group, expiredRef[K, V]{key: e.key, id: it.id, value: it.value})
			}
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}

func (c *Cache[K, V]) matchesLocked(it storedItem[V], ref expiredRef[K, V]) bool {
	if c.equal != nil {
		return c.equal(it.value, ref.value)
	}
	return it.id == ref.id
}

func (c *Cache[K, V]) observe(st SweepStats) {
	if c.sweepCounter == nil {
		return
	}
	c.sweepCounter.Inc()
	c.entryEvictions.WithLabelValues("lifetime").Add(float64(st.Entries))
	c.entryEvictions.WithLabelValues("empty").Add(float64(st.Empty))
	c.itemEvictions.Add(float64(st.Items))
	c.sweepLatency.Observe(st.Duration.Seconds())
}
