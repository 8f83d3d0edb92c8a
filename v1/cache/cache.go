package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-perish/v1/loop"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-perish/v1/cache")

// Cache holds groups of items under comparable keys.
//
// Every key owns an ordered list of items. Items pushed with an expiration are
// removed by the sweep once it has passed; the whole key is removed once it is
// older than the configured lifetime. A Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*list.Element
	order   *list.List
	seq     uint64
	equal   func(a, b V) bool

	name         string
	lifetime     time.Duration
	now          func() time.Time
	logger       *slog.Logger
	traceEnabled bool

	loop *loop.Loop[SweepStats]

	sweepCounter    prometheus.Counter
	entryEvictions  *prometheus.CounterVec
	itemEvictions   prometheus.Counter
	sweepLatency    prometheus.Histogram
	entriesResident prometheus.GaugeFunc
}

type entry[K comparable, V any] struct {
	key       K
	items     []storedItem[V]
	createdAt time.Time
}

type storedItem[V any] struct {
	id        uint64
	value     V
	expiresAt time.Time
}

func (s storedItem[V]) perishable() bool { return !s.expiresAt.IsZero() }

// PerishableItem describes an item that carries its own expiration.
type PerishableItem[K comparable, V any] struct {
	Key       K
	Value     V
	ExpiresAt time.Time
}

// PerishableOptions filters Perishable and FlatPerishable.
type PerishableOptions struct {
	// Expired restricts the result to items whose expiration has passed.
	Expired bool
}

// New returns a new Cache. The sweep loop is created stopped; start it through
// Loop or create the cache with WithAutoStart.
func New[K comparable, V any](opts ...Option) (*Cache[K, V], error) {
	o := options{
		name:          "cache",
		checkInterval: defaultCheckInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	c := &Cache[K, V]{
		entries:      make(map[K]*list.Element),
		order:        list.New(),
		name:         o.name,
		lifetime:     o.lifetime,
		now:          o.now,
		logger:       o.logger,
		traceEnabled: o.tracing,
	}
	if o.registerer != nil {
		c.registerMetrics(o.registerer)
	}

	loopOpts := []loop.Option{
		loop.WithImmediate(false),
		loop.WithName(o.name),
		loop.WithLogger(o.logger),
	}
	if o.tracing {
		loopOpts = append(loopOpts, loop.WithTracing())
	}
	l, err := loop.New(c.sweepCycle, o.checkInterval, loopOpts...)
	if err != nil {
		return nil, err
	}
	c.loop = l
	if o.autoStart {
		l.Start(false)
	}
	return c, nil
}

func (c *Cache[K, V]) registerMetrics(reg prometheus.Registerer) {
	labels := prometheus.Labels{"cache": c.name}
	c.sweepCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "perish_cache_sweeps_total",
		Help:        "Total number of sweep passes",
		ConstLabels: labels,
	})
	c.entryEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "perish_cache_entry_evictions_total",
		Help:        "Total number of keys removed by sweeps",
		ConstLabels: labels,
	}, []string{"reason"})
	c.itemEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "perish_cache_item_evictions_total",
		Help:        "Total number of expired items removed by sweeps",
		ConstLabels: labels,
	})
	c.sweepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "perish_cache_sweep_seconds",
		Help:        "Duration of sweep passes",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	})
	c.entriesResident = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "perish_cache_entries",
		Help:        "Current number of keys in the cache",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Size()) })
	reg.MustRegister(c.sweepCounter, c.entryEvictions, c.itemEvictions, c.sweepLatency, c.entriesResident)
}

// UseValueEquality makes the sweep remove expired items by value: every item
// of the same key whose value equals an expired one is removed with it. By
// default only the expired item itself is removed.
func (c *Cache[K, V]) UseValueEquality(eq func(a, b V) bool) *Cache[K, V] {
	c.mu.Lock()
	c.equal = eq
	c.mu.Unlock()
	return c
}

// Loop returns the interval loop driving the sweep. Use it to start, stop or
// observe sweeps.
func (c *Cache[K, V]) Loop() *loop.Loop[SweepStats] { return c.loop }

// Close stops the sweep loop and waits for a running sweep to finish.
func (c *Cache[K, V]) Close() { c.loop.Close() }

// Size returns the number of keys in the cache.
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns all keys in insertion order.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Values returns the items of every key, grouped per key in insertion order.
func (c *Cache[K, V]) Values() [][]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]V, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).values())
	}
	return out
}

// FlatValues returns the items of every key as a single slice.
func (c *Cache[K, V]) FlatValues() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []V
	for el := c.order.Front(); el != nil; el = el.Next() {
		for _, it := range el.Value.(*entry[K, V]).items {
			out = append(out, it.value)
		}
	}
	return out
}

// Has reports whether key is in the cache.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.RLock()
	_, ok := c.entries[key]
	c.mu.RUnlock()
	return ok
}

// Clear removes every key. The sweep loop keeps its state.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Perishable returns the items that carry an expiration, grouped per key.
// Keys without matching items are left out.
func (c *Cache[K, V]) Perishable(opts PerishableOptions) [][]PerishableItem[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perishableLocked(c.now(), opts.Expired)
}

// FlatPerishable is like Perishable but returns a single slice.
func (c *Cache[K, V]) FlatPerishable(opts PerishableOptions) []PerishableItem[K, V] {
	groups := c.Perishable(opts)
	var out []PerishableItem[K, V]
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func (c *Cache[K, V]) perishableLocked(now time.Time, expired bool) [][]PerishableItem[K, V] {
	var out [][]PerishableItem[K, V]
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		var group []PerishableItem[K, V]
		for _, it := range e.items {
			if !it.perishable() || (expired && !now.After(it.expiresAt)) {
				continue
			}
			group = append(group, PerishableItem[K, V]{Key: e.key, Value: it.value, ExpiresAt: it.expiresAt})
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}

// Count returns the number of items stored under key. The boolean is false
// when the key does not exist.
func (c *Cache[K, V]) Count(key K) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return len(el.Value.(*entry[K, V]).items), true
}

// Get returns the items stored under key. The boolean is false when the key
// does not exist.
func (c *Cache[K, V]) Get(key K) ([]V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry[K, V]).values(), true
}

// Set stores values under key. An existing key is only replaced when
// overwrite is true, in which case its items lose any expiration but the key
// keeps its creation time. Set reports whether the values were stored.
func (c *Cache[K, V]) Set(key K, values []V, overwrite bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		if !overwrite {
			return false
		}
		el.Value.(*entry[K, V]).items = c.wrapLocked(values)
		return true
	}
	c.insertLocked(key, c.wrapLocked(values))
	return true
}

// Delete removes key and returns the items it held. The boolean is false when
// the key does not exist.
func (c *Cache[K, V]) Delete(key K) ([]V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.removeLocked(el)
	return el.Value.(*entry[K, V]).values(), true
}

// Push appends value to key, creating the key if needed. A positive expiresIn
// makes the item expire that long from now. Push returns the items now stored
// under key.
func (c *Cache[K, V]) Push(key K, value V, expiresIn time.Duration) []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	it := storedItem[V]{id: c.seq, value: value}
	if expiresIn > 0 {
		it.expiresAt = c.now().Add(expiresIn)
	}
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		e.items = append(e.items, it)
		return e.values()
	}
	return c.insertLocked(key, []storedItem[V]{it}).values()
}

// Pull keeps only the items of key for which keep returns true and returns
// them. A key left without items stays in the cache until the next sweep or
// an explicit Delete. The boolean is false when the key does not exist.
func (c *Cache[K, V]) Pull(key K, keep func(V) bool) ([]V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry[K, V])
	kept := e.items[:0]
	for _, it := range e.items {
		if keep(it.value) {
			kept = append(kept, it)
		}
	}
	clear(e.items[len(kept):])
	e.items = kept
	return e.values(), true
}

func (c *Cache[K, V]) wrapLocked(values []V) []storedItem[V] {
	items := make([]storedItem[V], len(values))
	for i, v := range values {
		c.seq++
		items[i] = storedItem[V]{id: c.seq, value: v}
	}
	return items
}

func (c *Cache[K, V]) insertLocked(key K, items []storedItem[V]) *entry[K, V] {
	e := &entry[K, V]{key: key, items: items, createdAt: c.now()}
	c.entries[key] = c.order.PushBack(e)
	return e
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry[K, V]).key)
}

func (e *entry[K, V]) values() []V {
	out := make([]V, len(e.items))
	for i, it := range e.items {
		out[i] = it.value
	}
	return out
}
