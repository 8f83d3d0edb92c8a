package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	perisherrors "github.com/mirkobrombin/go-perish/v1/errors"
	"github.com/mirkobrombin/go-perish/v1/loop"
)

type loopOf = loop.Loop[SweepStats]

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// newCache returns a cache driven by a fake clock and closed at the end of the test.
func newCache[K comparable, V any](t *testing.T, opts ...Option) (*Cache[K, V], *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c, err := New[K, V](append([]Option{WithClock(clock.Now), WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, clock
}

func TestCacheSetOverwrite(t *testing.T) {
	c, _ := newCache[string, int](t)
	if !c.Set("k", []int{1, 2, 3}, false) {
		t.Fatal("expected first Set to succeed")
	}
	if c.Set("k", []int{9}, false) {
		t.Fatal("expected Set without overwrite to fail")
	}
	if v, ok := c.Get("k"); !ok || !reflect.DeepEqual(v, []int{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", v)
	}
	if !c.Set("k", []int{9}, true) {
		t.Fatal("expected Set with overwrite to succeed")
	}
	if v, _ := c.Get("k"); !reflect.DeepEqual(v, []int{9}) {
		t.Fatalf("expected [9], got %v", v)
	}
}

func TestCacheKeysStayUnique(t *testing.T) {
	c, _ := newCache[int, string](t)
	for i := 0; i < 50; i++ {
		k := i % 7
		if i%2 == 0 {
			c.Push(k, "x", 0)
		} else {
			c.Set(k, []string{"y"}, i%3 == 0)
		}
	}
	keys := c.Keys()
	seen := make(map[int]bool)
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %d in %v", k, keys)
		}
		seen[k] = true
	}
	if c.Size() != 7 || len(keys) != 7 {
		t.Fatalf("expected 7 keys, got size %d keys %v", c.Size(), keys)
	}
}

func TestCacheDeleteReturnsItems(t *testing.T) {
	c, _ := newCache[string, string](t)
	c.Push("k", "a", 0)
	c.Push("k", "b", 0)
	v, ok := c.Delete("k")
	if !ok || !reflect.DeepEqual(v, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v %v", v, ok)
	}
	if c.Has("k") {
		t.Fatal("expected key to be gone")
	}
	if _, ok := c.Delete("k"); ok {
		t.Fatal("expected second Delete to miss")
	}
}

func TestCacheClear(t *testing.T) {
	c, _ := newCache[string, int](t)
	c.Push("a", 1, 0)
	c.Push("b", 2, time.Minute)
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Size())
	}
	c.Clear()
	if c.Size() != 0 || len(c.Keys()) != 0 {
		t.Fatal("second Clear changed the state")
	}
}

func TestCacheAccessors(t *testing.T) {
	c, _ := newCache[string, int](t)
	if got := c.Push("b", 1, 0); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("Push returned %v", got)
	}
	if got := c.Push("b", 2, 0); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("Push returned %v", got)
	}
	c.Set("a", []int{3}, false)

	if keys := c.Keys(); !reflect.DeepEqual(keys, []string{"b", "a"}) {
		t.Fatalf("expected insertion order, got %v", keys)
	}
	if v := c.Values(); !reflect.DeepEqual(v, [][]int{{1, 2}, {3}}) {
		t.Fatalf("unexpected values %v", v)
	}
	if v := c.FlatValues(); !reflect.DeepEqual(v, []int{1, 2, 3}) {
		t.Fatalf("unexpected flat values %v", v)
	}
	if n, ok := c.Count("b"); !ok || n != 2 {
		t.Fatalf("Count: %d %v", n, ok)
	}
	if _, ok := c.Count("missing"); ok {
		t.Fatal("Count should miss")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get should miss")
	}

	v, _ := c.Get("b")
	v[0] = 100
	if got, _ := c.Get("b"); got[0] != 1 {
		t.Fatal("Get must return a copy")
	}
}

func TestCachePullKeepsEmptyEntryUntilSweep(t *testing.T) {
	c, _ := newCache[string, int](t)
	c.Set("k", []int{1, 2, 3, 4}, false)
	got, ok := c.Pull("k", func(v int) bool { return v%2 == 0 })
	if !ok || !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("Pull: %v %v", got, ok)
	}
	c.Pull("k", func(int) bool { return false })
	if n, ok := c.Count("k"); !ok || n != 0 {
		t.Fatalf("expected empty resident entry, got %d %v", n, ok)
	}
	if _, ok := c.Pull("missing", func(int) bool { return true }); ok {
		t.Fatal("Pull should miss")
	}

	st := c.Sweep(context.Background())
	if st.Empty != 1 || c.Has("k") {
		t.Fatalf("expected sweep to drop empty entry, stats %+v", st)
	}
}

func TestCacheNoEmptyEntriesAfterSweep(t *testing.T) {
	c, clock := newCache[string, int](t)
	c.Set("empty", nil, false)
	c.Push("exp", 1, 10*time.Millisecond)
	c.Push("mixed", 1, 10*time.Millisecond)
	c.Push("mixed", 2, 0)
	clock.Advance(20 * time.Millisecond)
	c.Sweep(context.Background())
	for _, k := range c.Keys() {
		if n, _ := c.Count(k); n == 0 {
			t.Fatalf("empty entry %q survived the sweep", k)
		}
	}
	if keys := c.Keys(); !reflect.DeepEqual(keys, []string{"mixed"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestCacheLifetime(t *testing.T) {
	c, clock := newCache[string, int](t, WithLifetime(1000))
	c.Push("k", 1, 0)

	clock.Advance(500 * time.Millisecond)
	c.Push("k", 2, 0)
	c.Sweep(context.Background())
	if !c.Has("k") {
		t.Fatal("entry evicted before its lifetime")
	}

	clock.Advance(501 * time.Millisecond)
	st := c.Sweep(context.Background())
	if c.Has("k") || st.Entries != 1 {
		t.Fatalf("expected lifetime eviction, stats %+v", st)
	}

	c.Push("k", 3, 0)
	clock.Advance(600 * time.Millisecond)
	c.Sweep(context.Background())
	if !c.Has("k") {
		t.Fatal("recreated entry must get a fresh creation time")
	}
}

func TestCacheItemExpiry(t *testing.T) {
	c, clock := newCache[string, string](t)
	c.Push("k", "v", 100*time.Millisecond)
	c.Push("k", "keep", 0)

	clock.Advance(50 * time.Millisecond)
	c.Sweep(context.Background())
	if v, _ := c.Get("k"); !reflect.DeepEqual(v, []string{"v", "keep"}) {
		t.Fatalf("item expired early: %v", v)
	}

	clock.Advance(100 * time.Millisecond)
	st := c.Sweep(context.Background())
	if v, _ := c.Get("k"); !reflect.DeepEqual(v, []string{"keep"}) {
		t.Fatalf("expected expired item removed, got %v", v)
	}
	if st.Items != 1 || st.Empty != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCacheLifetimeRunsBeforeItemExpiry(t *testing.T) {
	c, clock := newCache[string, int](t, WithLifetime("1s"))
	c.Push("old", 1, 100*time.Millisecond)
	clock.Advance(2 * time.Second)
	st := c.Sweep(context.Background())
	if st.Entries != 1 || st.Items != 0 || st.Empty != 0 {
		t.Fatalf("expired items of an evicted entry must not be revisited, stats %+v", st)
	}
}

func TestCacheOverwriteClearsExpiry(t *testing.T) {
	c, clock := newCache[string, int](t)
	c.Push("k", 1, 10*time.Millisecond)
	c.Set("k", []int{1}, true)
	clock.Advance(time.Second)
	c.Sweep(context.Background())
	if v, ok := c.Get("k"); !ok || !reflect.DeepEqual(v, []int{1}) {
		t.Fatalf("overwritten items must not expire, got %v %v", v, ok)
	}
}

func TestCacheDuplicateValues(t *testing.T) {
	c, clock := newCache[string, string](t)
	c.Push("k", "dup", 10*time.Millisecond)
	c.Push("k", "dup", 0)
	clock.Advance(time.Second)
	c.Sweep(context.Background())
	if v, _ := c.Get("k"); !reflect.DeepEqual(v, []string{"dup"}) {
		t.Fatalf("only the expired item should go, got %v", v)
	}

	eq, eqClock := newCache[string, string](t)
	eq.UseValueEquality(func(a, b string) bool { return a == b })
	eq.Push("k", "dup", 10*time.Millisecond)
	eq.Push("k", "dup", 0)
	eqClock.Advance(time.Second)
	st := eq.Sweep(context.Background())
	if eq.Has("k") || st.Items != 2 || st.Empty != 1 {
		t.Fatalf("value equality should remove both items, stats %+v", st)
	}
}

func TestCachePerishable(t *testing.T) {
	c, clock := newCache[string, int](t)
	c.Push("a", 1, 10*time.Millisecond)
	c.Push("a", 2, 0)
	c.Push("a", 3, time.Hour)
	c.Push("b", 4, 0)
	c.Push("c", 5, 10*time.Millisecond)

	groups := c.Perishable(PerishableOptions{})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups[0][1].Value != 3 || groups[0][1].Key != "a" {
		t.Fatalf("unexpected item %+v", groups[0][1])
	}
	if got := c.FlatPerishable(PerishableOptions{Expired: true}); len(got) != 0 {
		t.Fatalf("nothing should be expired yet, got %+v", got)
	}

	clock.Advance(20 * time.Millisecond)
	flat := c.FlatPerishable(PerishableOptions{Expired: true})
	if len(flat) != 2 || flat[0].Value != 1 || flat[1].Key != "c" {
		t.Fatalf("unexpected expired items %+v", flat)
	}
	if want := newFakeClock().Now().Add(10 * time.Millisecond); !flat[0].ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, flat[0].ExpiresAt)
	}
}

func TestCacheDefaults(t *testing.T) {
	c, _ := newCache[string, int](t)
	if c.Loop().Delay() != defaultCheckInterval {
		t.Fatalf("expected default interval, got %v", c.Loop().Delay())
	}
	if c.Loop().Running() {
		t.Fatal("sweep loop must start stopped")
	}

	zero, _ := newCache[string, int](t, WithCheckInterval(0))
	if zero.Loop().Delay() != defaultCheckInterval {
		t.Fatalf("zero interval should fall back, got %v", zero.Loop().Delay())
	}

	auto, _ := newCache[string, int](t, WithCheckInterval("1m 30s"), WithAutoStart())
	if !auto.Loop().Running() || auto.Loop().Delay() != 90*time.Second {
		t.Fatalf("unexpected loop state %v delay %v", auto.Loop().State(), auto.Loop().Delay())
	}
}

func TestCacheInvalidOptions(t *testing.T) {
	if _, err := New[string, int](WithLifetime("forever")); !errors.Is(err, perisherrors.ErrInvalidDuration) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
	if _, err := New[string, int](WithCheckInterval("5 s")); !errors.Is(err, perisherrors.ErrInvalidDuration) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
	if _, err := New[string, int](WithLifetime(int64(math.MaxInt64))); !errors.Is(err, perisherrors.ErrInvalidDuration) {
		t.Fatalf("expected out of range lifetime to fail, got %v", err)
	}
	if _, err := New[string, int](WithCheckInterval("10000000000000")); !errors.Is(err, perisherrors.ErrInvalidDuration) {
		t.Fatalf("expected out of range interval to fail, got %v", err)
	}
}

func TestCacheLoopSweeps(t *testing.T) {
	c, err := New[string, int](WithLifetime("200ms"), WithCheckInterval("50ms"), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	c.Push("a", 1, 0)
	c.Loop().Start(false)
	if !c.Has("a") {
		t.Fatal("expected entry before the first sweep")
	}
	deadline := time.Now().Add(260 * time.Millisecond)
	for c.Has("a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Has("a") {
		t.Fatal("expected entry to be evicted by the sweep loop within 260ms")
	}
}

func TestCacheLoopListener(t *testing.T) {
	c, err := New[string, int](WithCheckInterval("5ms"), WithLogger(quiet))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	c.Push("k", 1, time.Millisecond)
	evicted := make(chan SweepStats, 1)
	c.Loop().On(func(_ *loopOf, st SweepStats, err error) {
		if st.Items > 0 {
			select {
			case evicted <- st:
			default:
			}
		}
	})
	c.Loop().Start(false)
	select {
	case st := <-evicted:
		if st.Empty != 1 {
			t.Fatalf("unexpected stats %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sweep")
	}
}
