package main

import (
	"flag"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-perish/v1/cache"
	"github.com/mirkobrombin/go-perish/v1/duration"
	"github.com/mirkobrombin/go-perish/v1/loop"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of requests")
	keySpace    = flag.Int("k", 1024, "Number of distinct keys")
	itemTTL     = flag.String("ttl", "50ms", "Expiration of pushed items")
	lifetime    = flag.String("lifetime", "1s", "Lifetime of a key")
	interval    = flag.String("interval", "20ms", "Sweep interval")
)

func main() {
	flag.Parse()

	ttl, err := duration.Parse(*itemTTL)
	if err != nil {
		log.Fatalf("ttl: %v", err)
	}
	c, err := cache.New[string, int](
		cache.WithLifetime(*lifetime),
		cache.WithCheckInterval(*interval),
		cache.WithName("bench"),
	)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer c.Close()

	var sweeps, evictedItems, evictedEntries atomic.Int64
	c.Loop().On(func(_ *loop.Loop[cache.SweepStats], st cache.SweepStats, _ error) {
		sweeps.Add(1)
		evictedItems.Add(int64(st.Items))
		evictedEntries.Add(int64(st.Entries + st.Empty))
	})
	c.Loop().Start(false)

	log.Printf("Starting benchmark: %d requests, %d concurrency, %d keys, ttl %s, sweep every %s",
		*requests, *concurrency, *keySpace, duration.Format(ttl), duration.Format(c.Loop().Delay()))

	var ops, misses atomic.Int64
	reqsPerWorker := *requests / *concurrency

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *concurrency; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < reqsPerWorker; j++ {
				key := strconv.Itoa((i*reqsPerWorker + j) % *keySpace)
				if j%2 == 0 {
					c.Push(key, j, ttl)
				} else if _, ok := c.Get(key); !ok {
					misses.Add(1)
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	throughput := float64(ops.Load()) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops.Load()) * 1e9 // ns

	log.Printf("Finished in %s", duration.Format(elapsed))
	log.Printf("Throughput: %.2f req/s", throughput)
	log.Printf("Avg Latency: %.2f ns", avgLatency)
	log.Printf("Misses: %d", misses.Load())
	log.Printf("Sweeps: %d, evicted items: %d, evicted keys: %d, resident keys: %d",
		sweeps.Load(), evictedItems.Load(), evictedEntries.Load(), c.Size())
}
