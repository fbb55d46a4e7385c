package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of acquire/release cycles")
	keys        = flag.Int("k", 1, "Number of distinct lock keys; fewer keys means more contention")
	target      = flag.String("target", "local", "Target: local or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	var stack *presets.Stack
	switch *target {
	case "local":
		stack = presets.NewInMemoryStandalone()
	case "redis":
		s, err := presets.NewRedisResilient(presets.RedisOptions{Addr: *redisAddr, Bus: presets.BusMemory})
		if err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		stack = s
	default:
		log.Fatalf("unknown target %q", *target)
	}
	defer stack.Close()

	log.Printf("Starting benchmark: %d cycles, %d concurrency, %d keys, target %s", *requests, *concurrency, *keys, *target)

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, contended, errorsCount int64

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				key := fmt.Sprintf("bench:%d", (worker+j)%*keys)
				token, err := stack.Locker.Acquire(ctx, key, 10*time.Second)
				atomic.AddInt64(&ops, 1)
				if errors.Is(err, lock.ErrLockAcquireFailed) {
					atomic.AddInt64(&contended, 1)
					continue
				}
				if err != nil {
					atomic.AddInt64(&errorsCount, 1)
					continue
				}
				if err := stack.Locker.Release(ctx, key, token); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops) * 1e9 // ns

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f acquires/s", throughput)
	log.Printf("Avg Latency: %.2f ns", avgLatency)
	log.Printf("Contended: %d (%.1f%%)", contended, float64(contended)/float64(ops)*100)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
	if !stack.Healthy() {
		log.Printf("Circuit open at end of run: results include local fallback")
	}
}
