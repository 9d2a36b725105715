// Command bench runs a synthetic blob workload against one of the cache
// backends and exposes Prometheus metrics, a JSON stats page and optional pprof.
//
// Settings not given as flags come from the environment (see package config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/blobcache/config"
	pmet "github.com/IvanBrykalov/blobcache/metrics/prom"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(1)
	}
}

// workload is a snapshot of the flags read by the workers.
type workload struct {
	workers  int
	readPct  int
	keys     uint64
	zipfS    float64
	zipfV    float64
	seed     int64
	minSize  int64
	maxSize  int64
	duration time.Duration
}

// counters are shared by all workers.
type counters struct {
	total, reads, writes, hits, misses, errs atomic.Uint64
	evicted, evictedBytes                   atomic.Int64
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ---- Flags (defaults from the environment) ----
	var (
		backend   = flag.String("backend", "memory", "index backend: memory | blob | redis")
		capacity  = flag.Int("cap", cfg.Capacity, "max cached blobs (0 = unbounded)")
		maxBytes  = flag.Int64("bytes", cfg.MaxBytes, "max cached bytes (0 = unbounded)")
		policyStr = flag.String("policy", cfg.Policy, "admission policy: fast | classic | ghost")
		dir       = flag.String("dir", cfg.CacheDir, "cache directory for -backend=blob")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		minSize = flag.Int64("min_size", 1<<10, "smallest blob size in bytes")
		maxSize = flag.Int64("max_size", 1<<20, "largest blob size in bytes")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", cfg.MetricsAddr, "serve /metrics and /stats at addr; empty = disabled")
	)
	flag.Parse()

	cfg.Capacity, cfg.MaxBytes, cfg.Policy, cfg.CacheDir = *capacity, *maxBytes, *policyStr, *dir
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *keys < 1 || *minSize < 0 || *maxSize < *minSize {
		return fmt.Errorf("invalid workload: keys=%d min_size=%d max_size=%d", *keys, *minSize, *maxSize)
	}
	log := cfg.Logger("blobcache-bench")

	wl := workload{
		workers:  max(*workers, 1),
		readPct:  *readPct,
		keys:     uint64(*keys),
		zipfS:    *zipfS,
		zipfV:    *zipfV,
		seed:     *seed,
		minSize:  *minSize,
		maxSize:  *maxSize,
		duration: *duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Metrics on a private registry ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pmet.New(reg, "blobcache", "bench", prometheus.Labels{"backend": *backend})

	var cnt counters
	t, err := newTarget(ctx, *backend, cfg, metrics, log, &cnt)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.close(); err != nil {
			log.Warn("close backend", slog.Any("error", err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// ---- HTTP endpoints ----
	servers := make([]*http.Server, 0, 2)
	if *metricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              *metricsAddr,
			Handler:           newRouter(reg, t, &cnt),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	if *pprofAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              *pprofAddr,
			Handler:           newPprofRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.Info("http: serving", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if bg, ok := t.(interface{ run(context.Context) error }); ok {
		g.Go(func() error { return bg.run(gctx) })
	}

	// ---- Preload half the capacity for a realistic hit rate ----
	pl := *preload
	if pl == 0 {
		pl = cfg.Capacity / 2
	}
	for i := 0; i < pl && i < *keys; i++ {
		if err := t.put(gctx, digestOf(uint64(i)), wl.sizeOf(uint64(i))); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	// ---- Load generation ----
	start := time.Now()
	load, cancel := context.WithTimeout(gctx, wl.duration)
	defer cancel()

	lg, lctx := errgroup.WithContext(load)
	for w := 0; w < wl.workers; w++ {
		lg.Go(func() error { return worker(lctx, w, wl, t, &cnt, log) })
	}
	werr := lg.Wait()
	elapsed := time.Since(start)

	for _, srv := range servers {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		scancel()
	}
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if werr != nil && !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
		return werr
	}

	report(*backend, cfg, wl, elapsed, &cnt, t.stats(context.Background()))
	return nil
}

func worker(ctx context.Context, id int, wl workload, t target, cnt *counters, log *slog.Logger) error {
	// rand.Rand is not goroutine-safe: one RNG and Zipf per worker.
	r := rand.New(rand.NewSource(wl.seed + int64(id)*9973))
	z := rand.NewZipf(r, wl.zipfS, wl.zipfV, wl.keys-1)

	for ctx.Err() == nil {
		n := z.Uint64()
		d := digestOf(n)
		cnt.total.Add(1)

		var err error
		if int(r.Int31n(100)) < wl.readPct {
			cnt.reads.Add(1)
			var ok bool
			if ok, err = t.get(ctx, d); ok {
				cnt.hits.Add(1)
			} else if err == nil {
				cnt.misses.Add(1)
			}
		} else {
			cnt.writes.Add(1)
			err = t.put(ctx, d, wl.sizeOf(n))
		}

		if err != nil && ctx.Err() == nil {
			if cnt.errs.Add(1) == 1 {
				log.Warn("operation failed", slog.String("digest", d), slog.Any("error", err))
			}
		}
	}
	return ctx.Err()
}

// digestOf maps a key number to a valid lowercase hex digest.
func digestOf(n uint64) string { return fmt.Sprintf("%016x", n*0x9e3779b97f4a7c15) }

// sizeOf is stable per key so rewrites do not change the weight.
func (wl workload) sizeOf(n uint64) int64 {
	span := uint64(wl.maxSize - wl.minSize + 1)
	return wl.minSize + int64((n*2654435761)%span)
}

func report(backend string, cfg config.Config, wl workload, elapsed time.Duration, cnt *counters, st snapshot) {
	ops := cnt.total.Load()
	reads := cnt.reads.Load()
	hits := cnt.hits.Load()

	hitRate := 0.0
	if reads > 0 {
		hitRate = float64(hits) / float64(reads) * 100
	}

	fmt.Printf("backend=%s policy=%s cap=%d bytes=%d workers=%d keys=%d dur=%v seed=%d\n",
		backend, cfg.Policy, cfg.Capacity, cfg.MaxBytes, wl.workers, wl.keys, elapsed, wl.seed)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  errors=%d\n",
		ops, float64(ops)/elapsed.Seconds(), reads, cnt.writes.Load(), cnt.errs.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hits, cnt.misses.Load(), hitRate)
	fmt.Printf("evicted=%d (%d bytes)\n", cnt.evicted.Load(), cnt.evictedBytes.Load())
	fmt.Printf("entries=%d weight=%d probation=%d protected=%d\n",
		st.Entries, st.Weight, st.ProbationWeight, st.ProtectedWeight)
}
