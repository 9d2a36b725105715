package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/redis/go-redis/v9"

	"github.com/IvanBrykalov/blobcache/blobstore"
	"github.com/IvanBrykalov/blobcache/cache"
	"github.com/IvanBrykalov/blobcache/config"
	"github.com/IvanBrykalov/blobcache/redisindex"
)

type snapshot = cache.SegmentedStats

// target is one index backend under load. Keys are digests, values sizes.
type target interface {
	get(ctx context.Context, digest string) (bool, error)
	put(ctx context.Context, digest string, size int64) error
	stats(ctx context.Context) snapshot
	close() error
}

func newTarget(ctx context.Context, backend string, cfg config.Config, m cache.Metrics, log *slog.Logger, cnt *counters) (target, error) {
	onEvict := cache.ListenerFunc[string, int64](func(_ string, size int64) {
		cnt.evicted.Add(1)
		cnt.evictedBytes.Add(size)
	})

	switch backend {
	case "memory":
		return &memoryTarget{c: cache.NewSegmented(cache.Options[string, int64]{
			Capacity:  cfg.Capacity,
			MaxWeight: cfg.MaxBytes,
			Weigher:   func(_ string, size int64) int64 { return size },
			Listeners: []cache.EldestRemovedListener[string, int64]{onEvict},
			Admission: cfg.Admission(),
			Metrics:   m,
			Logger:    log,
		})}, nil

	case "blob":
		s, err := blobstore.New(osfs.New(cfg.CacheDir), blobstore.Options{
			Capacity:  cfg.Capacity,
			MaxBytes:  cfg.MaxBytes,
			Admission: cfg.Admission(),
			Listeners: []cache.EldestRemovedListener[string, int64]{onEvict},
			Metrics:   m,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		n, err := s.Rebuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", cfg.CacheDir, err)
		}
		log.Info("blob store ready", slog.String("dir", cfg.CacheDir), slog.Int("blobs", n))
		return &blobTarget{s: s}, nil

	case "redis":
		rdb, err := redisindex.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		idx, err := redisindex.New(rdb, cfg.IndexName, redisindex.Options{
			MaxWeight: cfg.MaxBytes,
			Listeners: []cache.EldestRemovedListener[string, int64]{onEvict},
			Metrics:   m,
			Logger:    log,
		})
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return &redisTarget{rdb: rdb, idx: idx, log: log}, nil
	}
	return nil, fmt.Errorf("unknown backend %q (use memory, blob or redis)", backend)
}

// ---- memory ----

type memoryTarget struct {
	c *cache.Segmented[string, int64]
}

func (t *memoryTarget) get(_ context.Context, d string) (bool, error) {
	_, ok := t.c.Get(d)
	return ok, nil
}

func (t *memoryTarget) put(_ context.Context, d string, size int64) error {
	t.c.Put(d, size)
	return nil
}

func (t *memoryTarget) stats(context.Context) snapshot { return t.c.Stats() }
func (t *memoryTarget) close() error                   { return t.c.Sync() }

// ---- blob ----

type blobTarget struct {
	s *blobstore.Store
}

func (t *blobTarget) get(ctx context.Context, d string) (bool, error) {
	f, err := t.s.Open(ctx, d)
	if errors.Is(err, blobstore.ErrNotCached) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, f.Close()
}

func (t *blobTarget) put(ctx context.Context, d string, size int64) error {
	_, err := t.s.Put(ctx, d, io.LimitReader(zeros{}, size))
	if errors.Is(err, blobstore.ErrTooLarge) {
		return nil
	}
	return err
}

func (t *blobTarget) stats(context.Context) snapshot { return t.s.Stats() }
func (t *blobTarget) close() error                   { return t.s.Sync() }

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// ---- redis ----

type redisTarget struct {
	rdb *redis.Client
	idx *redisindex.Index
	log *slog.Logger
}

func (t *redisTarget) get(ctx context.Context, d string) (bool, error) {
	_, ok, err := t.idx.Get(ctx, d)
	return ok, err
}

func (t *redisTarget) put(ctx context.Context, d string, size int64) error {
	_, _, err := t.idx.Put(ctx, d, size)
	return err
}

// run moves eviction off the request path for the duration of the bench.
func (t *redisTarget) run(ctx context.Context) error {
	err := t.idx.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *redisTarget) stats(ctx context.Context) snapshot {
	var st snapshot
	n, err := t.idx.Count(ctx)
	if err != nil {
		t.log.Warn("redis stats", slog.Any("error", err))
		return st
	}
	st.Entries = int(n)
	st.ProbationWeight, st.ProtectedWeight, err = t.idx.SegmentWeights(ctx)
	if err != nil {
		t.log.Warn("redis stats", slog.Any("error", err))
	}
	st.Weight = st.ProbationWeight + st.ProtectedWeight
	return st
}

func (t *redisTarget) close() error { return t.rdb.Close() }
