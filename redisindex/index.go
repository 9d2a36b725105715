// Package redisindex keeps a segmented LRU index in Redis so that several
// processes on one node can share it. It mirrors cache.Segmented with string
// keys and int64 weights (typically blob digests and sizes):
//
//   - new keys enter probation; a hit or re-put promotes into protected;
//   - protected overflow is demoted into probation;
//   - probation overflow is evicted and reported to listeners.
//
// Every state change is a single Lua script, so each operation is atomic on
// the server. Eviction runs after Put, inline or on a background loop (Run).
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/IvanBrykalov/blobcache/cache"
)

const defaultMaxEvictions = 1000

// Options configures an Index. Zero values are safe.
type Options struct {
	// MaxWeight bounds the total weight (0 = unbounded). It is split 80/20
	// between protected and probation.
	MaxWeight int64

	// MaxEvictions caps the entries removed by one eviction pass.
	// Defaults to 1000.
	MaxEvictions int

	Listeners []cache.EldestRemovedListener[string, int64]
	Metrics   cache.Metrics
	Logger    *slog.Logger
}

// Index is a Redis-backed SLRU index. Safe for concurrent use.
type Index struct {
	rdb  redis.UniversalClient
	name string
	keys []string

	mu        sync.RWMutex
	maxWeight int64
	probMax   int64
	protMax   int64
	listeners []cache.EldestRemovedListener[string, int64]

	maxEvictions int
	running      atomic.Bool
	wake         chan struct{}

	metrics cache.Metrics
	log     *slog.Logger
}

// New returns an Index stored under keys prefixed with {name}. The braces
// are a hash tag keeping every key of the index in one cluster slot.
func New(rdb redis.UniversalClient, name string, opts Options) (*Index, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if opts.MaxWeight < 0 {
		return nil, fmt.Errorf("%w: %d", cache.ErrInvalidWeight, opts.MaxWeight)
	}
	if opts.MaxEvictions <= 0 {
		opts.MaxEvictions = defaultMaxEvictions
	}
	if opts.Metrics == nil {
		opts.Metrics = cache.NoopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	p := "{" + name + "}:slru:"
	idx := &Index{
		rdb:  rdb,
		name: name,
		keys: []string{
			p + "protected_lru", p + "protected_values", p + "total_weight_protected",
			p + "probation_lru", p + "probation_values", p + "total_weight_probation",
			p + "total_weight", p + "seq",
		},
		maxEvictions: opts.MaxEvictions,
		wake:         make(chan struct{}, 1),
		metrics:      opts.Metrics,
		log:          opts.Logger.With(slog.String("index", name)),
	}
	idx.listeners = append(idx.listeners, opts.Listeners...)
	idx.setMaxWeight(opts.MaxWeight)
	return idx, nil
}

// Name returns the index name the Redis keys are derived from.
func (x *Index) Name() string { return x.name }

// Put inserts or updates key with weight w and returns the previous weight.
// A probation entry is promoted. Eviction follows, unless Run is active, in
// which case it is handed to the background loop.
func (x *Index) Put(ctx context.Context, key string, w int64) (int64, bool, error) {
	if w < 0 {
		w = 0
	}
	res, err := putScript.Run(ctx, x.rdb, x.keys, key, w).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("put %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: put returned %v", ErrUnexpectedReply, res)
	}
	prev, found := res[0], res[0] >= 0
	if !found {
		prev = 0
	}
	if res[1] == 1 {
		x.metrics.Promote()
	}

	if x.running.Load() {
		select {
		case x.wake <- struct{}{}:
		default:
		}
		x.reportSize(ctx)
		return prev, found, nil
	}
	n, err := x.Evict(ctx)
	if err != nil {
		return prev, found, err
	}
	if n == 0 {
		x.reportSize(ctx)
	}
	return prev, found, nil
}

// Get returns the weight stored for key, promoting it out of probation.
func (x *Index) Get(ctx context.Context, key string) (int64, bool, error) {
	res, err := getScript.Run(ctx, x.rdb, x.keys, key).Int64Slice()
	if errors.Is(err, redis.Nil) {
		x.metrics.Miss()
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: get returned %v", ErrUnexpectedReply, res)
	}
	x.metrics.Hit()
	if res[1] == 1 {
		x.metrics.Promote()
	}
	return res[0], true, nil
}

// Remove deletes key without notifying listeners.
func (x *Index) Remove(ctx context.Context, key string) (int64, bool, error) {
	w, err := removeScript.Run(ctx, x.rdb, x.keys, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("remove %s: %w", key, err)
	}
	x.reportSize(ctx)
	return w, true, nil
}

// Contains reports whether key is in either segment.
func (x *Index) Contains(ctx context.Context, key string) (bool, error) {
	var prot, prob *redis.BoolCmd
	_, err := x.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		prot = p.HExists(ctx, x.keys[1], key)
		prob = p.HExists(ctx, x.keys[4], key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", key, err)
	}
	return prot.Val() || prob.Val(), nil
}

// Count returns the number of entries in both segments.
func (x *Index) Count(ctx context.Context) (int64, error) {
	var prot, prob *redis.IntCmd
	_, err := x.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		prot = p.HLen(ctx, x.keys[1])
		prob = p.HLen(ctx, x.keys[4])
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return prot.Val() + prob.Val(), nil
}

// Weight returns the total weight of both segments.
func (x *Index) Weight(ctx context.Context) (int64, error) {
	return x.counter(ctx, 6)
}

// SegmentWeights returns the probation and protected weights.
func (x *Index) SegmentWeights(ctx context.Context) (probation, protected int64, err error) {
	if probation, err = x.counter(ctx, 5); err != nil {
		return 0, 0, err
	}
	protected, err = x.counter(ctx, 2)
	return probation, protected, err
}

// EldestKey returns probation's eldest key, or protected's if probation is
// empty.
func (x *Index) EldestKey(ctx context.Context) (string, bool, error) {
	for _, z := range []string{x.keys[3], x.keys[0]} {
		ks, err := x.rdb.ZRange(ctx, z, 0, 0).Result()
		if err != nil {
			return "", false, fmt.Errorf("eldest key: %w", err)
		}
		if len(ks) > 0 {
			return ks[0], true, nil
		}
	}
	return "", false, nil
}

// SetMaxWeight changes the weight bound. Entries are evicted on the next
// Put or Evict.
func (x *Index) SetMaxWeight(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", cache.ErrInvalidWeight, n)
	}
	x.setMaxWeight(n)
	return nil
}

// MaxWeight returns the total weight bound (0 = unbounded).
func (x *Index) MaxWeight() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.maxWeight
}

// AddEldestRemovedListener registers l for future evictions.
func (x *Index) AddEldestRemovedListener(l cache.EldestRemovedListener[string, int64]) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ls := make([]cache.EldestRemovedListener[string, int64], 0, len(x.listeners)+1)
	x.listeners = append(append(ls, x.listeners...), l)
}

// EldestRemovedListeners returns a copy of the registered listeners.
func (x *Index) EldestRemovedListeners() []cache.EldestRemovedListener[string, int64] {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]cache.EldestRemovedListener[string, int64](nil), x.listeners...)
}

// Evict runs one eviction pass: while the total weight exceeds MaxWeight,
// demote protected's overflow and evict probation's overflow, notifying
// listeners for every evicted key. It stops after MaxEvictions entries.
func (x *Index) Evict(ctx context.Context) (int, error) {
	x.mu.RLock()
	maxW, probMax, protMax, ls := x.maxWeight, x.probMax, x.protMax, x.listeners
	x.mu.RUnlock()
	if maxW <= 0 {
		return 0, nil
	}

	evicted := 0
	for evicted < x.maxEvictions {
		total, err := x.Weight(ctx)
		if err != nil {
			return evicted, err
		}
		if total <= maxW {
			break
		}

		demoted, err := demoteScript.Run(ctx, x.rdb, x.keys, protMax).Int64()
		if err != nil {
			return evicted, fmt.Errorf("demote: %w", err)
		}
		if demoted == 1 {
			x.metrics.Demote()
		}

		res, err := evictScript.Run(ctx, x.rdb, x.keys, probMax).Slice()
		if errors.Is(err, redis.Nil) {
			if demoted == 0 {
				break // weight counters drifted from the hashes; nothing to move
			}
			continue
		}
		if err != nil {
			return evicted, fmt.Errorf("evict: %w", err)
		}
		key, w, err := parseEvicted(res)
		if err != nil {
			return evicted, err
		}
		evicted++
		x.metrics.Evict(cache.EvictWeight)
		x.notify(ls, key, w)
	}

	if evicted > 0 {
		x.reportSize(ctx)
		x.log.Info("evicted eldest entries", slog.Int("count", evicted))
		if evicted == x.maxEvictions {
			x.log.Warn("eviction pass hit its limit", slog.Int("limit", x.maxEvictions))
		}
	}
	return evicted, nil
}

// Run evicts in the background until ctx is done: Put only signals it
// instead of evicting inline. It returns ctx.Err().
func (x *Index) Run(ctx context.Context) error {
	x.running.Store(true)
	defer x.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.wake:
			if _, err := x.Evict(ctx); err != nil && ctx.Err() == nil {
				x.log.Error("background eviction failed", slog.Any("err", err))
			}
		}
	}
}

// Reconcile drops every entry for which present returns false, e.g. blobs
// whose file no longer exists. Listeners are not notified.
func (x *Index) Reconcile(ctx context.Context, present func(key string) bool) (int, error) {
	removed := 0
	for _, h := range []string{x.keys[1], x.keys[4]} {
		iter := x.rdb.HScan(ctx, h, 0, "", 0).Iterator()
		var stale []string
		for i := 0; iter.Next(ctx); i++ {
			// HSCAN yields field, value, field, value...
			if i%2 == 0 && !present(iter.Val()) {
				stale = append(stale, iter.Val())
			}
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("reconcile: %w", err)
		}
		for _, k := range stale {
			if _, ok, err := x.Remove(ctx, k); err != nil {
				return removed, err
			} else if ok {
				removed++
				x.log.Info("dropped entry without backing blob", slog.String("key", k))
			}
		}
	}
	return removed, nil
}

// Clear deletes every key of the index.
func (x *Index) Clear(ctx context.Context) error {
	if err := x.rdb.Del(ctx, x.keys...).Err(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (x *Index) setMaxWeight(n int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.maxWeight = n
	x.probMax = n / 5
	x.protMax = n - x.probMax
}

// counter reads one of the weight counters by KEYS position.
func (x *Index) counter(ctx context.Context, i int) (int64, error) {
	n, err := x.rdb.Get(ctx, x.keys[i]).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", x.keys[i], err)
	}
	return n, nil
}

// reportSize pushes the resident entry count and weight to the metrics hook.
func (x *Index) reportSize(ctx context.Context) {
	n, err := x.Count(ctx)
	if err == nil {
		var w int64
		if w, err = x.Weight(ctx); err == nil {
			x.metrics.Size(int(n), w)
			return
		}
	}
	x.log.Debug("read index size", slog.Any("err", err))
}

func (x *Index) notify(ls []cache.EldestRemovedListener[string, int64], key string, w int64) {
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					x.log.Error("eviction listener panicked", slog.String("key", key), slog.Any("panic", r))
				}
			}()
			l.OnEldestRemoved(key, w)
		}()
	}
}

func parseEvicted(res []any) (string, int64, error) {
	if len(res) != 2 {
		return "", 0, fmt.Errorf("%w: evict returned %v", ErrUnexpectedReply, res)
	}
	key, ok := res[0].(string)
	w, ok2 := res[1].(int64)
	if !ok || !ok2 {
		return "", 0, fmt.Errorf("%w: evict returned %v", ErrUnexpectedReply, res)
	}
	return key, w, nil
}
