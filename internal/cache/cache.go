package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// compressionFloor is the serialized size at which values are
// compressed before caching.
const compressionFloor = 1024

// Tags carries the invalidation metadata attached to an entry.
type Tags struct {
	QueryHash  string
	TableName  string
	SourceName string
	Category   string
}

// list returns the non-empty tag strings in namespaced form.
func (t Tags) list() []string {
	var out []string
	if t.QueryHash != "" {
		out = append(out, t.QueryHash)
	}
	if t.TableName != "" {
		out = append(out, "table:"+t.TableName)
	}
	if t.SourceName != "" {
		out = append(out, "source:"+t.SourceName)
	}
	if t.Category != "" {
		out = append(out, "category:"+t.Category)
	}
	return out
}

// entry is one tier-1 cache record.
type entry struct {
	key         string
	value       []byte
	createdAt   time.Time
	lastAccess  time.Time
	accessCount uint64
	ttl         time.Duration
	sizeBytes   int
	compressed  bool
	tags        []string
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Options configures the cache. TTL policy belongs to callers: Set
// receives an explicit TTL per entry.
type Options struct {
	MaxKeys           int
	MemoryThresholdMB int
	Compression       bool
	SweepInterval     time.Duration
	Tier2             Tier2
	Logger            *slog.Logger
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	Tier2Errors uint64  `json:"tier2_errors"`
}

// SearchCache is the two-tier cache. Tier 1 is the in-process LRU;
// tier 2 is optional and best-effort.
type SearchCache struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	lru      *lru.Cache[string, *entry]
	tagIndex map[string]map[string]struct{}
	bytes    int64

	hits        uint64
	misses      uint64
	evictions   uint64
	tier2Errors uint64

	flight singleflight.Group

	stop chan struct{}
	done sync.WaitGroup
}

// New creates a search cache and starts the periodic sweep.
func New(opts Options) (*SearchCache, error) {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 1000
	}
	if opts.MemoryThresholdMB <= 0 {
		opts.MemoryThresholdMB = 64
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &SearchCache{
		opts:     opts,
		logger:   opts.Logger,
		tagIndex: make(map[string]map[string]struct{}),
		stop:     make(chan struct{}),
	}

	l, err := lru.NewWithEvict[string, *entry](opts.MaxKeys, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l

	c.done.Add(1)
	go c.sweepLoop()
	return c, nil
}

// onEvict maintains the byte count and tag index. Runs with c.mu held
// because all lru mutations happen under it.
func (c *SearchCache) onEvict(key string, e *entry) {
	c.bytes -= int64(e.sizeBytes)
	c.evictions++
	for _, tag := range e.tags {
		if set, ok := c.tagIndex[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
}

// Get returns the cached value for key, or a miss when absent or
// expired. Tier 2 is consulted on a tier-1 miss; a tier-2 hit is
// promoted into tier 1.
func (c *SearchCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		if e.expired(time.Now()) {
			c.lru.Remove(key)
			c.misses++
			c.mu.Unlock()
			return nil, false
		}
		e.lastAccess = time.Now()
		e.accessCount++
		c.hits++
		value, compressed := e.value, e.compressed
		c.mu.Unlock()

		if compressed {
			plain, err := decompress(value)
			if err != nil {
				c.Delete(key)
				return nil, false
			}
			return plain, true
		}
		return value, true
	}
	c.misses++
	c.mu.Unlock()

	return c.getTier2(ctx, key)
}

func (c *SearchCache) getTier2(ctx context.Context, key string) ([]byte, bool) {
	if c.opts.Tier2 == nil {
		return nil, false
	}
	env, ttl, err := c.opts.Tier2.Get(ctx, key)
	if err != nil || env == nil {
		if err != nil {
			c.noteTier2Error("tier2 get", err)
		}
		return nil, false
	}

	// A compressed flag that disagrees with the payload marks the
	// entry corrupt: evict and miss.
	if env.Compressed != looksCompressed(env.Data) {
		_ = c.opts.Tier2.Del(ctx, key)
		return nil, false
	}

	plain := env.Data
	if env.Compressed {
		plain, err = decompress(env.Data)
		if err != nil {
			_ = c.opts.Tier2.Del(ctx, key)
			return nil, false
		}
	}

	// Promote into tier 1 with the remaining TTL.
	if ttl > 0 {
		c.storeTier1(key, plain, ttl, Tags{})
	}
	return plain, true
}

// Set stores a value under key. TTL <= 0 disables caching for the
// entry entirely.
func (c *SearchCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags Tags) {
	if ttl <= 0 {
		return
	}
	c.storeTier1(key, value, ttl, tags)

	if c.opts.Tier2 != nil {
		data, compressed := value, false
		if c.opts.Compression && len(value) >= compressionFloor {
			if packed, err := compress(value); err == nil {
				data, compressed = packed, true
			}
		}
		if err := c.opts.Tier2.Set(ctx, key, &Envelope{Data: data, Compressed: compressed}, ttl); err != nil {
			c.noteTier2Error("tier2 set", err)
		}
	}
}

func (c *SearchCache) storeTier1(key string, value []byte, ttl time.Duration, tags Tags) {
	stored := value
	compressed := false
	if c.opts.Compression && len(value) >= compressionFloor {
		if packed, err := compress(value); err == nil && len(packed) < len(value) {
			stored, compressed = packed, true
		}
	}

	e := &entry{
		key:        key,
		value:      stored,
		createdAt:  time.Now(),
		lastAccess: time.Now(),
		ttl:        ttl,
		sizeBytes:  len(stored),
		compressed: compressed,
		tags:       tags.list(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key) // onEvict reclaims bytes and tags
		c.evictions--     // replacement, not an eviction
	}

	c.lru.Add(key, e)
	c.bytes += int64(e.sizeBytes)
	for _, tag := range e.tags {
		set, ok := c.tagIndex[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tagIndex[tag] = set
		}
		set[key] = struct{}{}
	}

	c.evictOverBudgetLocked()
}

// evictOverBudgetLocked removes LRU entries until the byte budget
// holds. The entry-count budget is enforced by the LRU itself.
func (c *SearchCache) evictOverBudgetLocked() {
	budget := int64(c.opts.MemoryThresholdMB) * 1024 * 1024
	for c.bytes > budget && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// Delete removes a key from both tiers.
func (c *SearchCache) Delete(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	if c.opts.Tier2 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.opts.Tier2.Del(ctx, key); err != nil {
			c.noteTier2Error("tier2 del", err)
		}
	}
}

// Invalidate removes all entries carrying the tag and returns the
// count removed from tier 1.
func (c *SearchCache) Invalidate(tag string) int {
	c.mu.Lock()
	keys := make([]string, 0)
	if set, ok := c.tagIndex[tag]; ok {
		for k := range set {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
	c.mu.Unlock()

	if c.opts.Tier2 != nil && len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.opts.Tier2.Del(ctx, keys...); err != nil {
			c.noteTier2Error("tier2 invalidate", err)
		}
	}
	return len(keys)
}

// GetOrCompute returns the cached value for key or computes it once
// for all concurrent callers. The boolean reports whether the value
// came from cache. Followers observe the leader's outcome; a follower
// whose context expires first returns TIMEOUT independently.
func (c *SearchCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, tags Tags,
	compute func(ctx context.Context) ([]byte, error),
) ([]byte, bool, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, true, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, value, ttl, tags)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Stats returns a snapshot of cache counters.
func (c *SearchCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:     c.lru.Len(),
		Bytes:       c.bytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Tier2Errors: c.tier2Errors,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Len returns the number of tier-1 entries.
func (c *SearchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// sweepLoop proactively evicts expired entries and enforces the byte
// budget.
func (c *SearchCache) sweepLoop() {
	defer c.done.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *SearchCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.expired(now) {
			c.lru.Remove(key)
		}
	}
	c.evictOverBudgetLocked()
}

// Warmup executes the configured warm queries through run, populating
// entries before traffic arrives.
func (c *SearchCache) Warmup(ctx context.Context, queries []string, run func(ctx context.Context, query string) error) {
	for _, q := range queries {
		if ctx.Err() != nil {
			return
		}
		if err := run(ctx, q); err != nil {
			c.logger.Warn("cache warmup query failed",
				slog.String("query", q), slog.String("error", err.Error()))
		}
	}
}

func (c *SearchCache) noteTier2Error(op string, err error) {
	c.mu.Lock()
	c.tier2Errors++
	c.mu.Unlock()
	c.logger.Warn(op+" failed; serving tier-1 only", slog.String("error", err.Error()))
}

// Close stops the sweeper and releases tier-2 resources.
func (c *SearchCache) Close() error {
	close(c.stop)
	c.done.Wait()
	if c.opts.Tier2 != nil {
		return c.opts.Tier2.Close()
	}
	return nil
}
