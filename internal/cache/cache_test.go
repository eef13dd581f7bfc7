package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) *SearchCache {
	t.Helper()
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"lowercases and sorts", "Disk Space Alert", "alert disk space"},
		{"drops short tokens", "db is on fire", "fire"},
		{"strips punctuation", "disk-space: 95%!", "disk space"},
		{"collapses whitespace", "  memory   leak  ", "leak memory"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeQuery(tt.query)
			assert.Equal(t, tt.want, got)
			// Normalization must be idempotent.
			assert.Equal(t, got, NormalizeQuery(got))
		})
	}
}

func TestKeyStableAcrossFilterOrder(t *testing.T) {
	f1 := map[string]any{"categories": []string{"runbook"}, "source_types": []string{"file"}}
	f2 := map[string]any{"source_types": []string{"file"}, "categories": []string{"runbook"}}

	k1 := Key("disk space alert", f1)
	k2 := Key("Alert: disk space", f2)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "search:"))

	assert.NotEqual(t, k1, Key("memory leak", f1))
}

func TestSetGetRoundtrip(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("hello"), time.Minute, Tags{})
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestNonPositiveTTLDisablesCaching(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, -1} {
		c.Set(ctx, "never", []byte("x"), ttl, Tags{})
		_, ok := c.Get(ctx, "never")
		assert.False(t, ok)
	}
	assert.Equal(t, 0, c.Len())
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	c.Set(ctx, "short", []byte("x"), 10*time.Millisecond, Tags{})
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCapacityEviction(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 2})
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute, Tags{})
	c.Set(ctx, "b", []byte("2"), time.Minute, Tags{})
	// Touch "a" so "b" is the LRU victim.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", []byte("3"), time.Minute, Tags{})

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, c.Stats().Evictions, uint64(1))
}

func TestByteBudgetEviction(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 1000, MemoryThresholdMB: 1})
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 512*1024)
	c.Set(ctx, "a", big, time.Minute, Tags{})
	c.Set(ctx, "b", big, time.Minute, Tags{})
	c.Set(ctx, "c", big, time.Minute, Tags{})

	assert.LessOrEqual(t, c.Stats().Bytes, int64(1024*1024))
	assert.Less(t, c.Len(), 3)
}

func TestReplacementReclaimsBytes(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	c.Set(ctx, "k", bytes.Repeat([]byte("x"), 100), time.Minute, Tags{})
	before := c.Stats()
	c.Set(ctx, "k", []byte("tiny"), time.Minute, Tags{})
	after := c.Stats()

	assert.Equal(t, int64(4), after.Bytes)
	// Replacement is not an eviction.
	assert.Equal(t, before.Evictions, after.Evictions)
}

func TestInvalidateByTag(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("1"), time.Minute, Tags{SourceName: "confluence"})
	c.Set(ctx, "k2", []byte("2"), time.Minute, Tags{SourceName: "confluence"})
	c.Set(ctx, "k3", []byte("3"), time.Minute, Tags{SourceName: "github"})

	n := c.Invalidate("source:confluence")
	assert.Equal(t, 2, n)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "k3")
	assert.True(t, ok)

	assert.Equal(t, 0, c.Invalidate("source:confluence"))
}

func TestCompressionRoundtrip(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16, Compression: true})
	ctx := context.Background()

	// Repetitive payload over the compression floor.
	value := bytes.Repeat([]byte("restart the payment service "), 200)
	require.Greater(t, len(value), compressionFloor)

	c.Set(ctx, "big", value, time.Minute, Tags{})
	got, ok := c.Get(ctx, "big")
	require.True(t, ok)
	assert.Equal(t, value, got)

	// Stored bytes should reflect the compressed size.
	assert.Less(t, c.Stats().Bytes, int64(len(value)))
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})
	ctx := context.Background()

	var computes int32
	var mu sync.Mutex
	compute := func(ctx context.Context) ([]byte, error) {
		mu.Lock()
		computes++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("result"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := c.GetOrCompute(ctx, "shared", time.Minute, Tags{}, compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("result"), got)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), computes)

	// Subsequent call hits the cache.
	_, cached, err := c.GetOrCompute(ctx, "shared", time.Minute, Tags{}, compute)
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestGetOrComputeFollowerDeadline(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16})

	leaderCtx := context.Background()
	started := make(chan struct{})
	go func() {
		_, _, _ = c.GetOrCompute(leaderCtx, "slow", time.Minute, Tags{}, func(ctx context.Context) ([]byte, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return []byte("late"), nil
		})
	}()
	<-started

	followerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.GetOrCompute(followerCtx, "slow", time.Minute, Tags{}, func(ctx context.Context) ([]byte, error) {
		return []byte("unused"), nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweepEvictsExpired(t *testing.T) {
	c := newTestCache(t, Options{MaxKeys: 16, SweepInterval: time.Hour})
	ctx := context.Background()

	c.Set(ctx, "old", []byte("1"), 5*time.Millisecond, Tags{})
	c.Set(ctx, "new", []byte("2"), time.Minute, Tags{})
	time.Sleep(15 * time.Millisecond)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(ctx, "new")
	assert.True(t, ok)
}
