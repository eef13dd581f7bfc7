package adapter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// Quota enforces a conservative local per-hour request budget plus a
// minimum inter-request interval, independent of server-reported
// limits. Shared by the remote API adapters.
type Quota struct {
	interval *rate.Limiter

	mu          sync.Mutex
	budget      int
	used        int
	windowStart time.Time
}

// NewQuota builds a quota with the given hourly budget and minimum
// spacing between requests.
func NewQuota(budget int, minInterval time.Duration) *Quota {
	if budget <= 0 {
		budget = 100
	}
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	return &Quota{
		interval:    rate.NewLimiter(rate.Every(minInterval), 1),
		budget:      budget,
		windowStart: time.Now(),
	}
}

// SetBudget adjusts the hourly budget, typically after the upstream
// quota is learned at startup.
func (q *Quota) SetBudget(budget int) {
	if budget <= 0 {
		return
	}
	q.mu.Lock()
	q.budget = budget
	q.mu.Unlock()
}

// Acquire consumes one request slot. When the hourly budget is spent
// it returns RATE_LIMIT carrying the window reset as retry-after.
func (q *Quota) Acquire(ctx context.Context) error {
	q.mu.Lock()
	now := time.Now()
	if now.Sub(q.windowStart) >= time.Hour {
		q.windowStart = now
		q.used = 0
	}
	if q.used >= q.budget {
		reset := q.windowStart.Add(time.Hour).Sub(now)
		q.mu.Unlock()
		return pperrors.Newf(pperrors.KindRateLimit, "local hourly quota of %d exhausted", q.budget).
			WithRetryAfter(reset)
	}
	q.used++
	q.mu.Unlock()

	if err := q.interval.Wait(ctx); err != nil {
		return pperrors.Wrap(pperrors.KindTimeout, "quota interval wait", err)
	}
	return nil
}

// Used reports how many slots the current window has consumed.
func (q *Quota) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}
