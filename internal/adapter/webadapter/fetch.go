package webadapter

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

const (
	defaultEndpointTimeout = 10 * time.Second
	defaultMaxContentMB    = 10
	defaultRetryAfter      = 5 * time.Second
	maxBackoffElapsed      = 30 * time.Second
	// maxRetryAfterWait caps how long a 429's Retry-After is honored
	// before the rate limit is surfaced to the caller.
	maxRetryAfterWait = 10 * time.Second
)

// fetcher executes endpoint requests under per-endpoint token
// buckets, bounded concurrency, and exponential backoff on 429s.
type fetcher struct {
	client   *http.Client
	auth     authorizer
	maxBytes int64
	sem      chan struct{}
	limiters map[string]*rate.Limiter
}

func newFetcher(cfg config.HTTPAdapterConfig, auth authorizer) *fetcher {
	maxMB := cfg.MaxContentSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxContentMB
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := &http.Client{}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	limiters := make(map[string]*rate.Limiter, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		perMin := ep.RateLimitPerMin
		if perMin <= 0 {
			perMin = 60
		}
		limiters[ep.Name] = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	}

	return &fetcher{
		client:   client,
		auth:     auth,
		maxBytes: int64(maxMB) << 20,
		sem:      make(chan struct{}, concurrency),
		limiters: limiters,
	}
}

// Fetch runs one endpoint request: token bucket wait, bounded
// concurrency, then the request with backoff on 5xx. A 429 gets a
// single delayed retry honoring Retry-After; a second 429 surfaces
// as RATE_LIMIT.
func (f *fetcher) Fetch(ctx context.Context, ep config.HTTPEndpointConfig) ([]byte, error) {
	if limiter, ok := f.limiters[ep.Name]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, pperrors.Wrap(pperrors.KindTimeout, "rate limit wait", err)
		}
	}

	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, pperrors.Wrap(pperrors.KindTimeout, "endpoint concurrency wait", ctx.Err())
	}

	timeout := defaultEndpointTimeout
	if ep.TimeoutMS > 0 {
		timeout = time.Duration(ep.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	rateLimited := false
	op := func() error {
		var err error
		body, err = f.doOnce(ctx, ep)
		if pperrors.KindOf(err) == pperrors.KindRateLimit {
			if rateLimited {
				return backoff.Permanent(err)
			}
			rateLimited = true
			if werr := waitRetryAfter(ctx, err); werr != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxBackoffElapsed
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *fetcher) doOnce(ctx context.Context, ep config.HTTPEndpointConfig) ([]byte, error) {
	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(pperrors.Wrap(pperrors.KindConfig, "build request", err))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if err := f.auth(req); err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(pperrors.Wrap(pperrors.KindTimeout, "endpoint "+ep.Name, ctx.Err()))
		}
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "endpoint "+ep.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, pperrors.Newf(pperrors.KindRateLimit, "endpoint %s rate limited", ep.Name).
			WithRetryAfter(retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(pperrors.Newf(pperrors.KindAuth, "endpoint %s returned %d", ep.Name, resp.StatusCode))
	case resp.StatusCode >= 500:
		// Transient; retried by the backoff policy.
		return nil, pperrors.Newf(pperrors.KindSourceAdapter, "endpoint %s returned %d", ep.Name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(pperrors.Newf(pperrors.KindSourceAdapter, "endpoint %s returned %d", ep.Name, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "read endpoint "+ep.Name, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, backoff.Permanent(pperrors.Newf(pperrors.KindOversizedPayload,
			"endpoint %s payload exceeds %d bytes", ep.Name, f.maxBytes))
	}
	return body, nil
}

// waitRetryAfter sleeps for the error's Retry-After hint, capped at
// maxRetryAfterWait, unless the context ends first.
func waitRetryAfter(ctx context.Context, err error) error {
	wait := defaultRetryAfter
	if pe := pperrors.AsError(err); pe != nil {
		wait = time.Duration(pe.RetryAfterMS()) * time.Millisecond
	}
	if wait > maxRetryAfterWait {
		wait = maxRetryAfterWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
