package wikiadapter

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetryAfter     = 5 * time.Second
	maxBackoffElapsed     = 30 * time.Second
	maxResponseBytes      = 20 << 20
)

// client wraps the wiki REST endpoint with auth headers and backoff.
// Credentials are read from the environment on every request.
type client struct {
	http *http.Client
	cfg  config.WikiAdapterConfig
}

func newClient(cfg config.WikiAdapterConfig) *client {
	return &client{
		http: &http.Client{Timeout: defaultRequestTimeout},
		cfg:  cfg,
	}
}

// getJSON fetches a REST resource and returns the raw body. 5xx
// responses are retried, 429 and auth failures are not.
func (c *client) getJSON(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		var err error
		body, err = c.doOnce(ctx, url)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxBackoffElapsed
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *client) doOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(pperrors.Wrap(pperrors.KindConfig, "build request", err))
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req); err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(pperrors.Wrap(pperrors.KindTimeout, "wiki request", ctx.Err()))
		}
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "wiki request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.Permanent(
			pperrors.Newf(pperrors.KindRateLimit, "wiki rate limited").
				WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After"))))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(pperrors.Newf(pperrors.KindAuth, "wiki returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(pperrors.NotFound("wiki resource %s", url))
	case resp.StatusCode >= 500:
		return nil, pperrors.Newf(pperrors.KindSourceAdapter, "wiki returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(pperrors.Newf(pperrors.KindSourceAdapter, "wiki returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "read wiki response", err)
	}
	return body, nil
}

// authorize sets bearer or basic auth from the configured environment
// variable names. Both configured but unresolvable is an auth error.
func (c *client) authorize(req *http.Request) error {
	if c.cfg.TokenEnvVar == "" {
		return nil
	}
	token := os.Getenv(c.cfg.TokenEnvVar)
	if token == "" {
		return pperrors.Newf(pperrors.KindAuth, "environment variable %s is empty", c.cfg.TokenEnvVar)
	}
	if c.cfg.UsernameEnvVar != "" {
		user := os.Getenv(c.cfg.UsernameEnvVar)
		if user == "" {
			return pperrors.Newf(pperrors.KindAuth, "environment variable %s is empty", c.cfg.UsernameEnvVar)
		}
		req.SetBasicAuth(user, token)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
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
