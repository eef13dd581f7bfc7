package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/transform"
)

// queueWait bounds how long a request waits for a concurrency slot
// before being rejected.
const queueWait = time.Second

// limitConcurrency bounds in-flight tool requests. Requests queue up
// to queueWait for a slot; beyond that they are rejected with
// RATE_LIMIT.
func (s *Server) limitConcurrency(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := time.NewTimer(queueWait)
			defer timer.Stop()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			case <-timer.C:
				err := pperrors.New(pperrors.KindRateLimit, "server at maximum concurrent queries").
					WithRetryAfter(500 * time.Millisecond)
				s.writeEnvelope(w, transform.Failure(err, transform.ResponseInfo{}))
			case <-r.Context().Done():
				err := pperrors.Wrap(pperrors.KindTimeout, "request canceled while queued", r.Context().Err())
				s.writeEnvelope(w, transform.Failure(err, transform.ResponseInfo{}))
			}
		})
	}
}

// requestDeadline applies the overall per-request deadline.
func (s *Server) requestDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
