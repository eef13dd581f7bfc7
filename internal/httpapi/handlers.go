package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dpark2025/personal-pipeline/internal/cache"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
	"github.com/dpark2025/personal-pipeline/internal/transform"
	"github.com/dpark2025/personal-pipeline/pkg/version"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	args, err := decodeBody(r)
	if err != nil {
		s.writeEnvelope(w, transform.Failure(err, transform.ResponseInfo{}))
		return
	}
	// The HTTP body nests filter fields under "filters"; the tool
	// takes them flat.
	if filters, ok := args["filters"].(map[string]any); ok {
		delete(args, "filters")
		for k, v := range filters {
			if _, exists := args[k]; !exists {
				args[k] = v
			}
		}
	}
	s.writeEnvelope(w, s.dispatcher.Dispatch(r.Context(), "search_knowledge_base", args))
}

func (s *Server) handleSearchRunbooks(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, "search_runbooks")
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, "get_escalation_path")
}

func (s *Server) handleDecisionTree(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, "get_decision_tree")
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, "record_resolution_feedback")
}

func (s *Server) dispatchBody(w http.ResponseWriter, r *http.Request, tool string) {
	args, err := decodeBody(r)
	if err != nil {
		s.writeEnvelope(w, transform.Failure(err, transform.ResponseInfo{}))
		return
	}
	s.writeEnvelope(w, s.dispatcher.Dispatch(r.Context(), tool, args))
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	doc, ok := s.engine.Document(id)
	if !ok || doc.Category != models.CategoryRunbook {
		err := pperrors.NotFound("runbook %q not found", id)
		s.writeEnvelope(w, transform.Failure(err, transform.ResponseInfo{}))
		return
	}
	rb := runbook.FromDocument(doc)

	views := transform.EnrichRunbooks([]*models.Runbook{rb}, nil)
	s.writeEnvelope(w, transform.Success(views[0], transform.ResponseInfo{
		RetrievalTimeMS: time.Since(start).Milliseconds(),
		ConfidenceScore: doc.ConfidenceScore,
		Source:          doc.SourceName,
	}))
}

func (s *Server) handleGetProcedure(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{
		"runbook_id": chi.URLParam(r, "runbook"),
		"step_name":  chi.URLParam(r, "step"),
	}
	s.writeEnvelope(w, s.dispatcher.Dispatch(r.Context(), "get_procedure", args))
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	includeHealth, _ := strconv.ParseBool(r.URL.Query().Get("include_health"))
	args := map[string]any{"include_health": includeHealth}
	s.writeEnvelope(w, s.dispatcher.Dispatch(r.Context(), "list_sources", args))
}

// healthResponse is the /health body.
type healthResponse struct {
	Status        string                   `json:"status"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Documents     int                      `json:"documents"`
	Sources       map[string]adapterHealth `json:"sources"`
}

type adapterHealth struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Details   string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.registry.HealthAll(r.Context())

	resp := healthResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Documents:     s.engine.DocumentCount(),
		Sources:       make(map[string]adapterHealth, len(probes)),
	}
	for name, h := range probes {
		resp.Sources[name] = adapterHealth{Healthy: h.Healthy, LatencyMS: h.LatencyMS, Details: h.Details}
		if !h.Healthy {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics collection is disabled", http.StatusNotFound)
		return
	}
	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// performanceResponse is the /performance body.
type performanceResponse struct {
	UptimeSeconds    int64                        `json:"uptime_seconds"`
	Operations       map[string]telemetry.OpStats `json:"operations,omitempty"`
	TierDistribution map[string]uint64            `json:"tier_distribution,omitempty"`
	CacheHitRate     float64                      `json:"cache_hit_rate"`
	Cache            *cache.Stats                 `json:"cache,omitempty"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	resp := performanceResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.metrics != nil {
		resp.Operations = s.metrics.Snapshot()
		resp.TierDistribution = s.metrics.TierDistribution()
		resp.CacheHitRate = s.metrics.CacheHitRate()
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
		resp.CacheHitRate = stats.HitRate
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody parses a JSON object body. An empty body yields an empty
// argument map.
func decodeBody(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindValidation, "read request body", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, pperrors.Wrap(pperrors.KindValidation, "request body must be a JSON object", err)
	}
	return args, nil
}

// writeEnvelope maps the envelope onto an HTTP status and writes it.
func (s *Server) writeEnvelope(w http.ResponseWriter, env transform.Envelope) {
	status := http.StatusOK
	if !env.Success && env.Error != nil {
		status = statusFor(env.Error.Code)
		if status == http.StatusTooManyRequests && env.Error.RetryAfterMS > 0 {
			secs := (env.Error.RetryAfterMS + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	writeJSON(w, status, env)
}

func statusFor(code string) int {
	switch pperrors.Kind(code) {
	case pperrors.KindValidation, pperrors.KindOversizedPayload:
		return http.StatusBadRequest
	case pperrors.KindAuth:
		return http.StatusUnauthorized
	case pperrors.KindNotFound:
		return http.StatusNotFound
	case pperrors.KindRateLimit:
		return http.StatusTooManyRequests
	case pperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
