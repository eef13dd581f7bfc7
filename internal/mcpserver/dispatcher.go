// Package mcpserver exposes the retrieval pipeline as MCP tools. The
// dispatcher at its core is transport-agnostic and also backs the HTTP
// API: every call runs through the transform layer on the way in and
// the uniform response envelope on the way out.
package mcpserver

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
	"github.com/dpark2025/personal-pipeline/internal/search"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
	"github.com/dpark2025/personal-pipeline/internal/transform"
)

// Dispatcher routes validated tool calls into the search engine, the
// adapter registry, and the feedback log.
type Dispatcher struct {
	engine   *search.Engine
	registry *adapter.Registry
	feedback *FeedbackLog
	metrics  *telemetry.Recorder
	logger   *slog.Logger
}

// NewDispatcher assembles the tool dispatcher. metrics and feedback
// may be nil; the affected tools degrade accordingly.
func NewDispatcher(engine *search.Engine, registry *adapter.Registry, feedback *FeedbackLog, metrics *telemetry.Recorder, logger *slog.Logger) (*Dispatcher, error) {
	if engine == nil {
		return nil, pperrors.New(pperrors.KindConfig, "dispatcher requires a search engine")
	}
	if registry == nil {
		return nil, pperrors.New(pperrors.KindConfig, "dispatcher requires an adapter registry")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   engine,
		registry: registry,
		feedback: feedback,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Dispatch validates the arguments for a named tool, runs it under the
// suggested deadline, and folds the outcome into the response envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args map[string]any) transform.Envelope {
	req, err := transform.ValidateRequest(tool, args)
	if err != nil {
		d.logger.Warn("tool call rejected",
			slog.String("tool", tool),
			slog.String("error", err.Error()))
		return transform.Failure(err, transform.ResponseInfo{})
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Hints.SuggestedTimeoutMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	data, info, err := d.route(ctx, req)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.Record(tool, elapsed, err)
	}

	info.RequestID = req.RequestID
	info.Priority = req.CachePriority
	info.TransformTimeMS = req.TransformTimeMS
	if info.RetrievalTimeMS == 0 {
		info.RetrievalTimeMS = elapsed.Milliseconds()
	}

	if err != nil {
		d.logger.Warn("tool call failed",
			slog.String("tool", tool),
			slog.String("request_id", req.RequestID),
			slog.String("kind", string(pperrors.KindOf(err))),
			slog.String("error", err.Error()))
		return transform.Failure(err, info)
	}

	env := transform.Success(data, info)
	if d.metrics != nil {
		d.metrics.RecordTier(string(env.Metadata.PerformanceTier))
	}
	d.logger.Debug("tool call completed",
		slog.String("tool", tool),
		slog.String("request_id", req.RequestID),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()))
	return env
}

func (d *Dispatcher) route(ctx context.Context, req *transform.Request) (any, transform.ResponseInfo, error) {
	switch req.Tool {
	case "search_knowledge_base":
		return d.searchKnowledgeBase(ctx, req.Args)
	case "search_runbooks":
		return d.searchRunbooks(ctx, req.Args)
	case "get_decision_tree":
		return d.getDecisionTree(ctx, req.Args)
	case "get_procedure":
		return d.getProcedure(ctx, req.Args)
	case "get_escalation_path":
		return d.getEscalationPath(ctx, req.Args)
	case "list_sources":
		return d.listSources(ctx, req.Args)
	case "record_resolution_feedback":
		return d.recordResolutionFeedback(ctx, req.Args)
	default:
		// ValidateRequest rejects unknown tools before routing.
		return nil, transform.ResponseInfo{}, pperrors.Validation("unknown tool %q", req.Tool)
	}
}

func (d *Dispatcher) searchKnowledgeBase(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	query, _ := args["query"].(string)
	filters := &models.SearchFilters{}
	for _, raw := range argStrings(args, "categories") {
		cat := models.Category(strings.ToLower(raw))
		if !cat.Valid() {
			return nil, info, pperrors.Validation("unknown category %q", raw)
		}
		filters.Categories = append(filters.Categories, cat)
	}
	if n, ok := argInt(args, "max_age_days"); ok {
		if n < 0 {
			return nil, info, pperrors.Validation("max_age_days must be non-negative")
		}
		filters.MaxAgeDays = n
	}
	if n, ok := argInt(args, "max_results"); ok {
		filters.MaxResults = n
	}

	resp, err := d.engine.Search(ctx, query, filters, nil)
	if err != nil {
		return nil, info, err
	}

	results := resp.Results
	if !resp.Cached && d.registry.Len() > 0 {
		fan, ferr := d.registry.SearchAll(ctx, query, filters)
		if ferr != nil {
			info.Notes = append(info.Notes, ferr.Error())
		} else {
			results = mergeFanout(results, fan.Documents, filters.MaxResults)
			for _, name := range sortedKeys(fan.Failures) {
				info.Notes = append(info.Notes, fan.Failures[name].Error())
			}
		}
	}

	info.RetrievalTimeMS = resp.RetrievalTimeMS
	info.Cached = resp.Cached
	if len(results) > 0 {
		top := results[0]
		info.ConfidenceScore = top.ConfidenceScore
		info.Source = top.SourceName
		info.MatchReasons = top.MatchReasons
	}
	if resp.FallbackUsed {
		info.Notes = append(info.Notes, "semantic search unavailable; results are fuzzy-only")
	}
	return results, info, nil
}

// mergeFanout appends adapter-local results the central index did not
// already produce, keyed by document ID.
func mergeFanout(primary, extra []*models.Document, limit int) []*models.Document {
	seen := make(map[string]struct{}, len(primary))
	for _, doc := range primary {
		seen[doc.ID] = struct{}{}
	}
	merged := primary
	for _, doc := range extra {
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		seen[doc.ID] = struct{}{}
		merged = append(merged, doc)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Dispatcher) searchRunbooks(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	alertType, _ := args["alert_type"].(string)
	severity := models.Severity(argString(args, "severity"))
	systems := argStrings(args, "affected_systems")

	var qctx *models.QueryContext
	if rawCtx, ok := args["context"].(map[string]any); ok {
		qctx = &models.QueryContext{Metadata: make(map[string]string, len(rawCtx))}
		for k, v := range rawCtx {
			if s, ok := v.(string); ok {
				qctx.Metadata[k] = s
			}
		}
	}

	matches, err := d.engine.SearchRunbooks(ctx, alertType, severity, systems, qctx)
	if err != nil {
		return nil, info, err
	}

	runbooks := make([]*models.Runbook, 0, len(matches))
	relevance := make(map[string]float64, len(matches))
	for _, m := range matches {
		runbooks = append(runbooks, m.Runbook)
		relevance[m.Runbook.ID] = m.Relevance
		if d.feedback != nil {
			if rate, samples, ferr := d.feedback.SuccessRate(m.Runbook.ID); ferr == nil && samples > 0 {
				m.Runbook.Metadata.SuccessRate = rate
			}
		}
	}

	if len(matches) > 0 {
		info.ConfidenceScore = matches[0].Relevance
		info.Source = matches[0].Document.SourceName
		info.MatchReasons = matches[0].Document.MatchReasons
	}
	return transform.EnrichRunbooks(runbooks, relevance), info, nil
}

func (d *Dispatcher) getDecisionTree(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	alertContext, ok := args["alert_context"].(string)
	if !ok || strings.TrimSpace(alertContext) == "" {
		return nil, info, pperrors.Validation("alert_context must be a non-empty string")
	}

	matches, err := d.engine.SearchRunbooks(ctx, alertContext, "", nil, nil)
	if err != nil {
		return nil, info, err
	}

	for _, m := range matches {
		if m.Runbook.DecisionTree == nil {
			continue
		}
		info.ConfidenceScore = m.Relevance
		info.Source = m.Document.SourceName
		data := map[string]any{
			"runbook_id":    m.Runbook.ID,
			"title":         m.Runbook.Title,
			"decision_tree": m.Runbook.DecisionTree,
		}
		return data, info, nil
	}
	return nil, info, pperrors.NotFound("no decision tree matches context %q", alertContext)
}

func (d *Dispatcher) getProcedure(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	runbookID, _ := args["runbook_id"].(string)
	stepName, _ := args["step_name"].(string)

	doc, ok := d.engine.Document(runbookID)
	if !ok {
		return nil, info, pperrors.NotFound("runbook %q not found", runbookID)
	}
	rb := runbook.FromDocument(doc)
	if rb == nil {
		return nil, info, pperrors.NotFound("document %q is not a runbook", runbookID)
	}

	step, next := rb.StepByName(stepName)
	if step == nil {
		return nil, info, pperrors.NotFound("runbook %q has no step %q", runbookID, stepName)
	}

	info.Source = doc.SourceName
	info.ConfidenceScore = rb.Metadata.Confidence
	return transform.EnrichProcedure(runbookID, *step, next), info, nil
}

func (d *Dispatcher) getEscalationPath(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	severity := models.Severity(argString(args, "severity"))
	businessHours, _ := args["business_hours"].(bool)
	failed := make(map[string]bool)
	for _, f := range argStrings(args, "failed_attempts") {
		failed[strings.ToLower(f)] = true
	}

	matches, err := d.engine.SearchRunbooks(ctx, "escalation", severity, nil, nil)
	if err != nil {
		return nil, info, err
	}

	for _, m := range matches {
		contacts := eligibleContacts(m.Runbook.EscalationPath, severity, businessHours, failed)
		if len(contacts) == 0 {
			continue
		}
		info.Source = m.Document.SourceName
		info.ConfidenceScore = m.Relevance
		return transform.EnrichEscalation(contacts, severity), info, nil
	}
	return nil, info, pperrors.NotFound("no escalation path found for severity %s", severity)
}

// eligibleContacts filters an escalation path down to contacts that
// apply to the severity, the current hours, and have not already been
// tried.
func eligibleContacts(path []models.EscalationContact, severity models.Severity, businessHours bool, failed map[string]bool) []models.EscalationContact {
	out := make([]models.EscalationContact, 0, len(path))
	for _, c := range path {
		if c.BusinessHours && !businessHours {
			continue
		}
		if len(c.Severities) > 0 && !severityIn(c.Severities, severity) {
			continue
		}
		if failed[strings.ToLower(c.Role)] || failed[strings.ToLower(c.Contact)] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func severityIn(list []models.Severity, s models.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SourceView is one list_sources entry.
type SourceView struct {
	adapter.Metadata
	Health *adapter.Health `json:"health,omitempty"`
}

func (d *Dispatcher) listSources(ctx context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	includeHealth, _ := args["include_health"].(bool)

	sources := d.registry.MetadataAll()
	var health map[string]adapter.Health
	if includeHealth {
		health = d.registry.HealthAll(ctx)
	}

	views := make([]SourceView, 0, len(sources))
	for _, meta := range sources {
		view := SourceView{Metadata: meta}
		if h, ok := health[meta.Name]; ok {
			probe := h
			view.Health = &probe
		}
		views = append(views, view)
	}
	return views, info, nil
}

func (d *Dispatcher) recordResolutionFeedback(_ context.Context, args map[string]any) (any, transform.ResponseInfo, error) {
	var info transform.ResponseInfo

	if d.feedback == nil {
		return nil, info, pperrors.New(pperrors.KindConfig, "feedback persistence is not configured")
	}

	minutes, _ := argInt(args, "resolution_time_minutes")
	fb := models.ResolutionFeedback{
		RunbookID:             argString(args, "runbook_id"),
		ProcedureID:           argString(args, "procedure_id"),
		Outcome:               argString(args, "outcome"),
		ResolutionTimeMinutes: minutes,
		Notes:                 argString(args, "notes"),
		RecordedAt:            time.Now().UTC(),
	}
	if err := d.feedback.Append(fb); err != nil {
		return nil, info, err
	}
	return map[string]any{"recorded": true, "runbook_id": fb.RunbookID}, info, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func argInt(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
