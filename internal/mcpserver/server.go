package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/pkg/version"
)

// Server exposes the dispatcher's tools over the MCP protocol.
type Server struct {
	mcp        *mcp.Server
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// SearchKnowledgeBaseInput is the input schema for search_knowledge_base.
type SearchKnowledgeBaseInput struct {
	Query      string   `json:"query" jsonschema:"the search query, 2 to 500 characters"`
	Categories []string `json:"categories,omitempty" jsonschema:"restrict to categories: runbook, api, guide, general, procedure, faq"`
	MaxAgeDays int      `json:"max_age_days,omitempty" jsonschema:"only return documents updated within this many days"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"maximum number of results, 1 to 100"`
}

// SearchRunbooksInput is the input schema for search_runbooks.
type SearchRunbooksInput struct {
	AlertType       string            `json:"alert_type" jsonschema:"the alert type, e.g. disk_space, memory_pressure"`
	Severity        string            `json:"severity" jsonschema:"alert severity: critical, high, medium, low, or info"`
	AffectedSystems []string          `json:"affected_systems" jsonschema:"systems impacted by the alert"`
	Context         map[string]string `json:"context,omitempty" jsonschema:"additional alert context as key-value pairs"`
}

// GetDecisionTreeInput is the input schema for get_decision_tree.
type GetDecisionTreeInput struct {
	AlertContext      string         `json:"alert_context" jsonschema:"free-text description of the alert situation"`
	CurrentAgentState map[string]any `json:"current_agent_state,omitempty" jsonschema:"optional state the caller has already gathered"`
}

// GetProcedureInput is the input schema for get_procedure.
type GetProcedureInput struct {
	RunbookID      string         `json:"runbook_id" jsonschema:"the runbook document ID"`
	StepName       string         `json:"step_name" jsonschema:"the procedure step ID or name"`
	CurrentContext map[string]any `json:"current_context,omitempty" jsonschema:"optional execution context"`
}

// GetEscalationPathInput is the input schema for get_escalation_path.
type GetEscalationPathInput struct {
	Severity       string   `json:"severity" jsonschema:"incident severity: critical, high, medium, low, or info"`
	BusinessHours  bool     `json:"business_hours" jsonschema:"whether the incident is inside business hours"`
	FailedAttempts []string `json:"failed_attempts,omitempty" jsonschema:"roles or contacts already tried without response"`
}

// ListSourcesInput is the input schema for list_sources.
type ListSourcesInput struct {
	IncludeHealth bool `json:"include_health,omitempty" jsonschema:"probe each source and include health in the response"`
}

// RecordResolutionFeedbackInput is the input schema for
// record_resolution_feedback.
type RecordResolutionFeedbackInput struct {
	RunbookID             string `json:"runbook_id" jsonschema:"the runbook that was applied"`
	ProcedureID           string `json:"procedure_id" jsonschema:"the procedure step that was executed"`
	Outcome               string `json:"outcome" jsonschema:"resolution outcome, e.g. resolved, escalated, failed"`
	ResolutionTimeMinutes int    `json:"resolution_time_minutes" jsonschema:"minutes from alert to resolution"`
	Notes                 string `json:"notes,omitempty" jsonschema:"free-text notes about the resolution"`
}

// NewServer creates the MCP server and registers all tools.
func NewServer(dispatcher *Dispatcher, logger *slog.Logger) (*Server, error) {
	if dispatcher == nil {
		return nil, pperrors.New(pperrors.KindConfig, "mcp server requires a dispatcher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "personal-pipeline",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Run serves MCP over stdio until the context is canceled or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && ctx.Err() == nil {
		return pperrors.Wrap(pperrors.KindUnknown, "mcp stdio transport", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_knowledge_base",
		Description: "Search all indexed operational documentation: runbooks, guides, API docs, FAQs. Results are ranked by hybrid semantic plus fuzzy relevance.",
	}, toolHandler(s.dispatcher, "search_knowledge_base", inputArgs[SearchKnowledgeBaseInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_runbooks",
		Description: "Find runbooks relevant to an active alert. Matches on alert type, severity, and affected systems; results are sorted by runbook relevance.",
	}, toolHandler(s.dispatcher, "search_runbooks", inputArgs[SearchRunbooksInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_decision_tree",
		Description: "Retrieve the decision tree of the runbook most relevant to an alert context, for step-by-step triage branching.",
	}, toolHandler(s.dispatcher, "get_decision_tree", inputArgs[GetDecisionTreeInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_procedure",
		Description: "Fetch a named procedure step from a runbook, with its immediate successor steps and execution URLs.",
	}, toolHandler(s.dispatcher, "get_procedure", inputArgs[GetProcedureInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_escalation_path",
		Description: "Resolve the ordered escalation contact list for a severity, honoring business hours and skipping contacts already tried.",
	}, toolHandler(s.dispatcher, "get_escalation_path", inputArgs[GetEscalationPathInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_sources",
		Description: "List every configured documentation source with indexing statistics, optionally probing each source's health.",
	}, toolHandler(s.dispatcher, "list_sources", inputArgs[ListSourcesInput]))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "record_resolution_feedback",
		Description: "Record the outcome of applying a runbook procedure to an incident, feeding future runbook success rates.",
	}, toolHandler(s.dispatcher, "record_resolution_feedback", inputArgs[RecordResolutionFeedbackInput]))

	s.logger.Debug("mcp tools registered", slog.Int("count", 7))
}

// toolHandler adapts a typed tool input onto the dispatcher. Failures
// are reported inside the envelope, not as protocol errors, so callers
// always receive the uniform response shape.
func toolHandler[In any](d *Dispatcher, tool string, toArgs func(In) map[string]any) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		return nil, d.Dispatch(ctx, tool, toArgs(in)), nil
	}
}

// inputArgs converts a typed input struct to the generic argument map
// the transform layer validates. The JSON round trip keeps field names
// and presence semantics identical to the wire form.
func inputArgs[In any](in In) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}
