package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/aide/internal/confidence"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/normalize"
)

// mcpSession is used when a tool call names no session.
const mcpSession = "mcp"

const recentDecisions = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline Pipeline
}

// NewMCPServer creates an MCP server exposing the decision pipeline.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"aide",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("aide turns loose notes into proposed actions, asks before acting, and explains every decision it made."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_input",
			mcp.WithDescription("Send a user input through the assistant. Returns a clarification question, a proposal awaiting approval, or an executed action."),
			mcp.WithString("content", mcp.Description("What the user said or wrote"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Input kind: text, voice, or image (default text)")),
			mcp.WithString("session", mcp.Description("Session id (default mcp)")),
		),
		mcpSubmitInput(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_proposal",
			mcp.WithDescription("Approve the pending proposal of a session and run it."),
			mcp.WithString("proposal_id", mcp.Description("Id of the pending proposal"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session id (default mcp)")),
		),
		mcpApproveProposal(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_proposal",
			mcp.WithDescription("Reject the pending proposal of a session. Nothing is executed."),
			mcp.WithString("proposal_id", mcp.Description("Id of the pending proposal"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session id (default mcp)")),
		),
		mcpRejectProposal(deps),
	)

	s.AddTool(
		mcp.NewTool("explain_decision",
			mcp.WithDescription("Explain why the assistant made a decision."),
			mcp.WithString("id", mcp.Description("Decision id"), mcp.Required()),
		),
		mcpExplainDecision(deps),
	)

	s.AddTool(
		mcp.NewTool("query_decisions",
			mcp.WithDescription("List recent decisions, optionally filtered by session, related entity, or confidence."),
			mcp.WithString("session", mcp.Description("Only decisions of this session")),
			mcp.WithString("entity", mcp.Description("Only decisions referencing this entity id")),
			mcp.WithNumber("below", mcp.Description("Only decisions with confidence strictly below this value")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpQueryDecisions(deps),
	)

	s.AddTool(
		mcp.NewTool("record_prompt",
			mcp.WithDescription("Report how the user responded to an assistant-initiated prompt."),
			mcp.WithString("event", mcp.Description("shown, dismissed, or accepted"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session id (default mcp)")),
		),
		mcpRecordPrompt(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ledger://recent",
			"Recent Decisions",
			mcp.WithResourceDescription("The 10 newest decisions (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDecisions(deps, ledger.Filter{Limit: recentDecisions}),
	)

	threshold := confidence.ClarifyThreshold
	s.AddResource(
		mcp.NewResource(
			"ledger://uncertain",
			"Uncertain Decisions",
			mcp.WithResourceDescription("Decisions made with low confidence, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDecisions(deps, ledger.Filter{MaxConfidence: &threshold, Limit: recentDecisions}),
	)

	return s
}

func mcpSubmitInput(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		kind := normalize.Kind(req.GetString("kind", string(normalize.KindText)))
		if !kind.IsValid() {
			return mcpError(fmt.Sprintf("unknown input kind %q", kind)), nil
		}

		resp, err := deps.Pipeline.Submit(ctx, req.GetString("session", mcpSession), normalize.NewInput(kind, content, nil))
		if errors.Is(err, intent.ErrClassificationFailure) {
			return mcpError(intent.ErrClassificationFailure.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpApproveProposal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("proposal_id")
		if err != nil {
			return mcpError("proposal_id is required"), nil
		}
		exec, err := deps.Pipeline.Approve(ctx, req.GetString("session", mcpSession), id)
		if err != nil {
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		return mcpJSON(exec)
	}
}

func mcpRejectProposal(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("proposal_id")
		if err != nil {
			return mcpError("proposal_id is required"), nil
		}
		a, err := deps.Pipeline.Reject(req.GetString("session", mcpSession), id)
		if err != nil {
			return mcpError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rejected proposal %s", a.ID)), nil
	}
}

func mcpExplainDecision(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		text, err := deps.Pipeline.Explain(id)
		if err != nil {
			return mcpError(fmt.Sprintf("explain failed: %v", err)), nil
		}
		return mcpText(text), nil
	}
}

func mcpQueryDecisions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}
		f := ledger.Filter{
			SessionID: req.GetString("session", ""),
			EntityID:  req.GetString("entity", ""),
			Limit:     limit,
		}
		if below := req.GetFloat("below", -1); below >= 0 {
			f.MaxConfidence = &below
		}

		entries := deps.Pipeline.QueryLedger(f)
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(summarize(entries))
	}
}

func mcpRecordPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		event, err := req.RequireString("event")
		if err != nil {
			return mcpError("event is required"), nil
		}
		session := req.GetString("session", mcpSession)
		switch event {
		case "shown":
			return mcpJSON(deps.Pipeline.RecordPromptShown(session))
		case "dismissed":
			return mcpJSON(deps.Pipeline.RecordPromptDismissed(session))
		case "accepted":
			return mcpJSON(deps.Pipeline.RecordPromptAccepted(session))
		default:
			return mcpError(fmt.Sprintf("unknown prompt event %q", event)), nil
		}
	}
}

func mcpResourceDecisions(deps MCPDeps, f ledger.Filter) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(summarize(deps.Pipeline.QueryLedger(f)))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decisions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type decisionSummary struct {
	ID         string  `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Input      string  `json:"input"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Executed   bool    `json:"executed"`
}

func summarize(entries []ledger.Entry) []decisionSummary {
	out := make([]decisionSummary, len(entries))
	for i, e := range entries {
		input := e.TriggerInput
		if utf8.RuneCountInString(input) > 200 {
			input = string([]rune(input)[:200]) + "..."
		}
		out[i] = decisionSummary{
			ID:         e.ID,
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Input:      input,
			Action:     e.SelectedAction,
			Confidence: e.ConfidenceScore,
			Executed:   e.Executed,
		}
	}
	return out
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
