package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/vetohq/veto/internal/model"
)

func (s *Server) registerTools() {
	// veto_submit — run an action through the governance pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("veto_submit",
			mcplib.WithDescription("Submit an action for governance. Low-risk actions execute immediately; riskier ones are queued for human approval."),
			mcplib.WithString("engine", mcplib.Description("Producer engine identifier"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Action category: trading, content, build, deployment, or configuration"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Action type, e.g. dca_buy or deploy_staging"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("Human-readable summary")),
			mcplib.WithNumber("value", mcplib.Description("Estimated value in dollars")),
			mcplib.WithBoolean("reversible", mcplib.Description("Whether the action can be undone")),
			mcplib.WithString("urgency", mcplib.Description("low, normal, high, or critical")),
		),
		s.handleSubmit,
	)

	// veto_check — dry-run risk assessment and routing.
	s.mcpServer.AddTool(
		mcplib.NewTool("veto_check",
			mcplib.WithDescription("Preview how an action would be routed without executing or queueing it. Returns the risk assessment, boundary check, and routing outcome."),
			mcplib.WithString("engine", mcplib.Description("Producer engine identifier"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Action category"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Action type"), mcplib.Required()),
			mcplib.WithNumber("value", mcplib.Description("Estimated value in dollars")),
			mcplib.WithBoolean("reversible", mcplib.Description("Whether the action can be undone")),
			mcplib.WithString("urgency", mcplib.Description("low, normal, high, or critical")),
		),
		s.handleCheck,
	)

	// veto_status — aggregate governor snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("veto_status",
			mcplib.WithDescription("Current governor status: autonomy level, queue depth, executor stats, daily usage, and audit chain head"),
		),
		s.handleStatus,
	)
}

// actionFromRequest builds an Action from tool arguments.
func actionFromRequest(request mcplib.CallToolRequest) (model.Action, error) {
	engineID := request.GetString("engine", "")
	category := request.GetString("category", "")
	actionType := request.GetString("type", "")
	if engineID == "" || category == "" || actionType == "" {
		return model.Action{}, fmt.Errorf("mcp: engine, category, and type are required")
	}

	return model.Action{
		ID:          uuid.New(),
		Engine:      engineID,
		Category:    model.Category(category),
		Type:        actionType,
		Description: request.GetString("description", ""),
		Metadata: model.ActionMetadata{
			EstimatedValue: request.GetFloat("value", 0),
			Reversible:     request.GetBool("reversible", false),
			Urgency:        model.Urgency(request.GetString("urgency", "")),
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a, err := actionFromRequest(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	sub, err := s.engine.Submit(ctx, a)
	if err != nil {
		if sub == nil {
			return errorResult(err.Error()), nil
		}
		// The decision stands; only the immediate execution was refused.
		resultData, _ := json.MarshalIndent(map[string]any{
			"decision": sub.Decision,
			"refused":  err.Error(),
		}, "", "  ")
		return textResult(string(resultData)), nil
	}

	resultData, _ := json.MarshalIndent(sub, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a, err := actionFromRequest(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	sub, err := s.engine.Preview(a)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resultData, _ := json.MarshalIndent(sub, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resultData, _ := json.MarshalIndent(s.engine.Status(), "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
