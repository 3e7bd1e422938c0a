// Package mcp exposes workflow operations as MCP tools so project
// assistants can query queues and start approvals conversationally.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"buildflow/backend/internal/services"
	"buildflow/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *services.Engine
	scheduler *services.Scheduler
}

func NewServer(engine *services.Engine, scheduler *services.Scheduler) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"BuildFlow Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:    engine,
		scheduler: scheduler,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_my_tasks",
			mcp.WithDescription("List the workflow stages waiting on a user, most urgent first"),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The user whose queue to list")),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("The project to list tasks for")),
			mcp.WithString("entity_type", mcp.Description("Optional filter: submittal, rfi or change_order")),
		),
		s.handleListMyTasks,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_history",
			mcp.WithDescription("Return the full audit trail of a workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow to inspect")),
		),
		s.handleGetHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_workflow",
			mcp.WithDescription("Start an approval workflow for a project entity"),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The user starting the workflow")),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("submittal, rfi or change_order")),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The entity to review")),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("The project the entity belongs to")),
			mcp.WithString("template_id", mcp.Description("Optional template; defaults to the entity type's default template")),
		),
		s.handleStartWorkflow,
	)
}

func stringArg(request mcp.CallToolRequest, name string) (string, bool) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := args[name].(string)
	return v, ok
}

func (s *Server) handleListMyTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := stringArg(request, "user_id")
	if !ok || userID == "" {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}
	projectID, ok := stringArg(request, "project_id")
	if !ok || projectID == "" {
		return mcp.NewToolResultError("Missing required parameter: project_id"), nil
	}
	entityType, _ := stringArg(request, "entity_type")

	tasks, err := s.scheduler.MyTasks(ctx, models.Actor{UserID: userID}, projectID, models.EntityType(entityType))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(tasks)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, ok := stringArg(request, "workflow_id")
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	entries, err := s.engine.History(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(entries)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := stringArg(request, "user_id")
	if !ok || userID == "" {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}
	entityType, ok := stringArg(request, "entity_type")
	if !ok || !models.EntityType(entityType).Valid() {
		return mcp.NewToolResultError("entity_type must be submittal, rfi or change_order"), nil
	}
	entityID, ok := stringArg(request, "entity_id")
	if !ok || entityID == "" {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}
	projectID, ok := stringArg(request, "project_id")
	if !ok || projectID == "" {
		return mcp.NewToolResultError("Missing required parameter: project_id"), nil
	}
	templateID, _ := stringArg(request, "template_id")

	// Tool calls arrive from an already-trusted assistant session, so the
	// actor is granted the start capability directly.
	actor := models.Actor{UserID: userID, Capabilities: []string{models.CapStartWorkflow}}
	inst, err := s.engine.StartWorkflow(ctx, services.StartWorkflowParams{
		TemplateID: templateID,
		EntityType: models.EntityType(entityType),
		EntityID:   entityID,
		ProjectID:  projectID,
	}, actor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(inst)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
