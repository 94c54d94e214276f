// Package mcpsurface exposes the engine, registry, and dispatcher over the
// Model Context Protocol: tools/list, tools/call, workflow/run,
// workflow/status, workflow/cancel, plus a notifications/progress stream
// that carries the events of every workflow run to every connected client;
// there is no per-run subscription.
package mcpsurface

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/session"
	"github.com/cloudshipai/noetic/internal/workflow"
)

// Server wires the engine, registry, and dispatcher behind an MCP transport.
type Server struct {
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *workflow.Engine
	sessions   *session.Log
}

// NewServer constructs a Server and registers its five RPC methods as MCP
// tools. The progress-notification forwarder is started by Start, alongside
// the transport.
func NewServer(reg *registry.Registry, dispatcher *dispatch.Dispatcher, engine *workflow.Engine, sessions *session.Log) *Server {
	mcpServer := server.NewMCPServer(
		"Noetic Cognitive Tool Orchestrator",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		httpServer: server.NewStreamableHTTPServer(mcpServer),
		registry:   reg,
		dispatcher: dispatcher,
		engine:     engine,
		sessions:   sessions,
	}

	s.setupTools()
	return s
}

func (s *Server) setupTools() {
	s.mcpServer.AddTool(mcp.NewTool("tools_list",
		mcp.WithDescription("List every registered tool, optionally filtered by a free-text search over name/description"),
		mcp.WithString("search", mcp.Description("Optional case-insensitive substring filter over tool name and description")),
	), s.handleToolsList)

	s.mcpServer.AddTool(mcp.NewTool("tools_call",
		mcp.WithDescription("Invoke a single registered tool directly through the dispatcher"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the tool to invoke")),
		mcp.WithObject("arguments", mcp.Description("Arguments passed to the tool, validated against its input schema")),
		mcp.WithString("sessionID", mcp.Description("Optional session handle the tool's side effects are scoped to")),
		mcp.WithNumber("deadlineMillis", mcp.Description("Optional caller deadline for this call, in milliseconds")),
	), s.handleToolsCall)

	s.mcpServer.AddTool(mcp.NewTool("workflow_run",
		mcp.WithDescription("Run a workflow definition to completion (or start it in the background with async=true)"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("The WorkflowDefinition: name, version, nodes[], defaultRetryPolicy?, maxParallelism?")),
		mcp.WithObject("input", mcp.Description("Workflow input, addressable from node templates as ${input.<path>}")),
		mcp.WithNumber("deadlineMillis", mcp.Description("Optional overall deadline for a synchronous run, in milliseconds")),
		mcp.WithBoolean("async", mcp.Description("If true, return runID immediately instead of blocking until terminal status")),
	), s.handleWorkflowRun)

	s.mcpServer.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Fetch the current (possibly non-terminal) WorkflowRun for a runID"),
		mcp.WithString("runID", mcp.Required(), mcp.Description("The run to inspect")),
	), s.handleWorkflowStatus)

	s.mcpServer.AddTool(mcp.NewTool("workflow_cancel",
		mcp.WithDescription("Request cancellation of a running workflow; idempotent, always accepted"),
		mcp.WithString("runID", mcp.Required(), mcp.Description("The run to cancel")),
	), s.handleWorkflowCancel)
}

// Start begins serving the MCP surface over streamable HTTP on addr (e.g.
// ":8090") and blocks until the server stops or ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.forwardProgressNotifications(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Start(addr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("mcpsurface: http server: %w", err)
	}
}

// forwardProgressNotifications relays every WorkflowEvent the engine emits
// to connected MCP clients as a notifications/progress message. Delivery is
// best-effort, matching the engine's own at-most-once publish semantics.
func (s *Server) forwardProgressNotifications(ctx context.Context) {
	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload := map[string]interface{}{
				"runID":     evt.RunID,
				"nodeID":    evt.NodeID,
				"kind":      string(evt.Kind),
				"timestamp": evt.Timestamp,
				"detail":    evt.Detail,
			}
			s.mcpServer.SendNotificationToAllClients("notifications/progress", payload)
		}
	}
}
