package mcpsurface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/schema"
	"github.com/cloudshipai/noetic/internal/workflow"
)

func textResult(v interface{}) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func invalidParams(message string) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("invalidParams: %s", message)), nil
}

// toolDescriptor is the external, handler-free view of a registered tool.
type toolDescriptor struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version,omitempty"`
	InputSchema  interface{}       `json:"inputSchema,omitempty"`
	OutputSchema interface{}       `json:"outputSchema,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func describeTool(spec registry.Spec) toolDescriptor {
	d := toolDescriptor{
		Name:        spec.Name,
		Description: spec.Description,
		Version:     spec.Version,
		Metadata:    spec.Metadata,
	}
	if spec.InputSchema != nil {
		d.InputSchema = schema.ToJSONSchema(spec.InputSchema)
	}
	if spec.OutputSchema != nil {
		d.OutputSchema = schema.ToJSONSchema(spec.OutputSchema)
	}
	return d
}

func (s *Server) handleToolsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	search := request.GetString("search", "")

	var specs []registry.Spec
	if search != "" {
		specs = s.registry.Search(search)
	} else {
		specs = s.registry.List()
	}

	descriptors := make([]toolDescriptor, 0, len(specs))
	for _, spec := range specs {
		descriptors = append(descriptors, describeTool(spec))
	}
	return textResult(map[string]interface{}{"tools": descriptors})
}

func (s *Server) handleToolsCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return invalidParams("name is required")
	}

	var arguments interface{}
	if argsMap, ok := request.Params.Arguments.(map[string]interface{}); ok {
		arguments = argsMap["arguments"]
	}

	sessionID := request.GetString("sessionID", "")
	deadlineMillis := request.GetInt("deadlineMillis", 0)

	call := dispatch.ToolCall{
		Tool:      name,
		Arguments: arguments,
		SessionID: sessionID,
	}
	if deadlineMillis > 0 {
		call.Timeout = time.Duration(deadlineMillis) * time.Millisecond
	}

	result := s.dispatcher.Dispatch(ctx, call)
	return textResult(result)
}

func (s *Server) handleWorkflowRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	argsMap, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return invalidParams("arguments must be an object")
	}

	rawDefinition, ok := argsMap["definition"].(map[string]interface{})
	if !ok {
		return invalidParams("definition is required and must be an object")
	}

	def, err := workflow.DefinitionFromMap(rawDefinition)
	if err != nil {
		return invalidParams(fmt.Sprintf("definition: %v", err))
	}

	input := argsMap["input"]

	async := request.GetBool("async", false)
	deadlineMillis := request.GetInt("deadlineMillis", 0)

	runCtx := ctx
	var cancel context.CancelFunc
	if deadlineMillis > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(deadlineMillis)*time.Millisecond)
		defer cancel()
	}

	if async {
		runID, err := s.engine.RunAsync(runCtx, def, input)
		if err != nil {
			return workflowStartError(err)
		}
		return textResult(map[string]interface{}{"runID": runID})
	}

	run, err := s.engine.Run(runCtx, def, input)
	if err != nil {
		return workflowStartError(err)
	}
	return textResult(map[string]interface{}{"runID": run.RunID, "terminalRun": run})
}

func workflowStartError(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, workflow.ErrCyclicDependency):
		return mcp.NewToolResultError("cyclicDependency: workflow definition contains a reference cycle"), nil
	case errors.Is(err, workflow.ErrDuplicateNodeID):
		return mcp.NewToolResultError("invalidParams: duplicate node id in workflow definition"), nil
	case errors.Is(err, workflow.ErrUnknownNodeReference):
		return mcp.NewToolResultError("invalidParams: reference to an unknown node id"), nil
	case errors.Is(err, workflow.ErrUnknownTool):
		return mcp.NewToolResultError("invalidParams: node names an unregistered tool"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalidParams: %v", err)), nil
	}
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runID")
	if err != nil {
		return invalidParams("runID is required")
	}
	run, err := s.engine.Status(runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("notFound: %v", err)), nil
	}
	return textResult(run)
}

func (s *Server) handleWorkflowCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runID")
	if err != nil {
		return invalidParams("runID is required")
	}
	accepted := s.engine.Cancel(runID)
	return textResult(map[string]interface{}{"accepted": accepted})
}
