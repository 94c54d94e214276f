package mcpsurface

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/session"
	"github.com/cloudshipai/noetic/internal/store"
	"github.com/cloudshipai/noetic/internal/workflow"
)

func newCallToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, reg *registry.Registry) *Server {
	t.Helper()
	dispatcher := dispatch.New(reg)
	engine := workflow.NewEngine(dispatcher, store.NewMemory(), 4)
	return &Server{
		registry:   reg,
		dispatcher: dispatcher,
		engine:     engine,
		sessions:   session.New(store.NewMemory()),
	}
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	content, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return content.Text
}

func TestHandleToolsList_ReturnsEveryRegisteredTool(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name:        "classify",
		Description: "classifies text",
		Handler:     func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil },
	}))
	require.NoError(t, reg.Register(registry.Spec{
		Name:        "enrich",
		Description: "enriches text",
		Handler:     func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil },
	}))
	srv := newTestServer(t, reg)

	result, err := srv.handleToolsList(context.Background(), newCallToolRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	body := textContent(t, result)
	assert.Contains(t, body, "classify")
	assert.Contains(t, body, "enrich")
}

func TestHandleToolsList_SearchFiltersByNameAndDescription(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name:        "classify",
		Description: "classifies text",
		Handler:     func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil },
	}))
	require.NoError(t, reg.Register(registry.Spec{
		Name:        "enrich",
		Description: "enriches text",
		Handler:     func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil },
	}))
	srv := newTestServer(t, reg)

	result, err := srv.handleToolsList(context.Background(), newCallToolRequest(map[string]interface{}{"search": "classify"}))
	require.NoError(t, err)

	body := textContent(t, result)
	assert.Contains(t, body, "classify")
	assert.NotContains(t, body, "enrich")
}

func TestHandleToolsCall_DispatchesAndReturnsResult(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name: "echo",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"echoed": input}, nil
		},
	}))
	srv := newTestServer(t, reg)

	result, err := srv.handleToolsCall(context.Background(), newCallToolRequest(map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"greeting": "hi"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), "greeting")
}

func TestHandleToolsCall_MissingNameIsInvalidParams(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleToolsCall(context.Background(), newCallToolRequest(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "invalidParams")
}

func TestHandleToolsCall_UnknownToolReportsFailureThroughResult(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleToolsCall(context.Background(), newCallToolRequest(map[string]interface{}{
		"name": "doesNotExist",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), "unknownTool")
}

func linearWorkflowDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":    "demo",
		"version": "1",
		"nodes": []interface{}{
			map[string]interface{}{"id": "A", "tool": "classify"},
		},
	}
}

func TestHandleWorkflowRun_SynchronousRunReturnsTerminalRun(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name: "classify",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"category": "tech"}, nil
		},
	}))
	srv := newTestServer(t, reg)

	result, err := srv.handleWorkflowRun(context.Background(), newCallToolRequest(map[string]interface{}{
		"definition": linearWorkflowDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	body := textContent(t, result)
	assert.Contains(t, body, "runID")
	assert.Contains(t, body, "terminalRun")
}

func TestHandleWorkflowRun_AsyncReturnsRunIDImmediately(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name: "classify",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"category": "tech"}, nil
		},
	}))
	srv := newTestServer(t, reg)

	result, err := srv.handleWorkflowRun(context.Background(), newCallToolRequest(map[string]interface{}{
		"definition": linearWorkflowDefinition(),
		"async":      true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), "runID")
}

func TestHandleWorkflowRun_MissingDefinitionIsInvalidParams(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleWorkflowRun(context.Background(), newCallToolRequest(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "invalidParams")
}

func TestHandleWorkflowRun_CyclicDependencyIsReportedAsError(t *testing.T) {
	srv := newTestServer(t, registry.New())

	def := map[string]interface{}{
		"name":    "cyclic",
		"version": "1",
		"nodes": []interface{}{
			map[string]interface{}{"id": "A", "tool": "classify", "arguments": map[string]interface{}{
				"v": "${nodes.B.output.v}",
			}},
			map[string]interface{}{"id": "B", "tool": "classify", "arguments": map[string]interface{}{
				"v": "${nodes.A.output.v}",
			}},
		},
	}

	result, err := srv.handleWorkflowRun(context.Background(), newCallToolRequest(map[string]interface{}{
		"definition": def,
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "cyclicDependency")
}

func TestHandleWorkflowStatus_UnknownRunIDIsNotFound(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleWorkflowStatus(context.Background(), newCallToolRequest(map[string]interface{}{
		"runID": "does-not-exist",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "notFound")
}

func TestHandleWorkflowStatus_KnownRunIDReturnsRun(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name: "classify",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"category": "tech"}, nil
		},
	}))
	srv := newTestServer(t, reg)

	runResult, err := srv.handleWorkflowRun(context.Background(), newCallToolRequest(map[string]interface{}{
		"definition": linearWorkflowDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, runResult.IsError)

	def, err := workflow.DefinitionFromMap(linearWorkflowDefinition())
	require.NoError(t, err)
	run, err := srv.engine.Run(context.Background(), def, nil)
	require.NoError(t, err)

	statusResult, err := srv.handleWorkflowStatus(context.Background(), newCallToolRequest(map[string]interface{}{
		"runID": run.RunID,
	}))
	require.NoError(t, err)
	require.False(t, statusResult.IsError)
	assert.Contains(t, textContent(t, statusResult), run.RunID)
}

func TestHandleWorkflowCancel_UnknownRunIDIsStillAccepted(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleWorkflowCancel(context.Background(), newCallToolRequest(map[string]interface{}{
		"runID": "does-not-exist",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textContent(t, result), "accepted")
}

func TestHandleWorkflowCancel_MissingRunIDIsInvalidParams(t *testing.T) {
	srv := newTestServer(t, registry.New())

	result, err := srv.handleWorkflowCancel(context.Background(), newCallToolRequest(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "invalidParams")
}
