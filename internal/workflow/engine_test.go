package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/registry"
	"github.com/cloudshipai/noetic/internal/store"
)

func newTestEngine(t *testing.T, reg *registry.Registry) *Engine {
	t.Helper()
	return NewEngine(dispatch.New(reg), store.NewMemory(), 4)
}

func TestEngine_LinearPipelineSucceeds(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name: "classify",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"category": "tech"}, nil
		},
	}))
	require.NoError(t, reg.Register(registry.Spec{
		Name: "enrich",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"tags": []interface{}{"go", "mcp"}}, nil
		},
	}))
	require.NoError(t, reg.Register(registry.Spec{
		Name: "summarize",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"summary": "ok"}, nil
		},
	}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{
		Name: "linear", Version: "1",
		Nodes: []Node{
			{ID: "A", Tool: "classify", OnError: OnErrorFail},
			{ID: "B", Tool: "enrich", OnError: OnErrorFail, ArgumentsTemplate: map[string]interface{}{
				"category": "${nodes.A.output.category}",
			}},
			{ID: "C", Tool: "summarize", OnError: OnErrorFail, ArgumentsTemplate: map[string]interface{}{
				"text": "${input.text}",
				"tags": "${nodes.B.output.tags}",
			}},
		},
	}

	run, err := e.Run(context.Background(), def, map[string]interface{}{"text": "hello world"})
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, NodeSucceeded, run.NodeStates[id].Status)
		assert.Equal(t, 1, run.NodeStates[id].Attempts)
	}
	assert.NotNil(t, run.NodeStates["C"].Result.Output)
}

func TestEngine_FanOutFanIn(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "source", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"v": 1}, nil
	}}))
	for _, name := range []string{"x", "y", "z"} {
		name := name
		require.NoError(t, reg.Register(registry.Spec{Name: name, Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
			return map[string]interface{}{"branch": name}, nil
		}}))
	}
	require.NoError(t, reg.Register(registry.Spec{Name: "sink", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"joined": true}, nil
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{
		Nodes: []Node{
			{ID: "S", Tool: "source"},
			{ID: "X", Tool: "x", ArgumentsTemplate: map[string]interface{}{"v": "${nodes.S.output.v}"}},
			{ID: "Y", Tool: "y", ArgumentsTemplate: map[string]interface{}{"v": "${nodes.S.output.v}"}},
			{ID: "Z", Tool: "z", ArgumentsTemplate: map[string]interface{}{"v": "${nodes.S.output.v}"}},
			{ID: "T", Tool: "sink", ArgumentsTemplate: map[string]interface{}{
				"x": "${nodes.X.output.branch}",
				"y": "${nodes.Y.output.branch}",
				"z": "${nodes.Z.output.branch}",
			}},
		},
	}

	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, NodeSucceeded, run.NodeStates["T"].Status)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	reg := registry.New()
	var attempt int32
	require.NoError(t, reg.Register(registry.Spec{Name: "flaky", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n < 3 {
			return nil, dispatch.NewTypedError(dispatch.KindHandlerError, "not yet", nil)
		}
		return map[string]interface{}{"ok": true}, nil
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "F", Tool: "flaky", RetryPolicy: RetryPolicy{
			MaxAttempts: 3, InitialBackoffMillis: 10, BackoffMultiplier: 2, MaxBackoffMillis: 100,
			RetryableKinds: []dispatch.ErrorKind{dispatch.KindHandlerError},
		}},
	}}

	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, 3, run.NodeStates["F"].Attempts)
}

func TestEngine_SingleNodeMaxAttemptsOneFails(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "always-fails", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, dispatch.NewTypedError(dispatch.KindHandlerError, "boom", nil)
	}}))
	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "F", Tool: "always-fails", RetryPolicy: RetryPolicy{MaxAttempts: 1}},
	}}
	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, 1, run.NodeStates["F"].Attempts)
}

func TestEngine_EmptyWorkflowSucceedsImmediately(t *testing.T) {
	e := newTestEngine(t, registry.New())
	run, err := e.Run(context.Background(), WorkflowDefinition{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
}

func TestEngine_OnErrorContinuePropagatesSentinelAndReportsPartial(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "fails", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, dispatch.NewTypedError(dispatch.KindHandlerError, "down", nil)
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "downstream", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"received": input}, nil
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "fails", OnError: OnErrorContinue, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		{ID: "B", Tool: "downstream", ArgumentsTemplate: map[string]interface{}{"upstream": "${nodes.A.output.__noeticError}"}},
	}}

	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, RunPartial, run.Status)
	assert.Equal(t, NodeFailed, run.NodeStates["A"].Status)
	assert.Equal(t, NodeSucceeded, run.NodeStates["B"].Status)
}

func TestEngine_OnErrorSkipDependentsSkipsDescendants(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "fails", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, dispatch.NewTypedError(dispatch.KindHandlerError, "down", nil)
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "never-runs", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{}, nil
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "fails", OnError: OnErrorSkipDependents, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		{ID: "B", Tool: "never-runs", ArgumentsTemplate: map[string]interface{}{"v": "${nodes.A.output.x}"}},
	}}

	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, run.NodeStates["A"].Status)
	assert.Equal(t, NodeSkipped, run.NodeStates["B"].Status)
}

func TestEngine_CancelMidFlightReportsCancelled(t *testing.T) {
	reg := registry.New()
	observedCancel := make(chan struct{}, 1)
	require.NoError(t, reg.Register(registry.Spec{Name: "slow", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]interface{}{}, nil
		case <-ctx.Done():
			observedCancel <- struct{}{}
			return nil, ctx.Err()
		}
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{{ID: "S", Tool: "slow"}}}

	runID, err := e.RunAsync(context.Background(), def, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := e.Status(runID)
		return err == nil && run.Status == RunRunning
	}, time.Second, 5*time.Millisecond)

	accepted := e.Cancel(runID)
	assert.True(t, accepted)

	require.Eventually(t, func() bool {
		run, err := e.Status(runID)
		return err == nil && run.Status == RunCancelled
	}, time.Second, 5*time.Millisecond)

	select {
	case <-observedCancel:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}

	run, err := e.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindCancelled, run.NodeStates["S"].Result.ErrorKind)
}

func TestEngine_ReferenceArrayOutOfBoundsIsReferenceError(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "source", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"items": []interface{}{"a"}}, nil
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "consumer", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{}, nil
	}}))

	e := newTestEngine(t, reg)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "source"},
		{ID: "B", Tool: "consumer", RetryPolicy: RetryPolicy{MaxAttempts: 1}, ArgumentsTemplate: map[string]interface{}{
			"item": "${nodes.A.output.items[9]}",
		}},
	}}

	run, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, run.NodeStates["B"].Status)
	assert.Equal(t, dispatch.KindReferenceError, run.NodeStates["B"].Result.ErrorKind)
}

func TestParse_CycleRejectionNeverCreatesARun(t *testing.T) {
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "t", ArgumentsTemplate: map[string]interface{}{"x": "${nodes.B.output.x}"}},
		{ID: "B", Tool: "t", ArgumentsTemplate: map[string]interface{}{"y": "${nodes.A.output.y}"}},
	}}
	e := newTestEngine(t, registry.New())
	_, err := e.RunAsync(context.Background(), def, nil)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestEngine_OnErrorFailStopsSchedulingNodesStillWaitingForAWorker(t *testing.T) {
	reg := registry.New()
	release := make(chan struct{})
	var shouldNotRunCount int32
	require.NoError(t, reg.Register(registry.Spec{Name: "failfast", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "slow", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "should-not-run", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		atomic.AddInt32(&shouldNotRunCount, 1)
		return nil, nil
	}}))

	e := NewEngine(dispatch.New(reg), store.NewMemory(), 2)
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "failfast", OnError: OnErrorFail, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		{ID: "B", Tool: "slow"},
		{ID: "C", Tool: "should-not-run"},
	}}

	runID, err := e.RunAsync(context.Background(), def, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, statusErr := e.Status(runID)
		return statusErr == nil && run.NodeStates["A"].Status == NodeFailed
	}, time.Second, 5*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		run, statusErr := e.Status(runID)
		return statusErr == nil && (run.Status == RunFailed || run.Status == RunPartial)
	}, time.Second, 5*time.Millisecond)

	run, err := e.Status(runID)
	require.NoError(t, err)
	assert.NotEqual(t, RunSucceeded, run.Status)
	assert.Equal(t, NodeFailed, run.NodeStates["A"].Status)
	assert.Equal(t, NodeSucceeded, run.NodeStates["B"].Status)
	assert.Equal(t, NodeWaiting, run.NodeStates["C"].Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&shouldNotRunCount))
}

func TestEngine_UnknownToolNeverCreatesARun(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{
		Name:    "classify",
		Handler: func(ctx context.Context, input interface{}) (interface{}, error) { return nil, nil },
	}))
	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "not-registered"},
	}}
	e := newTestEngine(t, reg)
	runID, err := e.RunAsync(context.Background(), def, nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Empty(t, runID)
	_, statusErr := e.Status(runID)
	assert.Error(t, statusErr)
}

func TestEngine_ResumeRehydratesNonTerminalRunsAndFinishesThem(t *testing.T) {
	st := store.NewMemory()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Spec{Name: "source", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"value": "resumed"}, nil
	}}))
	require.NoError(t, reg.Register(registry.Spec{Name: "consumer", Handler: func(ctx context.Context, input interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": input}, nil
	}}))

	def := WorkflowDefinition{Nodes: []Node{
		{ID: "A", Tool: "source"},
		{ID: "B", Tool: "consumer", ArgumentsTemplate: map[string]interface{}{
			"value": "${nodes.A.output.value}",
		}},
	}}
	graph, err := Parse(def)
	require.NoError(t, err)

	startedAt := time.Now()
	crashedRun := &WorkflowRun{
		RunID:         "crashed-run",
		Definition:    def,
		WorkflowInput: nil,
		StartedAt:     startedAt,
		Status:        RunRunning,
		NodeStates: map[string]*NodeState{
			"A": {NodeID: "A", Status: NodeRunning, Attempts: 1, StartedAt: &startedAt, DependsOn: graph.DependsOn("A")},
			"B": {NodeID: "B", Status: NodeWaiting, DependsOn: graph.DependsOn("B")},
		},
	}
	snapshot, err := MarshalRun(crashedRun)
	require.NoError(t, err)
	require.NoError(t, st.SaveRunSnapshot(context.Background(), crashedRun.RunID, snapshot))

	e := NewEngine(dispatch.New(reg), st, 4)
	resumed, err := e.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		run, statusErr := e.Status("crashed-run")
		return statusErr == nil && run.Status == RunSucceeded
	}, time.Second, 5*time.Millisecond)

	run, err := e.Status("crashed-run")
	require.NoError(t, err)
	assert.Equal(t, NodeSucceeded, run.NodeStates["A"].Status)
	assert.Equal(t, NodeSucceeded, run.NodeStates["B"].Status)
}

func TestEngine_ResumeWithNoActiveRunsIsANoop(t *testing.T) {
	e := newTestEngine(t, registry.New())
	resumed, err := e.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
}
