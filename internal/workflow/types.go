// Package workflow implements the DAG workflow engine: parsing workflow
// definitions, detecting cycles, scheduling nodes in topological waves with
// bounded parallelism, resolving references between nodes, retrying failed
// nodes with backoff, checkpointing run state, and emitting progress events.
package workflow

import (
	"time"

	"github.com/cloudshipai/noetic/internal/dispatch"
)

// OnError is a node's policy for how its failure affects dependents and the
// overall run.
type OnError string

const (
	OnErrorFail           OnError = "fail"
	OnErrorContinue       OnError = "continue"
	OnErrorSkipDependents OnError = "skipDependents"
)

// RetryPolicy controls whether and how a failed node re-enters the ready
// queue. DefaultRetryPolicy mirrors the frozen defaults: three attempts,
// 200ms initial backoff doubling up to 5s, retrying timeouts, handler
// errors, and store-unavailable failures.
type RetryPolicy struct {
	MaxAttempts          int
	InitialBackoffMillis int64
	BackoffMultiplier    float64
	MaxBackoffMillis     int64
	RetryableKinds       []dispatch.ErrorKind
}

// DefaultRetryPolicy returns a fresh copy of the engine-wide default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		InitialBackoffMillis: 200,
		BackoffMultiplier:    2.0,
		MaxBackoffMillis:     5000,
		RetryableKinds: []dispatch.ErrorKind{
			dispatch.KindTimeout,
			dispatch.KindHandlerError,
			dispatch.KindStoreUnavailable,
		},
	}
}

func (p RetryPolicy) retryable(kind dispatch.ErrorKind) bool {
	switch kind {
	case dispatch.KindValidationError, dispatch.KindReferenceError,
		dispatch.KindCancelled, dispatch.KindUnknownTool:
		return false
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Node is one tool invocation within a WorkflowDefinition.
type Node struct {
	ID              string
	Tool            string
	ArgumentsTemplate interface{}
	TimeoutMillis   int64
	RetryPolicy     RetryPolicy
	OnError         OnError
}

// effectiveOnError returns the node's OnError policy, resolving an unset
// value to OnErrorFail so every caller agrees on what "default" means.
func (n *Node) effectiveOnError() OnError {
	if n.OnError == "" {
		return OnErrorFail
	}
	return n.OnError
}

// WorkflowDefinition is a DAG of tool invocations with data-flow edges
// expressed as references embedded in each node's ArgumentsTemplate.
type WorkflowDefinition struct {
	Name              string
	Version           string
	Nodes             []Node
	DefaultRetryPolicy *RetryPolicy
	MaxParallelism    int
}

// RunStatus is the terminal or in-flight status of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCancelling RunStatus = "cancelling"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunPartial   RunStatus = "partial"
)

// NodeStatus is a node's position in its lifecycle.
type NodeStatus string

const (
	NodeWaiting   NodeStatus = "waiting"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeState is one node's mutable run-time record within a WorkflowRun.
type NodeState struct {
	NodeID     string
	Status     NodeStatus
	Attempts   int
	Result     *dispatch.ToolResult
	StartedAt  *time.Time
	FinishedAt *time.Time
	DependsOn  []string
}

// WorkflowRun is the engine's record of one workflow execution. It is
// immutable except through the documented scheduler transitions.
type WorkflowRun struct {
	RunID        string
	Definition   WorkflowDefinition
	WorkflowInput interface{}
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       RunStatus
	NodeStates   map[string]*NodeState
}

// WorkflowEventKind discriminates a progress notification.
type WorkflowEventKind string

const (
	EventNodeReady         WorkflowEventKind = "nodeReady"
	EventNodeRunning       WorkflowEventKind = "nodeRunning"
	EventNodeSucceeded     WorkflowEventKind = "nodeSucceeded"
	EventNodeFailed        WorkflowEventKind = "nodeFailed"
	EventNodeSkipped       WorkflowEventKind = "nodeSkipped"
	EventRunStatusChanged  WorkflowEventKind = "runStatusChanged"
)

// WorkflowEvent is one progress notification emitted by the engine. Delivery
// to subscribers is best-effort and at-most-once; the persisted RunSnapshot
// is the source of truth.
type WorkflowEvent struct {
	RunID     string
	NodeID    string
	Kind      WorkflowEventKind
	Timestamp time.Time
	Detail    string
}
