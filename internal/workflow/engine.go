package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cloudshipai/noetic/internal/dispatch"
	"github.com/cloudshipai/noetic/internal/obs"
	"github.com/cloudshipai/noetic/internal/store"
)

// DefaultWorkerCount is used when neither an explicit option nor the
// WORKFLOW_WORKERS environment variable specifies a worker-pool size.
const DefaultWorkerCount = 4

// workerCountFromEnv resolves W from WORKFLOW_WORKERS, falling back to def.
func workerCountFromEnv(def int) int {
	raw := os.Getenv("WORKFLOW_WORKERS")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Engine schedules and runs workflows: one goroutine per run owns that
// run's NodeStates and receives worker results over a channel, so state
// transitions are atomic without a shared lock across runs.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	workers    int

	eventsMu sync.RWMutex
	subs     map[int]chan WorkflowEvent
	nextSub  int

	runsMu sync.Mutex
	runs   map[string]*runHandle
}

type runHandle struct {
	mu     sync.Mutex
	run    *WorkflowRun
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine constructs an Engine. workers <= 0 resolves DefaultWorkerCount,
// subject to override by WORKFLOW_WORKERS.
func NewEngine(dispatcher *dispatch.Dispatcher, st store.Store, workers int) *Engine {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	workers = workerCountFromEnv(workers)
	return &Engine{
		dispatcher: dispatcher,
		store:      st,
		workers:    workers,
		subs:       make(map[int]chan WorkflowEvent),
		runs:       make(map[string]*runHandle),
	}
}

// Subscribe returns a channel of WorkflowEvents for every run this engine
// drives. Delivery is best-effort: a slow subscriber drops events rather
// than blocking the scheduler. Call the returned cancel func to unsubscribe.
func (e *Engine) Subscribe() (<-chan WorkflowEvent, func()) {
	ch := make(chan WorkflowEvent, 256)
	e.eventsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.eventsMu.Unlock()
	return ch, func() {
		e.eventsMu.Lock()
		delete(e.subs, id)
		e.eventsMu.Unlock()
		close(ch)
	}
}

func (e *Engine) publish(evt WorkflowEvent) {
	e.eventsMu.RLock()
	defer e.eventsMu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Run parses def, creates a new WorkflowRun, and blocks until the run
// reaches a terminal status.
func (e *Engine) Run(ctx context.Context, def WorkflowDefinition, input interface{}) (*WorkflowRun, error) {
	runID, err := e.start(ctx, def, input)
	if err != nil {
		return nil, err
	}
	e.runsMu.Lock()
	handle := e.runs[runID]
	e.runsMu.Unlock()
	<-handle.done
	return e.Status(runID)
}

// RunAsync parses def, creates a new WorkflowRun, and returns its runID
// immediately; the run proceeds in the background.
func (e *Engine) RunAsync(ctx context.Context, def WorkflowDefinition, input interface{}) (string, error) {
	return e.start(context.WithoutCancel(ctx), def, input)
}

func (e *Engine) start(ctx context.Context, def WorkflowDefinition, input interface{}) (string, error) {
	graph, err := Parse(def, e.dispatcher.HasTool)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	nodeStates := make(map[string]*NodeState, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		nodeStates[n.ID] = &NodeState{
			NodeID:    n.ID,
			Status:    NodeWaiting,
			DependsOn: graph.DependsOn(n.ID),
		}
	}

	run := &WorkflowRun{
		RunID:         runID,
		Definition:    def,
		WorkflowInput: input,
		StartedAt:     timeNow(),
		Status:        RunPending,
		NodeStates:    nodeStates,
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{run: run, cancel: cancel, done: make(chan struct{})}

	e.runsMu.Lock()
	e.runs[runID] = handle
	e.runsMu.Unlock()

	go e.drive(runCtx, handle, graph)

	return runID, nil
}

// timeNow exists so every timestamp in the engine goes through one seam;
// production always uses time.Now.
func timeNow() time.Time { return time.Now() }

type nodeOutcome struct {
	nodeID string
	result dispatch.ToolResult
}

// seedScheduleFromNodeStates computes the initial ready set and whether
// scheduling should already be halted, from whatever run.NodeStates holds
// when drive starts. For a freshly created run every node is NodeWaiting
// and this reduces to "every zero-dependency node is ready, nothing has
// failed" — the same initial schedule drive always used. For a run
// rehydrated from a checkpoint (see Engine.Resume), some nodes are already
// NodeSucceeded/NodeFailed/NodeSkipped; this seeds nodeOutputs from their
// persisted results and resumes scheduling from where the process left
// off instead of replaying finished work.
func seedScheduleFromNodeStates(graph *Graph, run *WorkflowRun, nodeOutputs map[string]interface{}) (ready []string, failed bool) {
	for _, id := range graph.TopoOrder() {
		ns := run.NodeStates[id]
		switch ns.Status {
		case NodeSucceeded:
			if ns.Result != nil {
				nodeOutputs[id] = ns.Result.Output
			}
			continue
		case NodeFailed:
			node, _ := graph.Node(id)
			if node.effectiveOnError() == OnErrorContinue {
				if ns.Result != nil {
					nodeOutputs[id] = upstreamFailedSentinel(string(ns.Result.ErrorKind), ns.Result.ErrorMessage)
				}
			} else {
				failed = true
			}
			continue
		case NodeSkipped:
			continue
		}

		count := 0
		for _, dep := range graph.DependsOn(id) {
			dns := run.NodeStates[dep]
			depNode, _ := graph.Node(dep)
			satisfied := dns.Status == NodeSucceeded ||
				(dns.Status == NodeFailed && depNode.effectiveOnError() == OnErrorContinue)
			if !satisfied {
				count++
			}
		}
		if count == 0 {
			ready = append(ready, id)
		}
	}
	return ready, failed
}

// drive owns handle.run.NodeStates for the lifetime of one run: every
// mutation happens on this goroutine, so no lock is needed across fields.
func (e *Engine) drive(ctx context.Context, handle *runHandle, graph *Graph) {
	defer close(handle.done)

	run := handle.run
	setRunStatus(run, RunRunning)
	e.checkpoint(ctx, run)

	if len(graph.TopoOrder()) == 0 {
		setRunStatus(run, RunSucceeded)
		completed := timeNow()
		run.CompletedAt = &completed
		e.checkpoint(ctx, run)
		return
	}

	nodeOutputs := make(map[string]interface{})
	ready, failed := seedScheduleFromNodeStates(graph, run, nodeOutputs)

	results := make(chan nodeOutcome, 64)
	retryReady := make(chan string, 64)
	sem := make(chan struct{}, e.workers)
	var inFlight int
	var wg sync.WaitGroup

	scheduleReady := func() {
		sort.Strings(ready)
		for len(ready) > 0 {
			select {
			case sem <- struct{}{}:
			default:
				return
			}
			id := ready[0]
			ready = ready[1:]
			e.markRunning(run, id)
			inFlight++
			wg.Add(1)
			go e.runNode(ctx, run, graph, id, nodeOutputs, results, &wg, sem)
		}
	}

	cancelRequested := false

	for {
		if run.Status == RunPending || run.Status == RunRunning {
			if !cancelRequested && !failed {
				scheduleReady()
			}
		}

		if inFlight == 0 && len(ready) == 0 {
			allDone := true
			for _, id := range graph.TopoOrder() {
				st := run.NodeStates[id].Status
				if st == NodeWaiting || st == NodeReady || st == NodeRunning {
					allDone = false
					break
				}
			}
			if allDone {
				break
			}
		}

		select {
		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				setRunStatus(run, RunCancelling)
				e.checkpoint(ctx, run)
			}
			if inFlight == 0 {
				goto finalize
			}
		case outcome := <-results:
			inFlight--
			newlyReady, nodeFailed := e.handleOutcome(run, graph, outcome, nodeOutputs, retryReady)
			if node, ok := graph.Node(outcome.nodeID); nodeFailed && ok && node.effectiveOnError() == OnErrorFail {
				failed = true
			}
			ready = append(ready, newlyReady...)
			e.checkpoint(ctx, run)
		case id := <-retryReady:
			ready = append(ready, id)
		}

		if failed && inFlight == 0 {
			break
		}
	}

finalize:
	wg.Wait()
	for {
		select {
		case outcome := <-results:
			newlyReady, _ := e.handleOutcome(run, graph, outcome, nodeOutputs, retryReady)
			_ = newlyReady
		default:
			goto settled
		}
	}
settled:

	completed := timeNow()
	run.CompletedAt = &completed
	setRunStatus(run, computeFinalStatus(run, cancelRequested))
	e.checkpoint(ctx, run)
}

func computeFinalStatus(run *WorkflowRun, cancelRequested bool) RunStatus {
	if cancelRequested {
		return RunCancelled
	}
	anyFailed := false
	anySucceeded := false
	for _, ns := range run.NodeStates {
		switch ns.Status {
		case NodeFailed:
			anyFailed = true
		case NodeSucceeded:
			anySucceeded = true
		}
	}
	switch {
	case anyFailed && anySucceeded:
		return RunPartial
	case anyFailed:
		return RunFailed
	default:
		return RunSucceeded
	}
}

func setRunStatus(run *WorkflowRun, status RunStatus) {
	run.Status = status
}

func (e *Engine) markRunning(run *WorkflowRun, nodeID string) {
	ns := run.NodeStates[nodeID]
	ns.Status = NodeRunning
	now := timeNow()
	ns.StartedAt = &now
	ns.Attempts++
	e.publish(WorkflowEvent{RunID: run.RunID, NodeID: nodeID, Kind: EventNodeRunning, Timestamp: now})
}

// runNode resolves a node's arguments, dispatches the tool call, and posts
// the outcome back to the scheduler loop.
func (e *Engine) runNode(ctx context.Context, run *WorkflowRun, graph *Graph, nodeID string, nodeOutputs map[string]interface{}, results chan<- nodeOutcome, wg *sync.WaitGroup, sem chan struct{}) {
	defer wg.Done()
	defer func() { <-sem }()

	node, _ := graph.Node(nodeID)
	rc := resolveContext{nodeOutputs: nodeOutputs, input: run.WorkflowInput}

	args, err := resolveTemplate(node.ArgumentsTemplate, rc)
	if err != nil {
		results <- nodeOutcome{nodeID: nodeID, result: dispatch.ToolResult{
			Status:       dispatch.Status(dispatch.KindReferenceError),
			ErrorKind:    dispatch.KindReferenceError,
			ErrorMessage: err.Error(),
			ProducedAt:   timeNow(),
		}}
		return
	}

	timeout := time.Duration(node.TimeoutMillis) * time.Millisecond
	sessionID, _ := sessionIDFromInput(run.WorkflowInput)

	result := e.dispatcher.Dispatch(ctx, dispatch.ToolCall{
		Tool:      node.Tool,
		Arguments: args,
		SessionID: sessionID,
		Timeout:   timeout,
	})

	results <- nodeOutcome{nodeID: nodeID, result: result}
}

func sessionIDFromInput(input interface{}) (string, bool) {
	obj, ok := input.(map[string]interface{})
	if !ok {
		return "", false
	}
	sid, ok := obj["sessionID"].(string)
	return sid, ok
}

// handleOutcome records one node's result, applies its onError policy, and
// returns the dependents newly unblocked into the ready set.
func (e *Engine) handleOutcome(run *WorkflowRun, graph *Graph, outcome nodeOutcome, nodeOutputs map[string]interface{}, retryReady chan<- string) (newlyReady []string, nodeFailed bool) {
	ns := run.NodeStates[outcome.nodeID]
	node, _ := graph.Node(outcome.nodeID)
	ns.Result = &outcome.result
	now := timeNow()
	ns.FinishedAt = &now

	if outcome.result.Status == dispatch.StatusOK {
		ns.Status = NodeSucceeded
		nodeOutputs[outcome.nodeID] = outcome.result.Output
		e.publish(WorkflowEvent{RunID: run.RunID, NodeID: outcome.nodeID, Kind: EventNodeSucceeded, Timestamp: now})
		return e.unblockDependents(run, graph, outcome.nodeID), false
	}

	policy := node.RetryPolicy
	if policy.MaxAttempts == 0 {
		if run.Definition.DefaultRetryPolicy != nil {
			policy = *run.Definition.DefaultRetryPolicy
		} else {
			policy = DefaultRetryPolicy()
		}
	}

	if policy.retryable(outcome.result.ErrorKind) && ns.Attempts < policy.MaxAttempts {
		delay := backoffDelay(policy, ns.Attempts)
		ns.Status = NodeReady
		go func(id string, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			<-timer.C
			retryReady <- id
		}(outcome.nodeID, delay)
		return nil, false
	}

	ns.Status = NodeFailed
	e.publish(WorkflowEvent{RunID: run.RunID, NodeID: outcome.nodeID, Kind: EventNodeFailed, Timestamp: now, Detail: outcome.result.ErrorMessage})

	switch node.effectiveOnError() {
	case OnErrorSkipDependents:
		var skipped []string
		for descendant := range graph.Descendants(outcome.nodeID) {
			dns := run.NodeStates[descendant]
			if dns.Status == NodeWaiting || dns.Status == NodeReady {
				dns.Status = NodeSkipped
				e.publish(WorkflowEvent{RunID: run.RunID, NodeID: descendant, Kind: EventNodeSkipped, Timestamp: timeNow()})
			}
			skipped = append(skipped, descendant)
		}
		return nil, true
	case OnErrorContinue:
		nodeOutputs[outcome.nodeID] = upstreamFailedSentinel(string(outcome.result.ErrorKind), outcome.result.ErrorMessage)
		return e.unblockDependents(run, graph, outcome.nodeID), true
	default: // OnErrorFail
		return nil, true
	}
}

func (e *Engine) unblockDependents(run *WorkflowRun, graph *Graph, nodeID string) []string {
	var newlyReady []string
	for _, dep := range graph.Dependents(nodeID) {
		allSatisfied := true
		for _, ancestor := range graph.DependsOn(dep) {
			ans := run.NodeStates[ancestor]
			ancestorNode, _ := graph.Node(ancestor)
			satisfied := ans.Status == NodeSucceeded ||
				(ans.Status == NodeFailed && ancestorNode.effectiveOnError() == OnErrorContinue)
			if !satisfied {
				allSatisfied = false
				break
			}
		}
		if allSatisfied && run.NodeStates[dep].Status == NodeWaiting {
			run.NodeStates[dep].Status = NodeReady
			e.publish(WorkflowEvent{RunID: run.RunID, NodeID: dep, Kind: EventNodeReady, Timestamp: timeNow()})
			newlyReady = append(newlyReady, dep)
		}
	}
	return newlyReady
}

// backoffDelay computes the delay before attempt's retry using an
// exponential-backoff cursor advanced to that attempt, so the growth curve
// and ±jitter come from the same library callers already depend on for
// HTTP/gRPC retry elsewhere in this stack rather than a hand-rolled formula.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(policy.InitialBackoffMillis) * time.Millisecond
	b.Multiplier = policy.BackoffMultiplier
	b.MaxInterval = time.Duration(policy.MaxBackoffMillis) * time.Millisecond
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.2
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = b.MaxInterval
	}
	return delay
}

// Status returns the current (possibly non-terminal) WorkflowRun for runID.
func (e *Engine) Status(runID string) (*WorkflowRun, error) {
	e.runsMu.Lock()
	handle, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: run %s", errRunNotFound, runID)
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.run, nil
}

var errRunNotFound = errors.New("notFound")

// Cancel requests cancellation of runID. It is idempotent and returns
// accepted=true even for an already-terminal or unknown run.
func (e *Engine) Cancel(runID string) bool {
	e.runsMu.Lock()
	handle, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return true
	}
	handle.cancel()
	return true
}

func (e *Engine) checkpoint(ctx context.Context, run *WorkflowRun) {
	snapshot, err := MarshalRun(run)
	if err != nil {
		obs.Warn("workflow: failed to marshal run snapshot", "runID", run.RunID, "error", err)
		return
	}
	if err := e.store.SaveRunSnapshot(ctx, run.RunID, snapshot); err != nil {
		obs.Warn("workflow: checkpoint write failed, continuing without it", "runID", run.RunID, "error", err)
	}
	if isTerminal(run.Status) {
		if err := e.store.MarkRunTerminal(ctx, run.RunID); err != nil {
			obs.Warn("workflow: failed to mark run terminal", "runID", run.RunID, "error", err)
		}
	}
	e.publish(WorkflowEvent{RunID: run.RunID, Kind: EventRunStatusChanged, Timestamp: timeNow(), Detail: string(run.Status)})
}

func isTerminal(status RunStatus) bool {
	switch status {
	case RunSucceeded, RunFailed, RunCancelled, RunPartial:
		return true
	default:
		return false
	}
}

// MarshalRun renders a WorkflowRun to the opaque bytes the Store persists.
func MarshalRun(run *WorkflowRun) ([]byte, error) {
	return json.Marshal(run)
}

// UnmarshalRun is MarshalRun's inverse, used to rehydrate a checkpointed
// run at process start.
func UnmarshalRun(snapshot []byte) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal run snapshot: %w", err)
	}
	return &run, nil
}

// Resume reloads every non-terminal run the store knows about and resumes
// scheduling it in the background, picking up exactly where the process
// that last checkpointed it left off: any node caught mid-flight
// (NodeRunning) is set back to ready and dispatched again from scratch. It
// returns the number of runs resumed, and is meant to be called once, at
// process start, before any new Run/RunAsync call.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	runIDs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("workflow: list active runs: %w", err)
	}

	resumed := 0
	for _, runID := range runIDs {
		snapshot, err := e.store.LoadRun(ctx, runID)
		if err != nil {
			obs.Warn("workflow: failed to load active run for resume, skipping", "runID", runID, "error", err)
			continue
		}
		run, err := UnmarshalRun(snapshot)
		if err != nil {
			obs.Warn("workflow: failed to unmarshal active run snapshot, skipping", "runID", runID, "error", err)
			continue
		}

		graph, err := Parse(run.Definition, e.dispatcher.HasTool)
		if err != nil {
			obs.Warn("workflow: resumed run no longer parses, marking terminal", "runID", runID, "error", err)
			_ = e.store.MarkRunTerminal(ctx, runID)
			continue
		}

		for _, ns := range run.NodeStates {
			if ns.Status == NodeRunning {
				ns.Status = NodeReady
			}
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		handle := &runHandle{run: run, cancel: cancel, done: make(chan struct{})}

		e.runsMu.Lock()
		e.runs[runID] = handle
		e.runsMu.Unlock()

		go e.drive(runCtx, handle, graph)
		resumed++
		obs.Info("workflow: resumed run", "runID", runID)
	}
	return resumed, nil
}
