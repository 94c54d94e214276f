package store

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-memory Store suitable for tests and single-process runs.
type Memory struct {
	mu sync.Mutex

	// sessionID -> branchID -> ordered steps
	sessions map[string]map[string][]Step
	// runID -> latest snapshot bytes
	runs map[string][]byte
	// runID -> terminal
	terminal map[string]bool

	entropy *ulid.MonotonicEntropy
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]map[string][]Step),
		runs:     make(map[string][]byte),
		terminal: make(map[string]bool),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (m *Memory) AppendStep(ctx context.Context, sessionID string, in StepInput) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branches, ok := m.sessions[sessionID]
	if !ok {
		branches = make(map[string][]Step)
		m.sessions[sessionID] = branches
	}

	branchID := in.BranchID
	steps := branches[branchID]

	if in.RevisesStep != nil {
		if !stepExistsInBranch(steps, *in.RevisesStep) {
			return 0, ErrStepNotFound
		}
	}
	if in.BranchFromStep != nil {
		if !stepExistsAnyBranch(branches, *in.BranchFromStep) {
			return 0, ErrStepNotFound
		}
	}

	stepNumber := len(steps) + 1
	id, err := ulid.New(ulid.Timestamp(time.Now()), m.entropy)
	if err != nil {
		return 0, err
	}

	step := Step{
		ID:              id.String(),
		SessionID:       sessionID,
		StepNumber:      stepNumber,
		Kind:            in.Kind,
		BranchID:        branchID,
		RevisesStep:     in.RevisesStep,
		BranchFromStep:  in.BranchFromStep,
		Payload:         append([]byte(nil), in.Payload...),
		VectorEmbedding: append([]float32(nil), in.VectorEmbedding...),
		CreatedAt:       time.Now(),
	}
	branches[branchID] = append(steps, step)
	return stepNumber, nil
}

func stepExistsInBranch(steps []Step, stepNumber int) bool {
	for _, s := range steps {
		if s.StepNumber == stepNumber {
			return true
		}
	}
	return false
}

func stepExistsAnyBranch(branches map[string][]Step, stepNumber int) bool {
	for _, steps := range branches {
		if stepExistsInBranch(steps, stepNumber) {
			return true
		}
	}
	return false
}

func (m *Memory) ReadSession(ctx context.Context, sessionID string, opts ReadOptions) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branches, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}

	var steps []Step
	if opts.BranchID != "" {
		steps = append(steps, branches[opts.BranchID]...)
	} else {
		for _, branchSteps := range branches {
			steps = append(steps, branchSteps...)
		}
	}

	sortStepsByNumber(steps)

	if opts.Offset > 0 {
		if opts.Offset >= len(steps) {
			return nil, nil
		}
		steps = steps[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(steps) {
		steps = steps[:opts.Limit]
	}
	return steps, nil
}

func sortStepsByNumber(steps []Step) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1].StepNumber > steps[j].StepNumber; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
}

func (m *Memory) SaveRunSnapshot(ctx context.Context, runID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), snapshot...)
	m.runs[runID] = cp
	return nil
}

func (m *Memory) LoadRun(ctx context.Context, runID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return snap, nil
}

func (m *Memory) ListActiveRuns(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for runID := range m.runs {
		if !m.terminal[runID] {
			ids = append(ids, runID)
		}
	}
	return ids, nil
}

func (m *Memory) MarkRunTerminal(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal[runID] = true
	return nil
}

func (m *Memory) Close() error { return nil }
