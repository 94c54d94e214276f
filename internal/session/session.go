// Package session layers progressive session-state operations (branching,
// revision, and paginated reading) on top of the narrow append-only
// internal/store.Store contract.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudshipai/noetic/internal/store"
)

// ErrBranchNotFound is returned by Branch/Revise when branchFromStep or
// revisesStep names a step the store doesn't know about.
var ErrBranchNotFound = store.ErrStepNotFound

// Log is a thin, domain-named facade over a store.Store: it does not add
// persistence of its own, only the vocabulary (Append/Branch/Revise/Read)
// that session-scoped callers reach for instead of raw StepInput structs.
type Log struct {
	store store.Store
}

// New wraps store behind the session vocabulary.
func New(st store.Store) *Log {
	return &Log{store: st}
}

// Append records an ordinary analyzer step at the tip of branchID (the
// empty string means the default/root branch).
func (l *Log) Append(ctx context.Context, sessionID, branchID string, payload []byte, embedding []float32) (int, error) {
	return l.store.AppendStep(ctx, sessionID, store.StepInput{
		Kind:            store.StepAnalyzer,
		BranchID:        branchID,
		Payload:         payload,
		VectorEmbedding: embedding,
	})
}

// Branch forks a new branch off fromStep, recording the fork point itself
// as the branch's first step. Reading newBranchID returns that step and the
// steps appended to the branch after it, not the steps before fromStep.
func (l *Log) Branch(ctx context.Context, sessionID string, fromStep int, newBranchID string, payload []byte) (int, error) {
	if newBranchID == "" {
		return 0, errors.New("session: newBranchID must not be empty")
	}
	return l.store.AppendStep(ctx, sessionID, store.StepInput{
		Kind:           store.StepBranch,
		BranchID:       newBranchID,
		BranchFromStep: &fromStep,
		Payload:        payload,
	})
}

// Revise records a correction to an earlier step without mutating it —
// SessionLog is append-only, so a revision is a new step carrying a pointer
// back to the step it supersedes.
func (l *Log) Revise(ctx context.Context, sessionID, branchID string, revises int, payload []byte) (int, error) {
	return l.store.AppendStep(ctx, sessionID, store.StepInput{
		Kind:        store.StepRevision,
		BranchID:    branchID,
		RevisesStep: &revises,
		Payload:     payload,
	})
}

// Page is one bounded slice of a session's history, with enough of the next
// offset to let a caller keep paging without recomputing it.
type Page struct {
	Steps      []store.Step
	NextOffset int
	HasMore    bool
}

// Read returns one page of sessionID's history on branchID (empty for the
// root branch), sized to limit and starting at offset.
func (l *Log) Read(ctx context.Context, sessionID, branchID string, offset, limit int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := store.ReadOptions{BranchID: branchID, Offset: offset, Limit: limit + 1}
	if branchID == "" {
		// The store reads every branch for an empty BranchID, so the root
		// branch is filtered and paged here instead.
		opts = store.ReadOptions{}
	}
	steps, err := l.store.ReadSession(ctx, sessionID, opts)
	if err != nil {
		return Page{}, fmt.Errorf("session: read %s: %w", sessionID, err)
	}
	if branchID == "" {
		var root []store.Step
		for _, step := range steps {
			if step.BranchID == "" {
				root = append(root, step)
			}
		}
		root = root[min(max(offset, 0), len(root)):]
		steps = root[:min(limit+1, len(root))]
	}
	hasMore := len(steps) > limit
	if hasMore {
		steps = steps[:limit]
	}
	return Page{Steps: steps, NextOffset: offset + len(steps), HasMore: hasMore}, nil
}

// Latest returns the most recently appended step on branchID, or ok=false
// for an empty branch.
func (l *Log) Latest(ctx context.Context, sessionID, branchID string) (store.Step, bool, error) {
	steps, err := l.store.ReadSession(ctx, sessionID, store.ReadOptions{BranchID: branchID})
	if err != nil {
		return store.Step{}, false, fmt.Errorf("session: latest %s: %w", sessionID, err)
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if branchID != "" || steps[i].BranchID == "" {
			return steps[i], true, nil
		}
	}
	return store.Step{}, false, nil
}
