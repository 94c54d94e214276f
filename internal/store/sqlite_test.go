package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_AppendAndReadSessionRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "noetic.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	n1, err := s.AppendStep(ctx, "sess-1", StepInput{Kind: StepAnalyzer, Payload: []byte(`{"step":1}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := s.AppendStep(ctx, "sess-1", StepInput{Kind: StepAnalyzer, Payload: []byte(`{"step":2}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, n2)

	steps, err := s.ReadSession(ctx, "sess-1", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, 2, steps[1].StepNumber)
}

func TestSQLite_AppendStepRejectsUnknownRevision(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "noetic.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	bogus := 99
	_, err = s.AppendStep(context.Background(), "sess-1", StepInput{
		Kind:        StepRevision,
		RevisesStep: &bogus,
		Payload:     []byte(`{}`),
	})
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestSQLite_BranchIsolatesStepNumbering(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "noetic.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.AppendStep(ctx, "sess-1", StepInput{Kind: StepAnalyzer, Payload: []byte(`{}`)})
	require.NoError(t, err)

	n, err := s.AppendStep(ctx, "sess-1", StepInput{Kind: StepBranch, BranchID: "alt", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a new branch starts its own step numbering at 1")

	all, err := s.ReadSession(ctx, "sess-1", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	altOnly, err := s.ReadSession(ctx, "sess-1", ReadOptions{BranchID: "alt"})
	require.NoError(t, err)
	require.Len(t, altOnly, 1)
}

func TestSQLite_RunSnapshotLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "noetic.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.LoadRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, s.SaveRunSnapshot(ctx, "run-1", []byte(`{"status":"running"}`)))
	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, "run-1")

	require.NoError(t, s.SaveRunSnapshot(ctx, "run-1", []byte(`{"status":"succeeded"}`)))
	snap, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"succeeded"}`), snap)

	require.NoError(t, s.MarkRunTerminal(ctx, "run-1"))
	active, err = s.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, "run-1")
}

func TestSQLite_VectorEmbeddingRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "noetic.db")
	s, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	embedding := []float32{0.1, -0.2, 3.5}
	_, err = s.AppendStep(ctx, "sess-1", StepInput{
		Kind:            StepAnalyzer,
		Payload:         []byte(`{}`),
		VectorEmbedding: embedding,
	})
	require.NoError(t, err)

	steps, err := s.ReadSession(ctx, "sess-1", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, embedding, steps[0].VectorEmbedding)
}
