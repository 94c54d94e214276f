package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Store backed by a local SQLite file via the pure-Go
// modernc.org/sqlite driver, with connection setup that retries transient
// dial failures with backoff.
type SQLite struct {
	conn    *sql.DB
	entropy *ulid.MonotonicEntropy
}

// OpenSQLite opens (creating if needed) a SQLite-backed Store at path and
// provisions its schema inline.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory %s: %w", dir, err)
		}
	}

	var conn *sql.DB
	var err error
	const maxRetries = 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("store: open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if pingErr := conn.Ping(); pingErr != nil {
			conn.Close()
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("%w: ping database after %d attempts: %v", ErrUnavailable, maxRetries, pingErr)
			}
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}

	s := &SQLite{conn: conn, entropy: ulid.Monotonic(rand.Reader, 0)}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_steps (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL DEFAULT '',
	step_number INTEGER NOT NULL,
	kind TEXT NOT NULL,
	revises_step INTEGER,
	branch_from_step INTEGER,
	payload BLOB NOT NULL,
	vector_embedding BLOB,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(session_id, branch_id, step_number)
);
CREATE INDEX IF NOT EXISTS idx_session_steps_session ON session_steps(session_id, branch_id);

CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id TEXT PRIMARY KEY,
	snapshot BLOB NOT NULL,
	terminal INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}

func (s *SQLite) AppendStep(ctx context.Context, sessionID string, in StepInput) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if in.RevisesStep != nil {
		ok, err := stepExistsTx(ctx, tx, sessionID, in.BranchID, *in.RevisesStep)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			return 0, ErrStepNotFound
		}
	}
	if in.BranchFromStep != nil {
		ok, err := stepExistsAnyBranchTx(ctx, tx, sessionID, *in.BranchFromStep)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			return 0, ErrStepNotFound
		}
	}

	var maxNumber sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(step_number) FROM session_steps WHERE session_id = ? AND branch_id = ?`,
		sessionID, in.BranchID,
	).Scan(&maxNumber)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stepNumber := int(maxNumber.Int64) + 1

	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_steps (id, session_id, branch_id, step_number, kind, revises_step, branch_from_step, payload, vector_embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID, in.BranchID, stepNumber, string(in.Kind),
		nullableInt(in.RevisesStep), nullableInt(in.BranchFromStep),
		in.Payload, float32SliceToBytes(in.VectorEmbedding), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert step: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return stepNumber, nil
}

func stepExistsTx(ctx context.Context, tx *sql.Tx, sessionID, branchID string, stepNumber int) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_steps WHERE session_id = ? AND branch_id = ? AND step_number = ?`,
		sessionID, branchID, stepNumber,
	).Scan(&count)
	return count > 0, err
}

func stepExistsAnyBranchTx(ctx context.Context, tx *sql.Tx, sessionID string, stepNumber int) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_steps WHERE session_id = ? AND step_number = ?`,
		sessionID, stepNumber,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLite) ReadSession(ctx context.Context, sessionID string, opts ReadOptions) ([]Step, error) {
	query := `SELECT id, session_id, branch_id, step_number, kind, revises_step, branch_from_step, payload, vector_embedding, created_at
	          FROM session_steps WHERE session_id = ?`
	args := []interface{}{sessionID}

	if opts.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, opts.BranchID)
	}
	query += ` ORDER BY step_number ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var kind string
		var revises, branchFrom sql.NullInt64
		var vec []byte
		if err := rows.Scan(&st.ID, &st.SessionID, &st.BranchID, &st.StepNumber, &kind,
			&revises, &branchFrom, &st.Payload, &vec, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		st.Kind = StepKind(kind)
		if revises.Valid {
			v := int(revises.Int64)
			st.RevisesStep = &v
		}
		if branchFrom.Valid {
			v := int(branchFrom.Int64)
			st.BranchFromStep = &v
		}
		st.VectorEmbedding = bytesToFloat32Slice(vec)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLite) SaveRunSnapshot(ctx context.Context, runID string, snapshot []byte) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, snapshot, terminal, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(run_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		runID, snapshot, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: save snapshot: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) LoadRun(ctx context.Context, runID string) ([]byte, error) {
	var snapshot []byte
	err := s.conn.QueryRowContext(ctx, `SELECT snapshot FROM workflow_runs WHERE run_id = ?`, runID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snapshot, nil
}

func (s *SQLite) ListActiveRuns(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT run_id FROM workflow_runs WHERE terminal = 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) MarkRunTerminal(ctx context.Context, runID string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE workflow_runs SET terminal = 1, updated_at = ? WHERE run_id = ?`, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func float32SliceToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func bytesToFloat32Slice(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
