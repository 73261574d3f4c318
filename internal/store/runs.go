package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is the operational record of one deliberation. It deliberately holds
// counts and outcome only, never the query or answer text.
type Run struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	Agents         int        `json:"agents"`
	Synthesizer    string     `json:"synthesizer"`
	SearchUsed     bool       `json:"search_used"`
	Phase1Failures int        `json:"phase1_failures"`
	Phase2Failures int        `json:"phase2_failures"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const runColumns = `id, source, status, agents, synthesizer, search_used, phase1_failures, phase2_failures, error, started_at, completed_at`

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var searchUsed int
	var errText sql.NullString
	err := sc.Scan(&r.ID, &r.Source, &r.Status, &r.Agents, &r.Synthesizer, &searchUsed,
		&r.Phase1Failures, &r.Phase2Failures, &errText, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.SearchUsed = searchUsed == 1
	r.Error = errText.String
	return r, nil
}

// SaveRun inserts a run or updates its progress. completed_at is stamped the
// first time the run reaches a terminal status.
func (s *Store) SaveRun(r *Run) error {
	source := r.Source
	if source == "" {
		source = "http"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, source, status, agents, synthesizer, search_used, phase1_failures, phase2_failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			search_used = excluded.search_used,
			phase1_failures = excluded.phase1_failures,
			phase2_failures = excluded.phase2_failures,
			error = excluded.error,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') AND completed_at IS NULL
				THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, source, r.Status, r.Agents, r.Synthesizer, boolToInt(r.SearchUsed),
		r.Phase1Failures, r.Phase2Failures, nullString(r.Error))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit
// returns all of them.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RunStats summarizes the ledger for the dashboard endpoint.
type RunStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) GetRunStats() (*RunStats, error) {
	st := &RunStats{}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM runs`).Scan(&st.Total, &st.Running, &st.Completed, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return st, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
