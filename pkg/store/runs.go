package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// RunRecord is the summary row of a finished run. State holds the full
// terminal state as it was saved.
type RunRecord struct {
	RunID            string              `json:"run_id"`
	URL              string              `json:"url"`
	Host             string              `json:"host"`
	Phase            supervisor.Phase    `json:"phase"`
	ErrorKind        string              `json:"error_kind,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	History          []strategy.Strategy `json:"history"`
	RetryCount       int                 `json:"retry_count"`
	ConsensusReached bool                `json:"consensus_reached"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       *time.Time          `json:"finished_at,omitempty"`
	State            *supervisor.State   `json:"state,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Host  string
	Phase supervisor.Phase
	Limit int
}

// Save implements supervisor.Persister. Only terminal states are stored.
func (s *Store) Save(ctx context.Context, st *supervisor.State) error {
	if st == nil {
		return errors.New("nil state")
	}
	if !st.Terminal {
		return fmt.Errorf("run %s is not terminal", st.RunID)
	}
	host, err := HostKey(st.URL)
	if err != nil {
		host = ""
	}
	history, err := json.Marshal(st.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	full, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO runs (
			run_id, url, host, phase, error_kind, error_message, history,
			retry_count, consensus_reached, state, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(withContext(ctx), query,
		st.RunID, st.URL, host, string(st.Phase),
		nullString(string(st.ErrorKind)), nullString(st.ErrorMessage),
		string(history), st.RetryCount, boolInt(st.ConsensusReached), string(full),
		formatTime(&st.StartedAt), formatTime(&st.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns one run including its full state.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(withContext(ctx), runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return rec, nil
}

// ListRuns returns runs newest first, without their full state.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := runColumns + ` FROM runs`
	var where []string
	var args []any
	if filter.Host != "" {
		host, err := HostKey(filter.Host)
		if err != nil {
			return nil, err
		}
		where = append(where, "host = ?")
		args = append(args, host)
	}
	if filter.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(withContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const runColumns = `
	SELECT run_id, url, host, phase, error_kind, error_message, history,
	       retry_count, consensus_reached, state, started_at, finished_at`

func scanRun(row scanner, withState bool) (*RunRecord, error) {
	var rec RunRecord
	var phase, historyJSON, stateJSON, startedAt string
	var errorKind, errorMessage, finishedAt sql.NullString
	var consensusReached int
	if err := row.Scan(
		&rec.RunID, &rec.URL, &rec.Host, &phase, &errorKind, &errorMessage, &historyJSON,
		&rec.RetryCount, &consensusReached, &stateJSON, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	rec.Phase = supervisor.Phase(phase)
	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMessage.String
	rec.ConsensusReached = consensusReached != 0
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseNullTime(finishedAt)
	if err := json.Unmarshal([]byte(historyJSON), &rec.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if withState {
		var st supervisor.State
		if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		rec.State = &st
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
