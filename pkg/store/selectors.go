package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/selfheal/pkg/consensus"
)

// SiteSelectors is the selector set stored for one host.
type SiteSelectors struct {
	ID         uuid.UUID           `json:"selector_id"`
	Host       string              `json:"host"`
	Selectors  consensus.Selectors `json:"selectors"`
	Source     string              `json:"source"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	LastUsedAt *time.Time          `json:"last_used_at,omitempty"`
	Hits       int                 `json:"hits"`
}

// LookupSelectors returns the selectors stored for pageURL's host.
func (s *Store) LookupSelectors(ctx context.Context, pageURL string) (*SiteSelectors, error) {
	host, err := HostKey(pageURL)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT selector_id, host, selectors, source, created_at, updated_at, last_used_at, hits
		FROM selectors
		WHERE host = ?
	`
	row := s.db.QueryRowContext(withContext(ctx), query, host)
	site, err := scanSelectors(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query selectors: %w", err)
	}
	return site, nil
}

// HasSelectors reports whether selectors are stored for pageURL's host.
func (s *Store) HasSelectors(ctx context.Context, pageURL string) (bool, error) {
	host, err := HostKey(pageURL)
	if err != nil {
		return false, err
	}
	var n int
	err = s.db.QueryRowContext(withContext(ctx), `SELECT COUNT(1) FROM selectors WHERE host = ?`, host).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count selectors: %w", err)
	}
	return n > 0, nil
}

// SaveSelectors inserts or replaces the selectors for pageURL's host.
func (s *Store) SaveSelectors(ctx context.Context, pageURL string, sel consensus.Selectors, source string) (*SiteSelectors, error) {
	host, err := HostKey(pageURL)
	if err != nil {
		return nil, err
	}
	if len(sel) == 0 {
		return nil, fmt.Errorf("refusing to store an empty selector set for %s", host)
	}
	data, err := json.Marshal(sel)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal selectors: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO selectors (selector_id, host, selectors, source, created_at, updated_at, hits)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(host) DO UPDATE SET
			selectors = excluded.selectors,
			source = excluded.source,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(withContext(ctx), query,
		uuid.New().String(), host, string(data), source, formatTime(&now), formatTime(&now))
	if err != nil {
		return nil, fmt.Errorf("failed to save selectors: %w", err)
	}
	return s.LookupSelectors(ctx, host)
}

// TouchSelectors records a successful use of a host's selectors.
func (s *Store) TouchSelectors(ctx context.Context, pageURL string) error {
	host, err := HostKey(pageURL)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(withContext(ctx),
		`UPDATE selectors SET hits = hits + 1, last_used_at = ? WHERE host = ?`, formatTime(&now), host)
	if err != nil {
		return fmt.Errorf("failed to update selectors: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSelectors removes the selectors for a host or page URL.
func (s *Store) DeleteSelectors(ctx context.Context, pageURL string) error {
	host, err := HostKey(pageURL)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(withContext(ctx), `DELETE FROM selectors WHERE host = ?`, host)
	if err != nil {
		return fmt.Errorf("failed to delete selectors: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSelectors returns every stored selector set ordered by host.
func (s *Store) ListSelectors(ctx context.Context) ([]SiteSelectors, error) {
	rows, err := s.db.QueryContext(withContext(ctx), `
		SELECT selector_id, host, selectors, source, created_at, updated_at, last_used_at, hits
		FROM selectors
		ORDER BY host
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query selectors: %w", err)
	}
	defer rows.Close()

	var out []SiteSelectors
	for rows.Next() {
		site, err := scanSelectors(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan selectors: %w", err)
		}
		out = append(out, *site)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSelectors(row scanner) (*SiteSelectors, error) {
	var idStr, host, selJSON, source, createdAt, updatedAt string
	var lastUsed sql.NullString
	var hits int
	if err := row.Scan(&idStr, &host, &selJSON, &source, &createdAt, &updatedAt, &lastUsed, &hits); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid selector_id: %w", err)
	}
	var sel consensus.Selectors
	if err := json.Unmarshal([]byte(selJSON), &sel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selectors: %w", err)
	}
	return &SiteSelectors{
		ID:         id,
		Host:       host,
		Selectors:  sel,
		Source:     source,
		CreatedAt:  parseTime(createdAt),
		UpdatedAt:  parseTime(updatedAt),
		LastUsedAt: parseNullTime(lastUsed),
		Hits:       hits,
	}, nil
}
