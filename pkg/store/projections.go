package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prodpilot/prodpilot/pkg/models"
)

// Stats is the dashboard's aggregate projection.
type Stats struct {
	LifetimeSpend     float64          `json:"lifetime_spend"`
	LifetimeLimit     float64          `json:"lifetime_limit"`
	LifetimeRemaining float64          `json:"lifetime_remaining"`
	WindowSpend       float64          `json:"window_spend"`
	WindowTokensIn    int64            `json:"window_tokens_in"`
	WindowTokensOut   int64            `json:"window_tokens_out"`
	WindowCalls       int64            `json:"window_calls"`
	StatusCounts      map[string]int64 `json:"status_counts"`
	CurrentRun        *RunProjection   `json:"current_run,omitempty"`
}

// RunProjection summarizes the newest run's cost entries.
type RunProjection struct {
	RunID          string  `json:"run_id"`
	TokensSent     int64   `json:"tokens_sent"`
	TokensReceived int64   `json:"tokens_received"`
	RunCostUSD     float64 `json:"run_cost_usd"`
}

// ActivePost is a post currently in flight: its most recent stage attempt
// completed a non-final stage.
type ActivePost struct {
	ID           string `db:"id" json:"id"`
	Title        string `db:"title" json:"title"`
	Origin       string `db:"origin" json:"origin"`
	Score        int    `db:"score" json:"score"`
	Stage        string `db:"stage" json:"stage"`
	Status       string `db:"status" json:"status"`
	LastActivity int64  `db:"last_activity" json:"last_activity"`
}

// StatsSince computes the dashboard aggregate over the window starting at
// cutoff. lifetimeLimit comes from configuration, not the database.
func (s *Store) StatsSince(ctx context.Context, cutoff time.Time, lifetimeLimit float64) (*Stats, error) {
	lifetime, err := s.LifetimeSpend(ctx)
	if err != nil {
		return nil, err
	}

	var window struct {
		Cost  sql.NullFloat64 `db:"cost"`
		In    sql.NullInt64   `db:"tokens_in"`
		Out   sql.NullInt64   `db:"tokens_out"`
		Calls int64           `db:"calls"`
	}
	err = s.db.GetContext(ctx, &window, `
		SELECT SUM(usd_cost) AS cost, SUM(tokens_in) AS tokens_in,
		       SUM(tokens_out) AS tokens_out, COUNT(*) AS calls
		FROM cost_entries
		WHERE abort_reason IS NULL AND timestamp > ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to read window cost stats: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) AS n FROM stage_runs
		WHERE created_at > ? AND status != ?
		GROUP BY status`, cutoff.Unix(), models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	// Uploads completed in the window count as terminal successes.
	var uploaded int64
	err = s.db.GetContext(ctx, &uploaded, `
		SELECT COUNT(*) FROM stage_runs
		WHERE created_at > ? AND stage = ? AND status = ?`,
		cutoff.Unix(), models.StageUpload, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count uploads: %w", err)
	}
	if uploaded > 0 {
		counts["uploaded"] = uploaded
	}

	return &Stats{
		LifetimeSpend:     lifetime,
		LifetimeLimit:     lifetimeLimit,
		LifetimeRemaining: lifetimeLimit - lifetime,
		WindowSpend:       window.Cost.Float64,
		WindowTokensIn:    window.In.Int64,
		WindowTokensOut:   window.Out.Int64,
		WindowCalls:       window.Calls,
		StatusCounts:      counts,
	}, nil
}

// LatestRunProjection sums the cost entries of the newest run id. Returns nil
// when no cost entries exist.
func (s *Store) LatestRunProjection(ctx context.Context) (*RunProjection, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, `
		SELECT run_id FROM cost_entries ORDER BY timestamp DESC, id DESC LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find latest run: %w", err)
	}

	var proj struct {
		In   sql.NullInt64   `db:"tokens_in"`
		Out  sql.NullInt64   `db:"tokens_out"`
		Cost sql.NullFloat64 `db:"cost"`
	}
	err = s.db.GetContext(ctx, &proj, `
		SELECT SUM(tokens_in) AS tokens_in, SUM(tokens_out) AS tokens_out, SUM(usd_cost) AS cost
		FROM cost_entries WHERE run_id = ? AND abort_reason IS NULL`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to project run %s: %w", runID, err)
	}

	return &RunProjection{
		RunID:          runID,
		TokensSent:     proj.In.Int64,
		TokensReceived: proj.Out.Int64,
		RunCostUSD:     proj.Cost.Float64,
	}, nil
}

// RecentActivity returns the last limit audit events, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent activity: %w", err)
	}
	return events, nil
}

// ActivePosts returns posts whose most recent stage attempt completed a
// non-final stage, meaning work started but has not reached a terminal
// outcome. In the sequential design this is at most one post during a run.
func (s *Store) ActivePosts(ctx context.Context) ([]ActivePost, error) {
	var posts []ActivePost
	err := s.db.SelectContext(ctx, &posts, `
		SELECT p.id, p.title, p.origin, p.score,
		       sr.stage AS stage, sr.status AS status, sr.created_at AS last_activity
		FROM posts p
		JOIN stage_runs sr ON sr.post_id = p.id
		WHERE sr.id = (
			SELECT id FROM stage_runs
			WHERE post_id = p.id
			ORDER BY created_at DESC, id DESC LIMIT 1
		)
		AND sr.status = ? AND sr.stage != ?
		ORDER BY sr.created_at DESC`,
		models.StatusCompleted, models.StageUpload)
	if err != nil {
		return nil, fmt.Errorf("failed to list active posts: %w", err)
	}
	return posts, nil
}
