// Package store implements the relational persistence layer: posts, stage
// runs, cost entries, and the append-only audit log. StageRun, CostEntry, and
// AuditEvent tables are append-only; the package deliberately exposes no
// update or delete operations for them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prodpilot/prodpilot/pkg/database"
	"github.com/prodpilot/prodpilot/pkg/models"
)

// ErrAlreadyPresent is returned by SavePost when the post id already exists.
// The existing row is left untouched.
var ErrAlreadyPresent = errors.New("post already present")

// Store provides all reads and writes against the pipeline database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a Store over an open database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB(), now: time.Now}
}

// NewWithClock creates a Store with an injected clock, for tests.
func NewWithClock(client *database.Client, now func() time.Time) *Store {
	return &Store{db: client.DB(), now: now}
}

// SavePost inserts a post. Idempotent on post id: a duplicate returns
// ErrAlreadyPresent without mutating the stored row.
func (s *Store) SavePost(ctx context.Context, p *models.Post) error {
	if p.IngestedAt == 0 {
		p.IngestedAt = s.now().Unix()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO posts (id, title, body, origin, author, score, url, original_ts, raw_payload, ingested_at)
		VALUES (:id, :title, :body, :origin, :author, :score, :url, :original_ts, :raw_payload, :ingested_at)
		ON CONFLICT(id) DO NOTHING`, p)
	if err != nil {
		return fmt.Errorf("failed to save post %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyPresent
	}
	return nil
}

// PostByID fetches a single post.
func (s *Store) PostByID(ctx context.Context, id string) (*models.Post, error) {
	var p models.Post
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM posts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %s not found", id)
		}
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	return &p, nil
}

// ListUnprocessedPosts returns posts with no completed upload stage, newest
// first by original timestamp. The anti-join keeps the query indexable by
// post_id.
func (s *Store) ListUnprocessedPosts(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.SelectContext(ctx, &posts, `
		SELECT p.* FROM posts p
		LEFT JOIN stage_runs sr
			ON sr.post_id = p.id AND sr.stage = ? AND sr.status = ?
		WHERE sr.id IS NULL
		ORDER BY p.original_ts DESC`,
		models.StageUpload, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed posts: %w", err)
	}
	return posts, nil
}

// RecordStage appends a StageRun row. Rows are never updated; regeneration
// simply appends another row for the same (post, stage).
func (s *Store) RecordStage(ctx context.Context, postID string, stage models.Stage, status models.RunStatus, artifactPath, errMsg *string) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage %q", stage)
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_runs (post_id, stage, status, artifact_path, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		postID, stage, status, artifactPath, errMsg, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record stage %s/%s: %w", postID, stage, err)
	}
	return nil
}

// StageOutcome couples a stage record with its audit event so the two are
// written in the same transaction.
type StageOutcome struct {
	PostID       string
	Stage        models.Stage
	Status       models.RunStatus
	ArtifactPath *string
	ErrorMessage *string

	Action    models.AuditAction
	RunID     string
	Details   map[string]any
	ErrorFlag bool
}

// RecordStageOutcome appends the StageRun and its corresponding AuditEvent
// atomically. Every stage transition must go through here so the audit trail
// stays a superset of stage history.
func (s *Store) RecordStageOutcome(ctx context.Context, o StageOutcome) error {
	if !o.Stage.Valid() || !o.Status.Valid() {
		return fmt.Errorf("invalid stage outcome %s/%s", o.Stage, o.Status)
	}
	if !o.Action.Valid() {
		return models.ErrUnknownAction(o.Action)
	}
	details, err := marshalDetails(o.Details)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stage_runs (post_id, stage, status, artifact_path, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.PostID, o.Stage, o.Status, o.ArtifactPath, o.ErrorMessage, now); err != nil {
		return fmt.Errorf("failed to record stage %s/%s: %w", o.PostID, o.Stage, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, action, post_id, run_id, details, error_flag, cost_exhausted_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now, o.Action, o.PostID, nullable(o.RunID), details, o.ErrorFlag,
		o.Status == models.StatusCostExhausted); err != nil {
		return fmt.Errorf("failed to append audit for %s/%s: %w", o.PostID, o.Stage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage outcome: %w", err)
	}
	return nil
}

// StageRunsForPost returns all stage attempts for a post, oldest first.
func (s *Store) StageRunsForPost(ctx context.Context, postID string) ([]models.StageRun, error) {
	var runs []models.StageRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM stage_runs WHERE post_id = ? ORDER BY created_at ASC, id ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs for %s: %w", postID, err)
	}
	return runs, nil
}

// AppendCostEntry appends a cost accounting row.
func (s *Store) AppendCostEntry(ctx context.Context, e *models.CostEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = s.now().Unix()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cost_entries (run_id, tokens_in, tokens_out, usd_cost, timestamp, model, abort_reason)
		VALUES (:run_id, :tokens_in, :tokens_out, :usd_cost, :timestamp, :model, :abort_reason)`, e)
	if err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

// LifetimeSpend returns the exact sum of realized spend. Refusal rows
// (abort_reason set) are bookkeeping, not spend, and are excluded.
func (s *Store) LifetimeSpend(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := s.db.GetContext(ctx, &total,
		`SELECT SUM(usd_cost) FROM cost_entries WHERE abort_reason IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to read lifetime spend: %w", err)
	}
	return total.Float64, nil
}

// AppendAudit appends a standalone audit event (ingestions, refusals, errors
// that have no stage row).
func (s *Store) AppendAudit(ctx context.Context, action models.AuditAction, postID, runID string, details map[string]any, errorFlag, costExhausted bool) error {
	if !action.Valid() {
		return models.ErrUnknownAction(action)
	}
	payload, err := marshalDetails(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, action, post_id, run_id, details, error_flag, cost_exhausted_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.now().Unix(), action, nullable(postID), nullable(runID), payload, errorFlag, costExhausted)
	if err != nil {
		return fmt.Errorf("failed to append audit event %s: %w", action, err)
	}
	return nil
}

// AuditTrailForPost returns the post's audit events, oldest first.
func (s *Store) AuditTrailForPost(ctx context.Context, postID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM audit_log WHERE post_id = ? ORDER BY timestamp ASC, id ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail for %s: %w", postID, err)
	}
	return events, nil
}

func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit details: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
