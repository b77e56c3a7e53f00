package models

import "time"

// Post is a candidate item fetched from a forum origin. Rows are inserted once
// by ingestion and never mutated.
type Post struct {
	ID         string `db:"id" json:"id"`
	Title      string `db:"title" json:"title"`
	Body       string `db:"body" json:"body"`
	Origin     string `db:"origin" json:"origin"`
	Author     string `db:"author" json:"author"`
	Score      int    `db:"score" json:"score"`
	URL        string `db:"url" json:"url"`
	OriginalTS int64  `db:"original_ts" json:"original_ts"`
	RawPayload []byte `db:"raw_payload" json:"-"`
	IngestedAt int64  `db:"ingested_at" json:"ingested_at"`
}

// StageRun is one attempt at one stage for one post. Rows are append-only;
// regeneration produces multiple rows per (post, stage).
type StageRun struct {
	ID           int64     `db:"id" json:"id"`
	PostID       string    `db:"post_id" json:"post_id"`
	Stage        Stage     `db:"stage" json:"stage"`
	Status       RunStatus `db:"status" json:"status"`
	ArtifactPath *string   `db:"artifact_path" json:"artifact_path,omitempty"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    int64     `db:"created_at" json:"created_at"`
}

// CostEntry accounts for a single model call, or a refusal when AbortReason is
// set. Rows are append-only.
type CostEntry struct {
	ID          int64   `db:"id" json:"id"`
	RunID       string  `db:"run_id" json:"run_id"`
	TokensIn    int     `db:"tokens_in" json:"tokens_in"`
	TokensOut   int     `db:"tokens_out" json:"tokens_out"`
	USDCost     float64 `db:"usd_cost" json:"usd_cost"`
	Timestamp   int64   `db:"timestamp" json:"timestamp"`
	Model       string  `db:"model" json:"model"`
	AbortReason *string `db:"abort_reason" json:"abort_reason,omitempty"`
}

// AuditEvent is one append-only operation record.
type AuditEvent struct {
	ID                int64       `db:"id" json:"id"`
	Timestamp         int64       `db:"timestamp" json:"timestamp"`
	Action            AuditAction `db:"action" json:"action"`
	PostID            *string     `db:"post_id" json:"post_id,omitempty"`
	RunID             *string     `db:"run_id" json:"run_id,omitempty"`
	Details           string      `db:"details" json:"details"`
	ErrorFlag         bool        `db:"error_flag" json:"error_flag"`
	CostExhaustedFlag bool        `db:"cost_exhausted_flag" json:"cost_exhausted_flag"`
}

// Time returns the event timestamp as UTC time.
func (e AuditEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}
