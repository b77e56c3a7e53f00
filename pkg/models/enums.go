// Package models defines the persisted entities and the closed enums the
// pipeline is built around: stages, stage-run statuses, and audit actions.
package models

import "fmt"

// Stage is one of the seven ordered pipeline steps. Ingest is a run-scoped
// prelude; the other six apply per post.
type Stage string

const (
	StageIngest  Stage = "ingest"
	StageProblem Stage = "problem"
	StageSpec    Stage = "spec"
	StageContent Stage = "content"
	StageVerify  Stage = "verify"
	StageListing Stage = "listing"
	StageUpload  Stage = "upload"
)

// PostStages lists the per-post stages in execution order.
var PostStages = []Stage{StageProblem, StageSpec, StageContent, StageVerify, StageListing, StageUpload}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIngest, StageProblem, StageSpec, StageContent, StageVerify, StageListing, StageUpload:
		return true
	}
	return false
}

// RunStatus is the outcome recorded for a single stage attempt.
type RunStatus string

const (
	StatusCompleted     RunStatus = "completed"
	StatusDiscarded     RunStatus = "discarded"
	StatusRejected      RunStatus = "rejected"
	StatusFailed        RunStatus = "failed"
	StatusCostExhausted RunStatus = "cost_exhausted"
	// StatusHardDiscard marks a post abandoned after the content regeneration
	// budget was spent without a passing verification.
	StatusHardDiscard RunStatus = "hard_discard"
)

// Valid reports whether st is a known run status.
func (st RunStatus) Valid() bool {
	switch st {
	case StatusCompleted, StatusDiscarded, StatusRejected, StatusFailed, StatusCostExhausted, StatusHardDiscard:
		return true
	}
	return false
}

// AuditAction is the closed enum of audit trail event types.
type AuditAction string

const (
	ActionPostIngested     AuditAction = "post_ingested"
	ActionProblemExtracted AuditAction = "problem_extracted"
	ActionSpecGenerated    AuditAction = "spec_generated"
	ActionContentGenerated AuditAction = "content_generated"
	ActionContentVerified  AuditAction = "content_verified"
	ActionContentRejected  AuditAction = "content_rejected"
	ActionListingGenerated AuditAction = "listing_generated"
	ActionUploadSucceeded  AuditAction = "upload_succeeded"
	ActionUploadFailed     AuditAction = "upload_failed"
	ActionPostDiscarded    AuditAction = "post_discarded"
	ActionCostExhausted    AuditAction = "cost_exhausted"
	ActionErrorOccurred    AuditAction = "error_occurred"
)

// Valid reports whether a is a known audit action.
func (a AuditAction) Valid() bool {
	switch a {
	case ActionPostIngested, ActionProblemExtracted, ActionSpecGenerated,
		ActionContentGenerated, ActionContentVerified, ActionContentRejected,
		ActionListingGenerated, ActionUploadSucceeded, ActionUploadFailed,
		ActionPostDiscarded, ActionCostExhausted, ActionErrorOccurred:
		return true
	}
	return false
}

// ErrUnknownAction is returned when an append is attempted with an action
// outside the closed enum.
func ErrUnknownAction(a AuditAction) error {
	return fmt.Errorf("unknown audit action %q", string(a))
}
