// Package pipeline implements the promotion workflow that moves a dataset
// upload from raw receipt to approved master data.
//
// The stage ordering (upload, staging, filtered, final) is fixed. Stages
// are never skipped or reordered and rejection is terminal. Every
// transition appends one immutable audit entry; denied attempts are
// recorded too. Transitions on a single upload are serialized through a
// compare-and-swap on the record version, so two concurrent approvals can
// never both succeed against the same prior state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is a pipeline position.
type Stage string

const (
	StageUpload   Stage = "upload"
	StageStaging  Stage = "staging"
	StageFiltered Stage = "filtered"
	StageFinal    Stage = "final"
)

// Status is the processing status an upload carries alongside its stage.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCompleted  Status = "completed"
)

// Role is an operator capability supplied by the identity collaborator.
type Role string

const (
	RoleUploader  Role = "uploader"
	RoleReviewer  Role = "reviewer"
	RolePublisher Role = "publisher"
)

// nextStage is the exhaustive single-step transition table. Absence of a
// key means no forward transition exists from that stage.
var nextStage = map[Stage]Stage{
	StageUpload:   StageStaging,
	StageStaging:  StageFiltered,
	StageFiltered: StageFinal,
}

// stageApprovers lists the roles allowed to approve or reject at each
// stage. First-line reviewers handle upload→staging; promotion beyond
// staging requires publisher authority. Evaluated at transition time, so a
// later policy change never retroactively invalidates completed
// transitions.
var stageApprovers = map[Stage][]Role{
	StageUpload:   {RoleReviewer, RolePublisher},
	StageStaging:  {RolePublisher},
	StageFiltered: {RolePublisher},
}

var (
	// ErrStaleVersion signals a transition raced a concurrent one; the
	// caller must re-fetch current state.
	ErrStaleVersion = errors.New("upload version is stale, re-fetch and retry")

	// ErrNotAuthorized signals the actor lacks a role permitted at the
	// upload's current stage.
	ErrNotAuthorized = errors.New("actor not authorized for this stage")

	// ErrTerminalState signals the upload is rejected or completed and
	// accepts no further transitions.
	ErrTerminalState = errors.New("upload is in a terminal state")

	// ErrNotFound signals an unknown upload.
	ErrNotFound = errors.New("upload not found")
)

// Actor is the acting user at transition time, as supplied by the
// identity collaborator. Treated as opaque and already authenticated.
type Actor struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// Upload is one dataset upload moving through the pipeline.
type Upload struct {
	ID        string    `json:"id"`
	DatasetID string    `json:"datasetId"`
	Filename  string    `json:"filename"`
	Stage     Stage     `json:"stage"`
	Status    Status    `json:"status"`
	Version   int       `json:"version"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether no further transitions are permitted.
func (u *Upload) Terminal() bool {
	return u.Status == StatusRejected || u.Status == StatusCompleted
}

// AuditOutcome distinguishes applied transitions from denied attempts.
type AuditOutcome string

const (
	OutcomeApplied AuditOutcome = "applied"
	OutcomeDenied  AuditOutcome = "denied"
)

// AuditEntry is one immutable audit record. Entries are append-only:
// never mutated, never deleted, one per state-changing action. A reversal
// of a prior decision is itself a new entry.
type AuditEntry struct {
	ID         string       `json:"id"`
	UploadID   string       `json:"uploadId"`
	Actor      string       `json:"actor"`
	Action     string       `json:"action"`
	Outcome    AuditOutcome `json:"outcome"`
	FromStage  Stage        `json:"fromStage"`
	ToStage    Stage        `json:"toStage"`
	FromStatus Status       `json:"fromStatus"`
	ToStatus   Status       `json:"toStatus"`
	Notes      string       `json:"notes,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// UploadStore persists pipeline uploads. AdvanceCAS must atomically apply
// the new stage/status only when the stored version still equals
// expectedVersion, returning ErrStaleVersion otherwise.
type UploadStore interface {
	CreateUpload(ctx context.Context, u Upload) (*Upload, error)
	Upload(ctx context.Context, id string) (*Upload, error)
	UploadsByDataset(ctx context.Context, datasetID string) ([]Upload, error)
	AdvanceCAS(ctx context.Context, id string, expectedVersion int, stage Stage, status Status) (*Upload, error)
}

// AuditStore appends and reads immutable audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditByUpload(ctx context.Context, uploadID string) ([]AuditEntry, error)
}

// Pipeline is the stateful promotion component. All other analysis
// components are pure; this is the only one that mutates records.
type Pipeline struct {
	uploads UploadStore
	audit   AuditStore
}

// New wires a pipeline to its stores.
func New(uploads UploadStore, audit AuditStore) *Pipeline {
	return &Pipeline{uploads: uploads, audit: audit}
}

// Create registers a new upload at stage=upload, status=uploaded and
// appends its creation audit entry. Registration requires the uploader
// role; approval roles do not imply it.
func (p *Pipeline) Create(ctx context.Context, datasetID, filename string, actor Actor) (*Upload, error) {
	if !hasRole(actor, RoleUploader) {
		return nil, fmt.Errorf("%w: creating uploads requires the %s role", ErrNotAuthorized, RoleUploader)
	}

	now := time.Now().UTC()
	u := Upload{
		ID:        uuid.New().String(),
		DatasetID: datasetID,
		Filename:  filename,
		Stage:     StageUpload,
		Status:    StatusUploaded,
		Version:   1,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := p.uploads.CreateUpload(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}

	if err := p.audit.AppendAudit(ctx, AuditEntry{
		ID:         uuid.New().String(),
		UploadID:   created.ID,
		Actor:      actor.ID,
		Action:     "create",
		Outcome:    OutcomeApplied,
		FromStage:  created.Stage,
		ToStage:    created.Stage,
		FromStatus: created.Status,
		ToStatus:   created.Status,
		CreatedAt:  now,
	}); err != nil {
		// The upload exists; the caller can retry the audit append. The
		// failed persist must not corrupt the created record.
		return created, fmt.Errorf("append audit entry: %w", err)
	}

	return created, nil
}

// Approve advances an upload one stage. expectedVersion guards against a
// concurrent transition: a mismatch is rejected as stale rather than
// silently overwritten. Each successful approval appends exactly one
// audit entry; a denied attempt is logged as attempted, not completed.
func (p *Pipeline) Approve(ctx context.Context, uploadID string, actor Actor, notes string, expectedVersion int) (*Upload, error) {
	u, err := p.uploads.Upload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if u.Terminal() {
		return nil, fmt.Errorf("%w: stage=%s status=%s", ErrTerminalState, u.Stage, u.Status)
	}
	if u.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrStaleVersion, u.Version, expectedVersion)
	}

	if !authorized(actor, u.Stage) {
		p.logDenied(ctx, u, actor, "approve", notes)
		return nil, fmt.Errorf("%w: stage %s requires one of %v", ErrNotAuthorized, u.Stage, stageApprovers[u.Stage])
	}

	to, ok := nextStage[u.Stage]
	if !ok {
		return nil, fmt.Errorf("%w: no stage after %s", ErrTerminalState, u.Stage)
	}
	toStatus := StatusApproved
	if to == StageFinal {
		toStatus = StatusCompleted
	}

	updated, err := p.uploads.AdvanceCAS(ctx, u.ID, expectedVersion, to, toStatus)
	if err != nil {
		return nil, err
	}

	if err := p.audit.AppendAudit(ctx, AuditEntry{
		ID:         uuid.New().String(),
		UploadID:   u.ID,
		Actor:      actor.ID,
		Action:     "approve",
		Outcome:    OutcomeApplied,
		FromStage:  u.Stage,
		ToStage:    updated.Stage,
		FromStatus: u.Status,
		ToStatus:   updated.Status,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return updated, fmt.Errorf("append audit entry: %w", err)
	}

	return updated, nil
}

// Reject marks an upload rejected. Rejection is terminal: no further
// transitions are permitted and the record is retained for audit.
func (p *Pipeline) Reject(ctx context.Context, uploadID string, actor Actor, notes string, expectedVersion int) (*Upload, error) {
	u, err := p.uploads.Upload(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if u.Terminal() {
		return nil, fmt.Errorf("%w: stage=%s status=%s", ErrTerminalState, u.Stage, u.Status)
	}
	if u.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrStaleVersion, u.Version, expectedVersion)
	}

	if !authorized(actor, u.Stage) {
		p.logDenied(ctx, u, actor, "reject", notes)
		return nil, fmt.Errorf("%w: stage %s requires one of %v", ErrNotAuthorized, u.Stage, stageApprovers[u.Stage])
	}

	updated, err := p.uploads.AdvanceCAS(ctx, u.ID, expectedVersion, u.Stage, StatusRejected)
	if err != nil {
		return nil, err
	}

	if err := p.audit.AppendAudit(ctx, AuditEntry{
		ID:         uuid.New().String(),
		UploadID:   u.ID,
		Actor:      actor.ID,
		Action:     "reject",
		Outcome:    OutcomeApplied,
		FromStage:  u.Stage,
		ToStage:    updated.Stage,
		FromStatus: u.Status,
		ToStatus:   updated.Status,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return updated, fmt.Errorf("append audit entry: %w", err)
	}

	return updated, nil
}

// Get returns the current upload record.
func (p *Pipeline) Get(ctx context.Context, uploadID string) (*Upload, error) {
	return p.uploads.Upload(ctx, uploadID)
}

// UploadsByDataset lists all uploads for one dataset, oldest first.
func (p *Pipeline) UploadsByDataset(ctx context.Context, datasetID string) ([]Upload, error) {
	return p.uploads.UploadsByDataset(ctx, datasetID)
}

// History returns the upload's approval history, oldest first.
func (p *Pipeline) History(ctx context.Context, uploadID string) ([]AuditEntry, error) {
	return p.audit.AuditByUpload(ctx, uploadID)
}

// Stages returns the fixed stage ordering, for presentation.
func Stages() []Stage {
	return []Stage{StageUpload, StageStaging, StageFiltered, StageFinal}
}

func authorized(actor Actor, stage Stage) bool {
	for _, want := range stageApprovers[stage] {
		if hasRole(actor, want) {
			return true
		}
	}
	return false
}

func hasRole(actor Actor, want Role) bool {
	for _, have := range actor.Roles {
		if have == want {
			return true
		}
	}
	return false
}

// logDenied records an attempted transition without mutating the upload.
// Best effort: an audit failure here must not mask the authorization error.
func (p *Pipeline) logDenied(ctx context.Context, u *Upload, actor Actor, action, notes string) {
	_ = p.audit.AppendAudit(ctx, AuditEntry{
		ID:         uuid.New().String(),
		UploadID:   u.ID,
		Actor:      actor.ID,
		Action:     action,
		Outcome:    OutcomeDenied,
		FromStage:  u.Stage,
		ToStage:    u.Stage,
		FromStatus: u.Status,
		ToStatus:   u.Status,
		Notes:      notes,
		CreatedAt:  time.Now().UTC(),
	})
}
