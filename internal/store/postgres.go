// Package store provides the persistence implementations behind the
// pipeline and mapping collaborator interfaces: a Postgres store backed
// by pgx for production and an in-memory store for tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/pipeline"
)

// Postgres implements pipeline.UploadStore, pipeline.AuditStore and
// mapping.ConfigStore against a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The caller owns the pool lifecycle.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ----------------------------------------------------------------------------
// pipeline.UploadStore
// ----------------------------------------------------------------------------

func (s *Postgres) CreateUpload(ctx context.Context, u pipeline.Upload) (*pipeline.Upload, error) {
	const q = `
		INSERT INTO pipeline_uploads
			(id, dataset_id, filename, stage, status, version, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, dataset_id, filename, stage, status, version, created_by, created_at, updated_at`

	row := s.pool.QueryRow(ctx, q,
		u.ID, u.DatasetID, u.Filename, u.Stage, u.Status, u.Version, u.CreatedBy, u.CreatedAt, u.UpdatedAt)
	return scanUpload(row)
}

func (s *Postgres) Upload(ctx context.Context, id string) (*pipeline.Upload, error) {
	const q = `
		SELECT id, dataset_id, filename, stage, status, version, created_by, created_at, updated_at
		FROM pipeline_uploads
		WHERE id = $1`

	u, err := scanUpload(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	return u, err
}

func (s *Postgres) UploadsByDataset(ctx context.Context, datasetID string) ([]pipeline.Upload, error) {
	const q = `
		SELECT id, dataset_id, filename, stage, status, version, created_by, created_at, updated_at
		FROM pipeline_uploads
		WHERE dataset_id = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []pipeline.Upload
	for rows.Next() {
		var u pipeline.Upload
		if err := rows.Scan(&u.ID, &u.DatasetID, &u.Filename, &u.Stage, &u.Status,
			&u.Version, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// AdvanceCAS applies the transition only when the stored version still
// matches. A zero-row update means either the record is gone or another
// transition won the race; the follow-up existence check tells them apart.
func (s *Postgres) AdvanceCAS(ctx context.Context, id string, expectedVersion int, stage pipeline.Stage, status pipeline.Status) (*pipeline.Upload, error) {
	const q = `
		UPDATE pipeline_uploads
		SET stage = $3, status = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING id, dataset_id, filename, stage, status, version, created_by, created_at, updated_at`

	u, err := scanUpload(s.pool.QueryRow(ctx, q, id, expectedVersion, stage, status))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Upload(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: expected %d", pipeline.ErrStaleVersion, expectedVersion)
	}
	return u, err
}

func scanUpload(row pgx.Row) (*pipeline.Upload, error) {
	var u pipeline.Upload
	err := row.Scan(&u.ID, &u.DatasetID, &u.Filename, &u.Stage, &u.Status,
		&u.Version, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ----------------------------------------------------------------------------
// pipeline.AuditStore
// ----------------------------------------------------------------------------

func (s *Postgres) AppendAudit(ctx context.Context, e pipeline.AuditEntry) error {
	const q = `
		INSERT INTO audit_log
			(id, upload_id, actor, action, outcome, from_stage, to_stage, from_status, to_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, q,
		e.ID, e.UploadID, e.Actor, e.Action, e.Outcome,
		e.FromStage, e.ToStage, e.FromStatus, e.ToStatus, e.Notes, e.CreatedAt)
	return err
}

func (s *Postgres) AuditByUpload(ctx context.Context, uploadID string) ([]pipeline.AuditEntry, error) {
	const q = `
		SELECT id, upload_id, actor, action, outcome, from_stage, to_stage, from_status, to_status, notes, created_at
		FROM audit_log
		WHERE upload_id = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []pipeline.AuditEntry
	for rows.Next() {
		var e pipeline.AuditEntry
		if err := rows.Scan(&e.ID, &e.UploadID, &e.Actor, &e.Action, &e.Outcome,
			&e.FromStage, &e.ToStage, &e.FromStatus, &e.ToStatus, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ----------------------------------------------------------------------------
// mapping.ConfigStore
// ----------------------------------------------------------------------------

func (s *Postgres) ActiveConfigs(ctx context.Context) ([]mapping.SavedConfig, error) {
	const q = `
		SELECT id, dataset_id, fields, version, active, created_at
		FROM mapping_configs
		WHERE active
		ORDER BY dataset_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []mapping.SavedConfig
	for rows.Next() {
		cfg, err := scanConfigRows(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func (s *Postgres) ActiveConfig(ctx context.Context, datasetID string) (*mapping.SavedConfig, error) {
	const q = `
		SELECT id, dataset_id, fields, version, active, created_at
		FROM mapping_configs
		WHERE dataset_id = $1 AND active`

	cfg, err := scanConfig(s.pool.QueryRow(ctx, q, datasetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active config for dataset %s: %w", datasetID, pipeline.ErrNotFound)
	}
	return cfg, err
}

// SaveConfig inserts a new config version and deactivates any prior active
// config for the dataset in the same transaction. Prior versions are kept.
func (s *Postgres) SaveConfig(ctx context.Context, cfg mapping.SavedConfig) (*mapping.SavedConfig, error) {
	fields, err := json.Marshal(cfg.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode config fields: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if cfg.Active {
		if _, err := tx.Exec(ctx,
			`UPDATE mapping_configs SET active = false WHERE dataset_id = $1 AND active`,
			cfg.DatasetID); err != nil {
			return nil, err
		}
	}

	const q = `
		INSERT INTO mapping_configs (id, dataset_id, fields, version, active, created_at)
		VALUES ($1, $2, $3,
			COALESCE((SELECT MAX(version) FROM mapping_configs WHERE dataset_id = $2), 0) + 1,
			$4, $5)
		RETURNING id, dataset_id, fields, version, active, created_at`

	saved, err := scanConfig(tx.QueryRow(ctx, q, cfg.ID, cfg.DatasetID, fields, cfg.Active, cfg.CreatedAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Postgres) SaveStructure(ctx context.Context, st mapping.DatasetStructure) (*mapping.DatasetStructure, error) {
	fields, err := json.Marshal(st.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode structure fields: %w", err)
	}

	const q = `
		INSERT INTO dataset_structures (id, name, version, fields, created_at)
		VALUES ($1, $2,
			COALESCE((SELECT MAX(version) FROM dataset_structures WHERE name = $2), 0) + 1,
			$3, $4)
		RETURNING id, name, version, fields, created_at`

	row := s.pool.QueryRow(ctx, q, st.ID, st.Name, fields, st.CreatedAt)

	var out mapping.DatasetStructure
	var raw []byte
	if err := row.Scan(&out.ID, &out.Name, &out.Version, &raw, &out.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out.Fields); err != nil {
		return nil, fmt.Errorf("decode structure fields: %w", err)
	}
	return &out, nil
}

func (s *Postgres) Structure(ctx context.Context, id string) (*mapping.DatasetStructure, error) {
	const q = `
		SELECT id, name, version, fields, created_at
		FROM dataset_structures
		WHERE id = $1`

	var out mapping.DatasetStructure
	var raw []byte
	err := s.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.Name, &out.Version, &raw, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("structure %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out.Fields); err != nil {
		return nil, fmt.Errorf("decode structure fields: %w", err)
	}
	return &out, nil
}

func scanConfig(row pgx.Row) (*mapping.SavedConfig, error) {
	var cfg mapping.SavedConfig
	var raw []byte
	if err := row.Scan(&cfg.ID, &cfg.DatasetID, &raw, &cfg.Version, &cfg.Active, &cfg.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg.Fields); err != nil {
		return nil, fmt.Errorf("decode config fields: %w", err)
	}
	return &cfg, nil
}

func scanConfigRows(rows pgx.Rows) (*mapping.SavedConfig, error) {
	var cfg mapping.SavedConfig
	var raw []byte
	if err := rows.Scan(&cfg.ID, &cfg.DatasetID, &raw, &cfg.Version, &cfg.Active, &cfg.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg.Fields); err != nil {
		return nil, fmt.Errorf("decode config fields: %w", err)
	}
	return &cfg, nil
}
