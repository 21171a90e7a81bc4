package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	domain "github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
)

type JobRepository struct{ db *sql.DB }

func NewJobRepository(db *sql.DB) *JobRepository { return &JobRepository{db: db} }

// Create insert Job record baru
func (r *JobRepository) Create(ctx context.Context, j *domain.Job) error {
	const q = `
INSERT INTO report_jobs
(id, input, report_type, state, step_history, narration_attempts, result, error, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`

	input, err := json.Marshal(j.Input)
	if err != nil {
		return err
	}
	steps, err := json.Marshal(j.Steps)
	if err != nil {
		return err
	}
	if j.Version == 0 {
		j.Version = 1
	}
	_, err = r.db.ExecContext(ctx, q,
		j.ID, input, j.ReportType, j.State, steps, j.NarrationAttempts,
		nullableJSON(j.Result), nullableJSON(j.Error), j.Version, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// Get by ID
func (r *JobRepository) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	const q = `
SELECT id, input, report_type, state, step_history, narration_attempts, result, error, version, created_at, updated_at
FROM report_jobs WHERE id=$1 LIMIT 1;`
	row := r.db.QueryRowContext(ctx, q, id)
	return scanJob(row)
}

// SaveTransition commits state, step history and audit entry in one tx,
// guarded by the optimistic version check.
func (r *JobRepository) SaveTransition(ctx context.Context, j *domain.Job, entry audit.Entry) error {
	const upd = `
UPDATE report_jobs
SET report_type=$1, state=$2, step_history=$3, narration_attempts=$4,
    result=$5, error=$6, version=version+1, updated_at=$7
WHERE id=$8 AND version=$9;`
	const ins = `
INSERT INTO audit_log (id, job_id, actor, action, detail, ts)
VALUES ($1,$2,$3,$4,$5,$6);`

	steps, err := json.Marshal(j.Steps)
	if err != nil {
		return err
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, upd,
		j.ReportType, j.State, steps, j.NarrationAttempts,
		nullableJSON(j.Result), nullableJSON(j.Error), now, j.ID, j.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrVersionConflict
	}
	if _, err := tx.ExecContext(ctx, ins,
		entry.ID, entry.JobID, entry.Actor, entry.Action, detail, entry.Timestamp,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	j.Version++
	j.UpdatedAt = now
	return nil
}

// ListUnfinished untuk resume setelah restart
func (r *JobRepository) ListUnfinished(ctx context.Context) ([]domain.JobID, error) {
	const q = `
SELECT id FROM report_jobs
WHERE state NOT IN ('COMPLETED','FAILED','CANCELLED')
ORDER BY created_at;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobID
	for rows.Next() {
		var id domain.JobID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var input, steps []byte
	var result, jerr sql.NullString
	if err := row.Scan(
		&j.ID, &input, &j.ReportType, &j.State, &steps, &j.NarrationAttempts,
		&result, &jerr, &j.Version, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &j.Steps); err != nil {
		return nil, err
	}
	if result.Valid {
		var ref domain.ArtifactRef
		if err := json.Unmarshal([]byte(result.String), &ref); err != nil {
			return nil, err
		}
		j.Result = &ref
	}
	if jerr.Valid {
		var je domain.JobError
		if err := json.Unmarshal([]byte(jerr.String), &je); err != nil {
			return nil, err
		}
		j.Error = &je
	}
	return &j, nil
}

// nullableJSON marshals v, mapping nil pointers to SQL NULL.
func nullableJSON(v any) any {
	switch t := v.(type) {
	case *domain.ArtifactRef:
		if t == nil {
			return nil
		}
	case *domain.JobError:
		if t == nil {
			return nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
