package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
)

// AuditRepository appends to the audit log; rows are never updated.
type AuditRepository struct{ db *sql.DB }

func NewAuditRepository(db *sql.DB) *AuditRepository { return &AuditRepository{db: db} }

func (r *AuditRepository) Append(ctx context.Context, e audit.Entry) error {
	const q = `
INSERT INTO audit_log (id, job_id, actor, action, detail, ts)
VALUES ($1,$2,$3,$4,$5,$6);`
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, e.ID, e.JobID, e.Actor, e.Action, detail, e.Timestamp)
	return err
}

func (r *AuditRepository) ListByJob(ctx context.Context, jobID string) ([]audit.Entry, error) {
	const q = `
SELECT id, job_id, actor, action, detail, ts
FROM audit_log WHERE job_id=$1 ORDER BY ts;`
	rows, err := r.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var detail []byte
		var jid sql.NullString
		if err := rows.Scan(&e.ID, &jid, &e.Actor, &e.Action, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.JobID = jid.String
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
