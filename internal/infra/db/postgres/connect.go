package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// Connect buka koneksi Postgres + ping
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the tables this service needs when they do not
// exist. Production migrations live outside the binary; this keeps tests
// and first boot working.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS report_jobs (
  id                 TEXT PRIMARY KEY,
  input              JSONB NOT NULL,
  report_type        TEXT NOT NULL,
  state              TEXT NOT NULL,
  step_history       JSONB NOT NULL DEFAULT '[]'::jsonb,
  narration_attempts INT NOT NULL DEFAULT 0,
  result             JSONB,
  error              JSONB,
  version            BIGINT NOT NULL DEFAULT 1,
  created_at         TIMESTAMPTZ NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_report_jobs_state ON report_jobs (state);

CREATE TABLE IF NOT EXISTS knowledge_records (
  collection TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      JSONB NOT NULL,
  version    BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (collection, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
  id     TEXT PRIMARY KEY,
  job_id TEXT,
  actor  TEXT NOT NULL,
  action TEXT NOT NULL,
  detail JSONB,
  ts     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_job ON audit_log (job_id);`
	_, err := db.ExecContext(ctx, ddl)
	return err
}
