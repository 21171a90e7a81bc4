package mysql

import (
	"context"
	"database/sql"
	_ "github.com/go-sql-driver/mysql"
	"time"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the tables this service needs when they do not
// exist. Statements run one at a time, the MySQL driver does not accept
// multi-statement DDL by default.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS report_jobs (
  id                 VARCHAR(64) PRIMARY KEY,
  input              JSON NOT NULL,
  report_type        VARCHAR(32) NOT NULL,
  state              VARCHAR(32) NOT NULL,
  step_history       JSON NOT NULL,
  narration_attempts INT NOT NULL DEFAULT 0,
  result             JSON,
  error              JSON,
  version            BIGINT NOT NULL DEFAULT 1,
  created_at         TIMESTAMP NOT NULL,
  updated_at         TIMESTAMP NOT NULL,
  INDEX idx_report_jobs_state (state)
)`,
		`CREATE TABLE IF NOT EXISTS knowledge_records (
  collection VARCHAR(32) NOT NULL,
  ` + "`key`" + `      VARCHAR(191) NOT NULL,
  value      JSON NOT NULL,
  version    BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMP NOT NULL,
  PRIMARY KEY (collection, ` + "`key`" + `)
)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  id     VARCHAR(64) PRIMARY KEY,
  job_id VARCHAR(64),
  actor  VARCHAR(64) NOT NULL,
  action VARCHAR(64) NOT NULL,
  detail JSON,
  ts     TIMESTAMP NOT NULL,
  INDEX idx_audit_log_job (job_id)
)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
