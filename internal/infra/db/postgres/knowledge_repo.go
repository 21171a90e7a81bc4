package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// KnowledgeRepository is the structured-store tier over Postgres.
type KnowledgeRepository struct{ db *sql.DB }

func NewKnowledgeRepository(db *sql.DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

func (r *KnowledgeRepository) Get(ctx context.Context, c knowledge.Collection, key string) (*knowledge.Record, error) {
	const q = `
SELECT collection, key, value, version, updated_at
FROM knowledge_records WHERE collection=$1 AND key=$2 LIMIT 1;`
	var rec knowledge.Record
	err := r.db.QueryRowContext(ctx, q, c, key).Scan(
		&rec.Collection, &rec.Key, &rec.Value, &rec.Version, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, knowledge.ErrNotFound
	}
	if err != nil {
		return nil, knowledge.Unavailable(knowledge.TierStructured, err)
	}
	return &rec, nil
}

// Put upserts; the stored version increments on every overwrite.
func (r *KnowledgeRepository) Put(ctx context.Context, rec *knowledge.Record) error {
	const q = `
INSERT INTO knowledge_records (collection, key, value, version, updated_at)
VALUES ($1,$2,$3,1,$4)
ON CONFLICT (collection, key) DO UPDATE SET
 value = EXCLUDED.value,
 version = knowledge_records.version + 1,
 updated_at = EXCLUDED.updated_at
RETURNING version;`
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := r.db.QueryRowContext(ctx, q, rec.Collection, rec.Key, []byte(rec.Value), rec.UpdatedAt).
		Scan(&rec.Version); err != nil {
		return knowledge.Unavailable(knowledge.TierStructured, err)
	}
	return nil
}

func (r *KnowledgeRepository) List(ctx context.Context, c knowledge.Collection) ([]*knowledge.Record, error) {
	const q = `
SELECT collection, key, value, version, updated_at
FROM knowledge_records WHERE collection=$1 ORDER BY key;`
	rows, err := r.db.QueryContext(ctx, q, c)
	if err != nil {
		return nil, knowledge.Unavailable(knowledge.TierStructured, err)
	}
	defer rows.Close()

	var out []*knowledge.Record
	for rows.Next() {
		var rec knowledge.Record
		if err := rows.Scan(&rec.Collection, &rec.Key, &rec.Value, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *KnowledgeRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}
