package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// Store is the semantic tier: documents in a plain table, embeddings in a
// vec0 virtual table sharing rowids. The vector index is derived data; the
// source text never lives only in the index.
type Store struct {
	db         *sql.DB
	dimensions int
}

func Open(ctx context.Context, path string, dimensions int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS semantic_documents (
  rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
  id         TEXT NOT NULL UNIQUE,
  collection TEXT NOT NULL,
  text       TEXT NOT NULL,
  metadata   TEXT,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_semantic_collection ON semantic_documents (collection);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_documents USING vec0(embedding float[%d]);`, s.dimensions)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, doc *knowledge.Document) error {
	if len(doc.Embedding) != s.dimensions {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(doc.Embedding), s.dimensions)
	}
	blob, err := vec.SerializeFloat32(doc.Embedding)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO semantic_documents (id, collection, text, metadata)
VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET text=excluded.text, metadata=excluded.metadata;`,
		doc.ID, doc.Collection, doc.Text, string(meta),
	); err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	var rowid int64
	if err := tx.QueryRowContext(ctx,
		`SELECT rowid FROM semantic_documents WHERE id = ?;`, doc.ID,
	).Scan(&rowid); err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO vec_documents (rowid, embedding) VALUES (?, ?);`,
		rowid, blob,
	); err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	if err := tx.Commit(); err != nil {
		return knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	return nil
}

// Search runs a KNN query over the whole index and filters to the requested
// collection. The over-fetch factor keeps enough candidates alive when the
// index holds several collections.
func (s *Store) Search(ctx context.Context, c knowledge.SemanticCollection, vector []float32, topK int) ([]knowledge.ScoredDocument, error) {
	if topK <= 0 {
		topK = 5
	}
	blob, err := vec.SerializeFloat32(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.collection, d.text, d.metadata, v.distance
FROM vec_documents v
JOIN semantic_documents d ON d.rowid = v.rowid
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance;`, blob, topK*8)
	if err != nil {
		return nil, knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	defer rows.Close()

	var out []knowledge.ScoredDocument
	for rows.Next() {
		var doc knowledge.Document
		var meta sql.NullString
		var distance float64
		if err := rows.Scan(&doc.ID, &doc.Collection, &doc.Text, &meta, &distance); err != nil {
			return nil, err
		}
		if doc.Collection != c {
			continue
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &doc.Metadata)
		}
		out = append(out, knowledge.ScoredDocument{Document: doc, Score: 1 - distance})
		if len(out) == topK {
			break
		}
	}
	return out, rows.Err()
}

// Count reports documents in the collection mentioning term, for the
// coordinator's declarative sufficiency checks.
func (s *Store) Count(ctx context.Context, c knowledge.SemanticCollection, term string) (int, error) {
	pattern := "%" + strings.ToLower(term) + "%"
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM semantic_documents
WHERE collection = ? AND (lower(text) LIKE ? OR lower(COALESCE(metadata,'')) LIKE ?);`,
		c, pattern, pattern,
	).Scan(&n)
	if err != nil {
		return 0, knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }
