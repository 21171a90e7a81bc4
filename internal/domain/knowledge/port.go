package knowledge

import (
	"context"
	"time"
)

// Cache port (tier 1). Best-effort shared state, no locking; staleness is
// bounded only by TTL. A failing cache must never fail a read or write.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// StructuredStore port (tier 2, source of truth untuk Record)
type StructuredStore interface {
	Get(ctx context.Context, c Collection, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	List(ctx context.Context, c Collection) ([]*Record, error)
	Ping(ctx context.Context) error
}

// SemanticStore port (tier 3, vector index)
type SemanticStore interface {
	Add(ctx context.Context, doc *Document) error
	Search(ctx context.Context, c SemanticCollection, vector []float32, topK int) ([]ScoredDocument, error)
	// Count reports how many documents in the collection mention term in
	// their text or metadata. Used by declarative sufficiency checks.
	Count(ctx context.Context, c SemanticCollection, term string) (int, error)
	Ping(ctx context.Context) error
}

// Embedder port untuk embedding generation
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
