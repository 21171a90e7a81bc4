package knowledge

import (
	"encoding/json"
	"time"
)

// Collection enum untuk structured records
type Collection string

const (
	CollectionSchema    Collection = "schema"
	CollectionRule      Collection = "rule"
	CollectionMapping   Collection = "mapping"
	CollectionIndicator Collection = "indicator"
)

// Record is a structured knowledge record. The structured store owns it;
// cached copies are advisory and always re-derivable.
type Record struct {
	Collection Collection      `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SemanticCollection enum untuk vector collections
type SemanticCollection string

const (
	Narratives  SemanticCollection = "Narratives"
	Regulations SemanticCollection = "Regulations"
	Definitions SemanticCollection = "Definitions"
)

// Document is a vector-indexed semantic document. Embeddings are derived
// data: the source text is always recoverable without the vector index.
type Document struct {
	Collection SemanticCollection `json:"collection"`
	ID         string             `json:"id"`
	Text       string             `json:"text"`
	Embedding  []float32          `json:"-"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// ScoredDocument pairs a search hit with its similarity score (1.0 best).
type ScoredDocument struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}
