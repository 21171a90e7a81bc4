package kb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/application"
	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

// Coordinator unifies the cache, structured and semantic tiers behind one
// read/write API with cache-aside semantics. It never fabricates data when
// a tier is down: the cache degrades transparently, the other two tiers
// fail with typed unavailability errors.
type Coordinator struct {
	Cache    knowledge.Cache
	Store    knowledge.StructuredStore
	Vectors  knowledge.SemanticStore
	Embedder knowledge.Embedder
	Audit    audit.Recorder
	Clock    application.Clock
	Log      *zap.Logger

	// TTL bounds staleness of cached structured records; QueryTTL is the
	// short-lived cache for repeated exact semantic queries.
	TTL      time.Duration
	QueryTTL time.Duration

	jobID string
	actor string
}

const (
	defaultTTL      = 5 * time.Minute
	defaultQueryTTL = time.Minute
)

// For returns a copy of the coordinator that attributes knowledge-base
// mutations to the given job and step.
func (c *Coordinator) For(jobID jobs.JobID, actor string) *Coordinator {
	scoped := *c
	scoped.jobID = string(jobID)
	scoped.actor = actor
	return &scoped
}

func (c *Coordinator) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return defaultTTL
}

func (c *Coordinator) queryTTL() time.Duration {
	if c.QueryTTL > 0 {
		return c.QueryTTL
	}
	return defaultQueryTTL
}

func cacheKey(col knowledge.Collection, key string) string {
	return string(col) + ":" + key
}

// Get reads a structured record, cache first. Expired or unreadable cache
// entries are treated as misses; a cache outage degrades to a direct store
// read. A store hit repopulates the cache.
func (c *Coordinator) Get(ctx context.Context, col knowledge.Collection, key string) (*knowledge.Record, error) {
	ck := cacheKey(col, key)
	if raw, err := c.Cache.Get(ctx, ck); err == nil && raw != nil {
		var rec knowledge.Record
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			return &rec, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		_ = c.Cache.Delete(ctx, ck)
	} else if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		c.Log.Warn("cache read failed, falling through", zap.String("key", ck), zap.Error(err))
	}

	rec, err := c.Store.Get(ctx, col, key)
	if err != nil {
		return nil, err
	}
	if raw, jerr := json.Marshal(rec); jerr == nil {
		if cerr := c.Cache.Set(ctx, ck, raw, c.ttl()); cerr != nil {
			c.Log.Warn("cache populate failed", zap.String("key", ck), zap.Error(cerr))
		}
	}
	return rec, nil
}

// Put writes to the structured store first; the cache is only updated after
// the durable write acknowledges, so a caller can never observe a cached
// value the source of truth does not hold.
func (c *Coordinator) Put(ctx context.Context, col knowledge.Collection, key string, value []byte) error {
	rec := &knowledge.Record{
		Collection: col,
		Key:        key,
		Value:      value,
		UpdatedAt:  c.Clock.Now(),
	}
	if err := c.Store.Put(ctx, rec); err != nil {
		return err
	}
	if err := c.appendAudit(ctx, "kb.put", map[string]any{
		"collection": string(col),
		"key":        key,
		"version":    rec.Version,
	}); err != nil {
		return err
	}
	ck := cacheKey(col, key)
	if raw, jerr := json.Marshal(rec); jerr == nil {
		if cerr := c.Cache.Set(ctx, ck, raw, c.ttl()); cerr != nil {
			c.Log.Warn("cache update after write failed", zap.String("key", ck), zap.Error(cerr))
			_ = c.Cache.Delete(ctx, ck)
		}
	}
	return nil
}

// AddDocument embeds and indexes a semantic document.
func (c *Coordinator) AddDocument(ctx context.Context, doc *knowledge.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if len(doc.Embedding) == 0 {
		vec, err := c.Embedder.Embed(ctx, doc.Text)
		if err != nil {
			return knowledge.Unavailable(knowledge.TierSemantic, err)
		}
		doc.Embedding = vec
	}
	if err := c.Vectors.Add(ctx, doc); err != nil {
		return err
	}
	return c.appendAudit(ctx, "kb.add_document", map[string]any{
		"collection": string(doc.Collection),
		"id":         doc.ID,
	})
}

// SemanticSearch returns nearest neighbours for the query text. Results are
// not cached in general (the query space is high-cardinality); repeated
// exact queries hit a short-lived entry keyed by the normalized text.
func (c *Coordinator) SemanticSearch(ctx context.Context, col knowledge.SemanticCollection, query string, topK int) ([]knowledge.ScoredDocument, error) {
	if topK <= 0 {
		topK = 5
	}
	qk := queryCacheKey(col, query)
	if raw, err := c.Cache.Get(ctx, qk); err == nil && raw != nil {
		var hits []knowledge.ScoredDocument
		if jerr := json.Unmarshal(raw, &hits); jerr == nil {
			return hits, nil
		}
	}

	vec, err := c.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, knowledge.Unavailable(knowledge.TierSemantic, err)
	}
	hits, err := c.Vectors.Search(ctx, col, vec, topK)
	if err != nil {
		return nil, err
	}
	if raw, jerr := json.Marshal(hits); jerr == nil {
		if cerr := c.Cache.Set(ctx, qk, raw, c.queryTTL()); cerr != nil {
			c.Log.Warn("semantic query cache write failed", zap.Error(cerr))
		}
	}
	return hits, nil
}

func queryCacheKey(col knowledge.SemanticCollection, query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha1.Sum([]byte(normalized))
	return "semsearch:" + string(col) + ":" + hex.EncodeToString(sum[:])
}

// contextTerms are the presence-check terms per report type.
var contextTerms = map[jobs.ReportType]string{
	jobs.ReportSAR:       "suspicious",
	jobs.ReportCTR:       "currency",
	jobs.ReportSanctions: "sanction",
}

// HasSufficientContext is a declarative conjunction of presence checks: the
// report schema exists in the structured store, and at least one Regulations
// and one Definitions document relevant to the report category exist. Any
// unavailable tier counts as missing context, never as an error.
func (c *Coordinator) HasSufficientContext(ctx context.Context, rt jobs.ReportType) (bool, error) {
	if rt == jobs.ReportUnclassified {
		// No filing requirement, nothing to research.
		return true, nil
	}
	if _, err := c.Get(ctx, knowledge.CollectionSchema, string(rt)); err != nil {
		return false, nil
	}
	term := contextTerms[rt]
	for _, col := range []knowledge.SemanticCollection{knowledge.Regulations, knowledge.Definitions} {
		n, err := c.Vectors.Count(ctx, col, term)
		if err != nil || n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (c *Coordinator) appendAudit(ctx context.Context, action string, detail map[string]any) error {
	actor := c.actor
	if actor == "" {
		actor = audit.SystemActor
	}
	return c.Audit.Append(ctx, audit.Entry{
		ID:        uuid.New().String(),
		JobID:     c.jobID,
		Actor:     actor,
		Action:    action,
		Timestamp: c.Clock.Now(),
		Detail:    detail,
	})
}
