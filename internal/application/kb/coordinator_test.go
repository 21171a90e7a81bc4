package kb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	"github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
)

type fakeCache struct {
	mu    sync.Mutex
	data  map[string][]byte
	down  bool
	sets  int
	gets  int
	fails int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.down {
		c.fails++
		return nil, knowledge.Unavailable(knowledge.TierCache, errors.New("cache down"))
	}
	v, ok := c.data[key]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		c.fails++
		return knowledge.Unavailable(knowledge.TierCache, errors.New("cache down"))
	}
	c.sets++
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }

type fakeStore struct {
	mu   sync.Mutex
	data map[string]*knowledge.Record
	down bool
	gets int
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string]*knowledge.Record{}} }

func storeKey(c knowledge.Collection, key string) string { return string(c) + "/" + key }

func (s *fakeStore) Get(_ context.Context, c knowledge.Collection, key string) (*knowledge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.down {
		return nil, knowledge.Unavailable(knowledge.TierStructured, errors.New("store down"))
	}
	rec, ok := s.data[storeKey(c, key)]
	if !ok {
		return nil, knowledge.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) Put(_ context.Context, rec *knowledge.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return knowledge.Unavailable(knowledge.TierStructured, errors.New("store down"))
	}
	rec.Version++
	cp := *rec
	s.data[storeKey(rec.Collection, rec.Key)] = &cp
	return nil
}

func (s *fakeStore) List(_ context.Context, c knowledge.Collection) ([]*knowledge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*knowledge.Record
	for k, rec := range s.data {
		if strings.HasPrefix(k, string(c)+"/") {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

type fakeVectors struct {
	mu       sync.Mutex
	docs     []*knowledge.Document
	searches int
	counts   map[string]int
}

func (v *fakeVectors) Add(_ context.Context, doc *knowledge.Document) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs = append(v.docs, doc)
	return nil
}

func (v *fakeVectors) Search(_ context.Context, c knowledge.SemanticCollection, _ []float32, topK int) ([]knowledge.ScoredDocument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.searches++
	var out []knowledge.ScoredDocument
	for _, d := range v.docs {
		if d.Collection == c && len(out) < topK {
			out = append(out, knowledge.ScoredDocument{Document: *d, Score: 0.9})
		}
	}
	return out, nil
}

func (v *fakeVectors) Count(_ context.Context, c knowledge.SemanticCollection, term string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.counts != nil {
		return v.counts[string(c)+":"+term], nil
	}
	var n int
	for _, d := range v.docs {
		if d.Collection == c && strings.Contains(strings.ToLower(d.Text), term) {
			n++
		}
	}
	return n, nil
}

func (v *fakeVectors) Ping(context.Context) error { return nil }

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) Append(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) ListByJob(_ context.Context, jobID string) ([]audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newCoordinator() (*Coordinator, *fakeCache, *fakeStore, *fakeVectors, *fakeEmbedder, *fakeAudit) {
	cacheTier := newFakeCache()
	store := newFakeStore()
	vectors := &fakeVectors{}
	embedder := &fakeEmbedder{}
	auditLog := &fakeAudit{}
	c := &Coordinator{
		Cache:    cacheTier,
		Store:    store,
		Vectors:  vectors,
		Embedder: embedder,
		Audit:    auditLog,
		Clock:    fixedClock{t: time.Unix(1700000000, 0)},
		Log:      zap.NewNop(),
		TTL:      5 * time.Minute,
		QueryTTL: time.Minute,
	}
	return c, cacheTier, store, vectors, embedder, auditLog
}

func TestPutThenGetReturnsLatestValue(t *testing.T) {
	c, _, _, _, _, _ := newCoordinator()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "SAR", []byte(`{"version":"2.0"}`)))
	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "SAR", []byte(`{"version":"2.1"}`)))

	rec, err := c.Get(ctx, knowledge.CollectionSchema, "SAR")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"2.1"}`, string(rec.Value))
	assert.Equal(t, int64(2), rec.Version)
}

func TestGetServesFromCacheAfterFirstRead(t *testing.T) {
	c, _, store, _, _, _ := newCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, knowledge.CollectionRule, "CTR", []byte(`{"rules":[]}`)))

	before := store.gets
	_, err := c.Get(ctx, knowledge.CollectionRule, "CTR")
	require.NoError(t, err)
	_, err = c.Get(ctx, knowledge.CollectionRule, "CTR")
	require.NoError(t, err)
	assert.Equal(t, before, store.gets, "reads after a write-through should not touch the store")
}

func TestCacheOutageDegradesToStore(t *testing.T) {
	c, cacheTier, store, _, _, _ := newCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "CTR", []byte(`{"version":"1.2"}`)))

	cacheTier.down = true
	before := store.gets
	rec, err := c.Get(ctx, knowledge.CollectionSchema, "CTR")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.2"}`, string(rec.Value))
	assert.Greater(t, store.gets, before)
}

func TestWriteGoesToStoreBeforeCache(t *testing.T) {
	c, cacheTier, store, _, _, _ := newCoordinator()
	ctx := context.Background()

	// a cache outage must not lose the durable write
	cacheTier.down = true
	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "SAR", []byte(`{"version":"2.0"}`)))
	_, ok := store.data[storeKey(knowledge.CollectionSchema, "SAR")]
	assert.True(t, ok)

	// a store outage must fail the write and leave the cache untouched
	store.down = true
	cacheTier.down = false
	err := c.Put(ctx, knowledge.CollectionSchema, "CTR", []byte(`{}`))
	var unavailable *knowledge.TierUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, knowledge.TierStructured, unavailable.Tier)
	assert.Equal(t, 0, cacheTier.sets)
}

func TestCorruptCacheEntryFallsThrough(t *testing.T) {
	c, cacheTier, _, _, _, _ := newCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "SAR", []byte(`{"version":"2.0"}`)))

	cacheTier.mu.Lock()
	cacheTier.data[cacheKey(knowledge.CollectionSchema, "SAR")] = []byte("{not json")
	cacheTier.mu.Unlock()

	rec, err := c.Get(ctx, knowledge.CollectionSchema, "SAR")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"2.0"}`, string(rec.Value))
}

func TestGetMissingRecord(t *testing.T) {
	c, _, _, _, _, _ := newCoordinator()
	_, err := c.Get(context.Background(), knowledge.CollectionSchema, "nope")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestAddDocumentEmbedsWhenVectorMissing(t *testing.T) {
	c, _, _, vectors, embedder, auditLog := newCoordinator()
	ctx := context.Background()

	scoped := c.For(jobs.JobID("job-1"), "researcher")
	doc := &knowledge.Document{Collection: knowledge.Regulations, Text: "currency transaction rules"}
	require.NoError(t, scoped.AddDocument(ctx, doc))

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, 1, embedder.calls)
	require.Len(t, vectors.docs, 1)

	entries, err := auditLog.ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kb.add_document", entries[0].Action)
	assert.Equal(t, "researcher", entries[0].Actor)
}

func TestSemanticSearchCachesExactQuery(t *testing.T) {
	c, _, _, vectors, embedder, _ := newCoordinator()
	ctx := context.Background()
	require.NoError(t, c.AddDocument(ctx, &knowledge.Document{
		Collection: knowledge.Regulations, Text: "structuring guidance", Embedding: []float32{1, 2, 3},
	}))

	hits, err := c.SemanticSearch(ctx, knowledge.Regulations, "What is structuring?", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	searches, embeds := vectors.searches, embedder.calls

	// normalized-identical query is served from the micro-cache
	hits2, err := c.SemanticSearch(ctx, knowledge.Regulations, "  what  is STRUCTURING? ", 5)
	require.NoError(t, err)
	assert.Equal(t, hits, hits2)
	assert.Equal(t, searches, vectors.searches)
	assert.Equal(t, embeds, embedder.calls)

	// a different query misses it
	_, err = c.SemanticSearch(ctx, knowledge.Regulations, "what is kiting?", 5)
	require.NoError(t, err)
	assert.Equal(t, searches+1, vectors.searches)
}

func TestHasSufficientContext(t *testing.T) {
	c, _, _, _, _, _ := newCoordinator()
	ctx := context.Background()

	// nothing seeded: insufficient for every real report type
	ok, err := c.HasSufficientContext(ctx, jobs.ReportSAR)
	require.NoError(t, err)
	assert.False(t, ok)

	// unclassified never needs context
	ok, err = c.HasSufficientContext(ctx, jobs.ReportUnclassified)
	require.NoError(t, err)
	assert.True(t, ok)

	// schema alone is not enough
	require.NoError(t, c.Put(ctx, knowledge.CollectionSchema, "SAR", []byte(`{"version":"2.0"}`)))
	ok, err = c.HasSufficientContext(ctx, jobs.ReportSAR)
	require.NoError(t, err)
	assert.False(t, ok)

	// one regulation and one definition mentioning the category term
	require.NoError(t, c.AddDocument(ctx, &knowledge.Document{
		Collection: knowledge.Regulations, Text: "suspicious activity reporting rule", Embedding: []float32{1},
	}))
	ok, err = c.HasSufficientContext(ctx, jobs.ReportSAR)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.AddDocument(ctx, &knowledge.Document{
		Collection: knowledge.Definitions, Text: "suspicious activity: conduct that...", Embedding: []float32{1},
	}))
	ok, err = c.HasSufficientContext(ctx, jobs.ReportSAR)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutAuditsWithJobAttribution(t *testing.T) {
	c, _, _, _, _, auditLog := newCoordinator()
	ctx := context.Background()

	scoped := c.For(jobs.JobID("job-7"), "aggregator")
	require.NoError(t, scoped.Put(ctx, knowledge.CollectionMapping, "SAR", []byte(`{}`)))

	entries, err := auditLog.ListByJob(ctx, "job-7")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kb.put", entries[0].Action)
	assert.Equal(t, "aggregator", entries[0].Actor)

	// the base coordinator is untouched by scoping
	require.NoError(t, c.Put(ctx, knowledge.CollectionMapping, "CTR", []byte(`{}`)))
	all := auditLog.entries
	assert.Equal(t, audit.SystemActor, all[len(all)-1].Actor)
}

func TestCachedRecordSurvivesJSONRoundTrip(t *testing.T) {
	c, cacheTier, _, _, _, _ := newCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, knowledge.CollectionIndicator, "structuring", []byte(`{"risk_level":"high"}`)))

	raw, err := cacheTier.Get(ctx, cacheKey(knowledge.CollectionIndicator, "structuring"))
	require.NoError(t, err)
	var rec knowledge.Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "structuring", rec.Key)
}
