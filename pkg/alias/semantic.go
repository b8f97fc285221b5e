package alias

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/vector"
)

// EmbeddingProvider computes embeddings for a batch of texts. Implemented
// by the surrounding orchestration (LLM provider client); tests use a
// deterministic fake.
type EmbeddingProvider interface {
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// SemanticOptions configures a SemanticMatcher.
type SemanticOptions struct {
	// SimilarityThreshold is the minimum cosine similarity for a match.
	// Defaults to 0.85.
	SimilarityThreshold float64

	// CacheSize bounds the embedding cache. Defaults to 1000.
	CacheSize int

	// Disabled short-circuits Match to "no match" without calling the
	// provider.
	Disabled bool
}

// SemanticMatcher scores candidate names by embedding similarity. Name
// embeddings are cached in a case-insensitive LRU, so repeated matching
// against a stable candidate set costs one provider call per distinct
// name. Provider failures surface as ExternalDependency errors and
// never touch the alias index.
type SemanticMatcher struct {
	provider  EmbeddingProvider
	threshold float64
	disabled  bool
	cache     *embeddingCache
}

// NewSemanticMatcher creates a semantic matcher.
func NewSemanticMatcher(provider EmbeddingProvider, opts SemanticOptions) *SemanticMatcher {
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1000
	}
	return &SemanticMatcher{
		provider:  provider,
		threshold: threshold,
		disabled:  opts.Disabled,
		cache:     newEmbeddingCache(size),
	}
}

// Match scores two names. Returns the similarity and whether it clears
// the configured threshold. When the matcher is disabled it reports no
// match without calling the provider.
func (sm *SemanticMatcher) Match(ctx context.Context, a, b string) (float64, bool, error) {
	if sm.disabled {
		return 0, false, nil
	}

	embA, err := sm.embeddingFor(ctx, a)
	if err != nil {
		return 0, false, err
	}
	embB, err := sm.embeddingFor(ctx, b)
	if err != nil {
		return 0, false, err
	}

	score := vector.CosineSimilarity(embA, embB)
	return score, score >= sm.threshold, nil
}

// FindBestMatch returns the single highest-scoring candidate at or
// above threshold (<= 0 uses the matcher default). ok is false when no
// candidate clears it.
func (sm *SemanticMatcher) FindBestMatch(ctx context.Context, target string, candidates []string,
	threshold float64) (best string, score float64, ok bool, err error) {

	if sm.disabled || len(candidates) == 0 {
		return "", 0, false, nil
	}
	if threshold <= 0 {
		threshold = sm.threshold
	}

	targetEmb, err := sm.embeddingFor(ctx, target)
	if err != nil {
		return "", 0, false, err
	}

	for _, candidate := range candidates {
		candEmb, err := sm.embeddingFor(ctx, candidate)
		if err != nil {
			return "", 0, false, err
		}
		if s := vector.CosineSimilarity(targetEmb, candEmb); s >= threshold && (!ok || s > score) {
			best, score, ok = candidate, s, true
		}
	}
	return best, score, ok, nil
}

// embeddingFor returns the cached embedding for a name, computing it
// through the provider on miss.
func (sm *SemanticMatcher) embeddingFor(ctx context.Context, name string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if emb, ok := sm.cache.get(key); ok {
		return emb, nil
	}

	embs, err := sm.provider.GetEmbeddings(ctx, []string{name})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding provider: %v", graph.ErrExternal, err)
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		return nil, fmt.Errorf("%w: embedding provider returned no vector for %q", graph.ErrExternal, name)
	}

	sm.cache.put(key, embs[0])
	return embs[0], nil
}

// Stats reports embedding-cache counters.
func (sm *SemanticMatcher) Stats() SemanticStats {
	return sm.cache.stats()
}

// SemanticStats holds embedding-cache statistics.
type SemanticStats struct {
	CacheSize int    `json:"cache_size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
}

// embeddingCache is a thread-safe LRU of name embeddings.
type embeddingCache struct {
	mu      sync.Mutex
	maxSize int
	list    *list.List
	items   map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type embeddingEntry struct {
	key       string
	embedding []float32
}

func newEmbeddingCache(maxSize int) *embeddingCache {
	return &embeddingCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return elem.Value.(*embeddingEntry).embedding, true
}

func (c *embeddingCache) put(key string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*embeddingEntry).embedding = embedding
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.list.Remove(oldest)
		delete(c.items, oldest.Value.(*embeddingEntry).key)
	}

	c.items[key] = c.list.PushFront(&embeddingEntry{key: key, embedding: embedding})
}

func (c *embeddingCache) stats() SemanticStats {
	c.mu.Lock()
	size := c.list.Len()
	c.mu.Unlock()

	return SemanticStats{
		CacheSize: size,
		MaxSize:   c.maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
	}
}
