package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Scorer selects which remembered entries are worth showing to the model.
// Candidates arrive oldest first; implementations return at most limit
// entries.
type Scorer interface {
	Rank(ctx context.Context, query string, candidates []Entry, limit int) []Entry
}

// RecencyScorer returns the last limit candidates unmodified.
type RecencyScorer struct{}

func (RecencyScorer) Rank(_ context.Context, _ string, candidates []Entry, limit int) []Entry {
	if len(candidates) > limit {
		candidates = candidates[len(candidates)-limit:]
	}
	return append([]Entry(nil), candidates...)
}

// KeywordScorer ranks candidates by how many distinct lowercase words they
// share with the query, breaking ties by recency (newest first).
type KeywordScorer struct{}

func (KeywordScorer) Rank(_ context.Context, query string, candidates []Entry, limit int) []Entry {
	q := wordSet(query)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = float64(overlap(q, wordSet(c.UserMessage)))
	}
	return topByScore(candidates, scores, limit)
}

// EmbeddingScorer ranks candidates by cosine similarity between the embedding
// of the query and the embedding of each candidate's user message. When the
// embedder fails or is unavailable it falls back to Fallback (KeywordScorer
// when nil).
type EmbeddingScorer struct {
	Embedder Embedder
	Fallback Scorer
}

func (e EmbeddingScorer) Rank(ctx context.Context, query string, candidates []Entry, limit int) []Entry {
	fallback := e.Fallback
	if fallback == nil {
		fallback = KeywordScorer{}
	}
	if e.Embedder == nil {
		return fallback.Rank(ctx, query, candidates, limit)
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, c := range candidates {
		texts = append(texts, c.UserMessage)
	}
	vectors, err := e.Embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		slog.Warn("memory: embedding failed; using keyword relevance", "err", err)
		return fallback.Rank(ctx, query, candidates, limit)
	}

	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = cosineSimilarity(vectors[0], vectors[i+1])
	}
	return topByScore(candidates, scores, limit)
}

// topByScore sorts candidate indices by (score desc, index desc) and returns
// the first limit entries.
func topByScore(candidates []Entry, scores []float64, limit int) []Entry {
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if scores[idx[a]] != scores[idx[b]] {
			return scores[idx[a]] > scores[idx[b]]
		}
		return idx[a] > idx[b]
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, candidates[i])
	}
	return out
}

func wordSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
