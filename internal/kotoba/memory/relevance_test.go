package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// keyedEmbedder maps known texts to fixed vectors.
type keyedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (k keyedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := k.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestEmbeddingScorer_RanksBySimilarity(t *testing.T) {
	emb := keyedEmbedder{vectors: map[string][]float32{
		"how is my dog":     {1, 0, 0},
		"I adopted a puppy": {0.9, 0.1, 0},
		"stock prices":      {0, 1, 0},
	}}
	entries := []Entry{
		{UserMessage: "I adopted a puppy"},
		{UserMessage: "stock prices"},
	}

	got := EmbeddingScorer{Embedder: emb}.Rank(context.Background(), "how is my dog", entries, 1)
	if len(got) != 1 || got[0].UserMessage != "I adopted a puppy" {
		t.Fatalf("unexpected ranking: %+v", got)
	}
}

func TestEmbeddingScorer_FallsBackOnError(t *testing.T) {
	emb := keyedEmbedder{err: errors.New("embedding service down")}
	entries := []Entry{
		{UserMessage: "pizza toppings"},
		{UserMessage: "weather today"},
	}

	got := EmbeddingScorer{Embedder: emb}.Rank(context.Background(), "best pizza", entries, 1)
	if len(got) != 1 || got[0].UserMessage != "pizza toppings" {
		t.Fatalf("expected keyword fallback to pick pizza toppings, got %+v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: got %v", got)
	}
	if got := cosineSimilarity([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths: got %v", got)
	}
}

func TestOpenAIEmbedder_BatchesAndMemoises(t *testing.T) {
	var requests [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		requests = append(requests, req.Input)

		// Answer in reverse order; the embedder must follow "index".
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", BaseURL: srv.URL})
	ctx := context.Background()

	vecs, err := e.Embed(ctx, []string{"hi", "hello", "hi"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 || vecs[0][0] != 2 || vecs[1][0] != 5 || vecs[2][0] != 2 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if len(requests) != 1 || len(requests[0]) != 2 {
		t.Fatalf("expected one deduplicated request, got %v", requests)
	}

	if _, err := e.Embed(ctx, []string{"hello", "new text"}); err != nil {
		t.Fatalf("second Embed: %v", err)
	}
	if len(requests) != 2 || len(requests[1]) != 1 || requests[1][0] != "new text" {
		t.Errorf("expected only the unseen text to be sent, got %v", requests)
	}
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: srv.URL}).Embed(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected error mentioning HTTP 429, got %v", err)
	}
}
