package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Embedder turns texts into vectors for EmbeddingScorer. The result has one
// vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedderConfig configures OpenAIEmbedder. Empty fields take the
// defaults shown.
type OpenAIEmbedderConfig struct {
	APIKey  string
	BaseURL string        // https://api.openai.com/v1
	Model   string        // text-embedding-3-small
	Timeout time.Duration // 30s
	// MemoSize bounds the per-process vector memo. Default: 512 texts.
	MemoSize int
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Remembered
// user messages are embedded again on every lookup, so vectors are memoised
// by text; only texts not yet seen are sent. It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client

	mu   sync.Mutex
	memo map[string][]float32
}

// NewOpenAIEmbedder creates an OpenAIEmbedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 512
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		memo:   make(map[string][]float32),
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns one vector per text, sending a single request for the texts
// that are not memoised.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	e.mu.Lock()
	for i, t := range texts {
		if v, ok := e.memo[t]; ok {
			out[i] = v
		} else if !slices.Contains(missing, t) {
			missing = append(missing, t)
		}
	}
	e.mu.Unlock()

	if len(missing) > 0 {
		vectors, err := e.request(ctx, missing)
		if err != nil {
			return nil, err
		}
		e.remember(missing, vectors)
		fresh := make(map[string][]float32, len(missing))
		for i, t := range missing {
			fresh[t] = vectors[i]
		}
		for i, t := range texts {
			if out[i] == nil {
				out[i] = fresh[t]
			}
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) remember(texts []string, vectors [][]float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.memo)+len(texts) > e.cfg.MemoSize {
		clear(e.memo)
	}
	for i, t := range texts {
		e.memo[t] = vectors[i]
	}
}

func (e *OpenAIEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: e.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder: read response: %w", err)
	}
	var decoded embeddingResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("embedder: HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	switch {
	case decoded.Error != nil:
		return nil, fmt.Errorf("embedder: HTTP %d: %s: %s", resp.StatusCode, decoded.Error.Type, decoded.Error.Message)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("embedder: HTTP %d", resp.StatusCode)
	case len(decoded.Data) != len(texts):
		return nil, fmt.Errorf("embedder: got %d vectors for %d inputs", len(decoded.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedder: vector index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
