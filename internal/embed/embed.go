// Package embed maps text to vectors for candidate pre-filtering during
// dependency wiring.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/imkarma/weave/internal/config"
	"github.com/imkarma/weave/internal/store"
)

// Model turns text into a vector. Implementations must return the same
// vector for the same text within a session.
type Model interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Name() string
}

// New builds the model selected in cfg, wrapped in an LRU cache. Provider
// "none" returns a nil Model, which callers treat as "no embeddings".
func New(cfg config.Embedding) (Model, error) {
	var m Model
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		m = NewHashModel(cfg.Dimensions)
	case "ollama":
		m = NewOllamaModel(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
	c, err := NewCached(m, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// HashModel is an offline bag-of-words embedding: every lowercase word and
// word bigram is hashed into one of Dims buckets, and the vector is
// L2-normalized. Texts sharing vocabulary score high under Cosine.
type HashModel struct {
	Dims int
}

// NewHashModel returns a HashModel. dims <= 0 defaults to 256.
func NewHashModel(dims int) *HashModel {
	if dims <= 0 {
		dims = 256
	}
	return &HashModel{Dims: dims}
}

func (m *HashModel) Name() string { return fmt.Sprintf("hash-%d", m.Dims) }

func (m *HashModel) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, m.Dims)
	words := tokenize(text)
	for i, w := range words {
		m.add(vec, w)
		if i > 0 {
			m.add(vec, words[i-1]+" "+w)
		}
	}
	return normalize(vec), nil
}

func (m *HashModel) add(vec []float64, term string) {
	h := fnv.New64a()
	h.Write([]byte(term))
	sum := h.Sum64()
	idx := int(sum % uint64(m.Dims))
	if sum&(1<<63) != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "for": true, "in": true, "on": true, "with": true, "is": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	n := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// OllamaModel calls a local Ollama server's /api/embeddings endpoint.
type OllamaModel struct {
	BaseURL string
	Model   string
	client  *http.Client
}

// NewOllamaModel returns an OllamaModel. Empty values default to
// http://localhost:11434 and nomic-embed-text.
func NewOllamaModel(baseURL, model string) *OllamaModel {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaModel{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *OllamaModel) Name() string { return "ollama:" + m.Model }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (m *OllamaModel) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: m.Model, Prompt: text})
	if err != nil {
		return nil, m.fail(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, m.fail(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, m.fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, m.fail(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, m.fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	var out ollamaEmbedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, m.fail(fmt.Errorf("parse response: %w", err))
	}
	if len(out.Embedding) == 0 {
		return nil, m.fail(fmt.Errorf("empty embedding"))
	}
	return out.Embedding, nil
}

func (m *OllamaModel) fail(err error) error {
	return &store.CollaboratorError{Collaborator: "embedding:" + m.Name(), Op: "embed", Err: err}
}

// Cached memoizes another model's vectors in an LRU. Besides saving calls,
// it pins every text to its first vector for the rest of the session.
type Cached struct {
	inner Model
	cache *lru.Cache[string, []float64]
}

// NewCached wraps inner. size <= 0 defaults to 1024 entries.
func NewCached(inner Model, size int) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: c}, nil
}

func (c *Cached) Name() string { return c.inner.Name() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// Len reports how many vectors are cached.
func (c *Cached) Len() int { return c.cache.Len() }
