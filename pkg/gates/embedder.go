package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"google.golang.org/genai"
)

// Embedding represents a vector.
type Embedding []float32

// Embedder interface for getting vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors have similarity 0.
func CosineSimilarity(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, am, bm float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		am += float64(a[i]) * float64(a[i])
		bm += float64(b[i]) * float64(b[i])
	}
	if am == 0 || bm == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(am) * math.Sqrt(bm)), nil
}

// HashingEmbedder is a local bag-of-words embedder using signed feature
// hashing. It needs no network and is deterministic, which makes it the
// default for tests and offline runs.
type HashingEmbedder struct {
	Dims int
}

func NewHashingEmbedder() *HashingEmbedder { return &HashingEmbedder{Dims: 512} }

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true, "is": true,
	"it": true, "in": true, "on": true, "for": true, "you": true, "i": true, "we": true,
	"that": true, "this": true, "my": true, "your": true, "are": true, "be": true,
	"with": true, "so": true, "do": true, "can": true, "if": true, "at": true, "me": true,
}

func (e *HashingEmbedder) Embed(_ context.Context, text string) (Embedding, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = 512
	}
	v := make(Embedding, dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, tok := range tokens {
		if stopwords[tok] {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[int(sum%uint32(dims))] += sign
	}
	return v, nil
}

// OpenAIEmbedder uses OpenAI API to generate embeddings.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.apiKey == "" {
		return nil, errors.New("missing openai api key")
	}

	jsonBody, err := json.Marshal(map[string]any{"input": text, "model": e.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// GenAIEmbedder generates embeddings using Google's Gemini API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
