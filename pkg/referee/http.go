package referee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

const maxResponseBytes = 4 << 20

// judgeSchema guards against malformed verdicts before they reach storage.
const judgeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["refereeScore", "verbalYesToPrice", "documentStatus"],
  "properties": {
    "refereeScore":     {"type": "number", "minimum": 0, "maximum": 100},
    "mathDefenseScore": {"type": "number", "minimum": 0, "maximum": 100},
    "humanityScore":    {"type": "number", "minimum": 0, "maximum": 100},
    "successScore":     {"type": "number", "minimum": 0, "maximum": 100},
    "verbalYesToPrice": {"type": "boolean"},
    "documentStatus":   {"enum": ["pending", "sent", "completed"]},
    "costUsd":          {"type": ["string", "number"]},
    "tokenUsage": {
      "type": "object",
      "properties": {
        "input":  {"type": "integer", "minimum": 0},
        "output": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

const judgeSchemaURL = "https://governor.schemas.local/referee/judge.schema.json"

// HTTPClient talks to the synthesis/judge service over JSON.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	schema  *jsonschema.Schema
}

// NewHTTPClient paces calls at rps requests per second.
func NewHTTPClient(baseURL, apiKey string, rps float64, timeout time.Duration) (*HTTPClient, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(judgeSchemaURL, strings.NewReader(judgeSchema)); err != nil {
		return nil, fmt.Errorf("referee schema load failed: %w", err)
	}
	compiled, err := c.Compile(judgeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("referee schema compile failed: %w", err)
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		schema:  compiled,
	}, nil
}

type synthesizeRequest struct {
	Persona *contracts.Persona `json:"persona"`
	Options Options            `json:"options"`
}

type judgeRequest struct {
	Transcript *Transcript `json:"transcript"`
	Options    Options     `json:"options"`
}

func (c *HTTPClient) Synthesize(ctx context.Context, persona *contracts.Persona, opts Options) (*Transcript, error) {
	raw, err := c.post(ctx, "synthesize", synthesizeRequest{Persona: persona, Options: opts})
	if err != nil {
		return nil, err
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: "synthesize", Err: fmt.Errorf("decode: %w", err)}
	}
	if strings.TrimSpace(t.Text) == "" {
		return nil, contracts.ErrEmptyTranscript
	}
	return &t, nil
}

func (c *HTTPClient) Judge(ctx context.Context, transcript *Transcript, opts Options) (*Scores, error) {
	raw, err := c.post(ctx, "judge", judgeRequest{Transcript: transcript, Options: opts})
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: "judge", Err: fmt.Errorf("decode: %w", err)}
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: "judge", Err: fmt.Errorf("malformed verdict: %w", err)}
	}
	var s Scores
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: "judge", Err: fmt.Errorf("decode: %w", err)}
	}
	return &s, nil
}

func (c *HTTPClient) post(ctx context.Context, op string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("referee: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("referee: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &contracts.ProviderError{Provider: "referee", Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &contracts.ProviderError{Provider: "referee", Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
