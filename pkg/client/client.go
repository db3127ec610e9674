// Package client is a typed Go client for the governor control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/api"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/auditor"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/budget"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/gates"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/referee"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scheduler"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Code    string
	Detail  string
	TraceID string
	// Location names the scenario a halted scenario run left behind.
	Location string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("governor api %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("governor api %d: %s: %s", e.Status, e.Code, e.Detail)
}

// Unwrap maps the problem code back to the domain sentinel so callers can
// use errors.Is and contracts.IsHalt on remote failures.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeBudgetExceeded:
		return contracts.ErrBudgetExceeded
	case api.CodeKillSwitchActive:
		return contracts.ErrKillSwitchActive
	case api.CodeEmptyTranscript:
		return contracts.ErrEmptyTranscript
	case api.CodeNotFound:
		return contracts.ErrNotFound
	case api.CodeInvalidTransition:
		return contracts.ErrInvalidTransition
	}
	return nil
}

// Client calls the governor API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the admin bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			// Training batches and scenario runs are synchronous.
			Timeout: 5 * time.Minute,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: api.CodeInternal, Location: resp.Header.Get("Location")}
		var p api.Problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Error != "" {
			apiErr.Code = p.Error
			apiErr.Detail = p.Detail
			apiErr.TraceID = p.TraceID
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Train calls POST /train. A batchSize of zero lets the server pick.
func (c *Client) Train(ctx context.Context, batchSize int) (*scheduler.BatchResult, error) {
	var out scheduler.BatchResult
	if err := c.do(ctx, http.MethodPost, "/train", map[string]int{"batchSize": batchSize}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BudgetStatus calls GET /budget-status.
func (c *Client) BudgetStatus(ctx context.Context) (*budget.Status, error) {
	var out budget.Status
	if err := c.do(ctx, http.MethodGet, "/budget-status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillSwitch calls GET /kill-switch.
func (c *Client) KillSwitch(ctx context.Context) (*contracts.KillSwitchState, error) {
	var out contracts.KillSwitchState
	if err := c.do(ctx, http.MethodGet, "/kill-switch", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateKillSwitch halts all training.
func (c *Client) ActivateKillSwitch(ctx context.Context, reason string) (*contracts.KillSwitchState, error) {
	return c.killSwitch(ctx, "activate", reason)
}

// DeactivateKillSwitch resumes training. It requires an admin token.
func (c *Client) DeactivateKillSwitch(ctx context.Context) (*contracts.KillSwitchState, error) {
	return c.killSwitch(ctx, "deactivate", "")
}

func (c *Client) killSwitch(ctx context.Context, action, reason string) (*contracts.KillSwitchState, error) {
	var out contracts.KillSwitchState
	body := map[string]string{"action": action}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.do(ctx, http.MethodPost, "/kill-switch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PersonaAnalytics calls GET /analytics/personas.
func (c *Client) PersonaAnalytics(ctx context.Context) ([]referee.Stats, error) {
	var out []referee.Stats
	err := c.do(ctx, http.MethodGet, "/analytics/personas", nil, &out)
	return out, err
}

// Battle calls GET /battles/{id}.
func (c *Client) Battle(ctx context.Context, id string) (*contracts.Battle, error) {
	var out contracts.Battle
	if err := c.do(ctx, http.MethodGet, "/battles/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Breakthroughs lists flagged battles, optionally filtered by review status.
func (c *Client) Breakthroughs(ctx context.Context, statuses ...contracts.BattleStatus) ([]contracts.Battle, error) {
	path := "/breakthroughs"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var out []contracts.Battle
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ScanResult is the response of a breakthrough scan.
type ScanResult struct {
	Flagged int                `json:"flagged"`
	Battles []contracts.Battle `json:"battles"`
}

// ScanBreakthroughs calls POST /breakthroughs/scan.
func (c *Client) ScanBreakthroughs(ctx context.Context) (*ScanResult, error) {
	var out ScanResult
	if err := c.do(ctx, http.MethodPost, "/breakthroughs/scan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewBreakthrough records a review decision. It requires an admin token.
func (c *Client) ReviewBreakthrough(ctx context.Context, id string, decision contracts.BattleStatus) (*contracts.Battle, error) {
	var out contracts.Battle
	path := "/breakthroughs/" + url.PathEscape(id) + "/review"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"decision": string(decision)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InjectScenario creates a scenario from a raw objection and runs it.
func (c *Client) InjectScenario(ctx context.Context, rawObjection, basePersonaID string) (*contracts.Scenario, error) {
	var out contracts.Scenario
	body := map[string]string{"rawObjection": rawObjection, "basePersonaId": basePersonaID}
	if err := c.do(ctx, http.MethodPost, "/scenarios", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scenario calls GET /scenarios/{id}.
func (c *Client) Scenario(ctx context.Context, id string) (*contracts.Scenario, error) {
	var out contracts.Scenario
	if err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeScenario continues a halted scenario.
func (c *Client) ResumeScenario(ctx context.Context, id string) (*contracts.Scenario, error) {
	var out contracts.Scenario
	if err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckGates scores a transcript against the gates of mode.
func (c *Client) CheckGates(ctx context.Context, transcript string, currentGate int, mode string) (*gates.Result, error) {
	var out gates.Result
	body := map[string]any{"transcript": transcript, "currentGate": currentGate, "mode": mode}
	if err := c.do(ctx, http.MethodPost, "/gates/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit compares a transcript against the human baseline.
func (c *Client) Audit(ctx context.Context, transcript, battleID string) (*auditor.GapReport, error) {
	var out auditor.GapReport
	body := map[string]string{"transcript": transcript}
	if battleID != "" {
		body["battleId"] = battleID
	}
	if err := c.do(ctx, http.MethodPost, "/audit", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
