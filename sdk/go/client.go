package aapsdk

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

	"aapkit/internal/domain"
)

// Client is a minimal AAP HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix on the server; empty means /api.
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Template is a preset summary.
type Template struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Event represents an issuance log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Message carries the server's error text
// when the body had one.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Schemas returns every schema document keyed by file name.
func (c *Client) Schemas(ctx context.Context) (map[string]any, error) {
	var resp struct {
		Success bool           `json:"success"`
		Schemas map[string]any `json:"schemas"`
		Error   string         `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "schemas", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("schemas: %s", resp.Error)
	}
	return resp.Schemas, nil
}

// IssueToken asks the server to sign req.
func (c *Client) IssueToken(ctx context.Context, req domain.SignRequest) (domain.SignResponse, error) {
	var resp domain.SignResponse
	err := c.do(ctx, http.MethodPost, "generate-token", req, &resp)
	return resp, err
}

// Validate checks a full payload on the server.
func (c *Client) Validate(ctx context.Context, payload any) (domain.ValidationResult, error) {
	var resp domain.ValidationResult
	err := c.do(ctx, http.MethodPost, "validate", map[string]any{"payload": payload}, &resp)
	return resp, err
}

// ValidateClaim checks one claim (agent, task or capabilities).
func (c *Client) ValidateClaim(ctx context.Context, claim string, value any) (domain.ValidationResult, error) {
	var resp domain.ValidationResult
	endpoint := "validate/" + url.PathEscape(claim)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"payload": value}, &resp)
	return resp, err
}

// Templates lists the presets the server offers.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var resp []Template
	err := c.do(ctx, http.MethodGet, "templates", nil, &resp)
	return resp, err
}

// Template fetches one preset payload with fresh timestamps.
func (c *Client) Template(ctx context.Context, key string) (domain.TokenPayload, error) {
	var resp struct {
		Payload domain.TokenPayload `json:"payload"`
	}
	err := c.do(ctx, http.MethodGet, "templates/"+url.PathEscape(key), nil, &resp)
	return resp.Payload, err
}

// IssuedPage returns a page of the issuance log.
func (c *Client) IssuedPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "tokens"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b), Message: errorMessage(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// errorMessage pulls the error text out of either response shape the
// server uses: {"success":false,"error":"..."} or {"error":{"message":"..."}}.
func errorMessage(body []byte) string {
	var flat struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err != nil || len(flat.Error) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(flat.Error, &text); err == nil {
		return text
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(flat.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
