// Package client talks to the elemta-queue admin API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/queue"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

// Client represents an API client for the queue service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// EnvelopeDetail is an envelope with its delivery states.
type EnvelopeDetail struct {
	Envelope *envelope.Envelope `json:"envelope"`
	States   []scheduler.State  `json:"states"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a new API client. A base URL without a scheme is
// treated as http.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Stats returns the queue statistics.
func (c *Client) Stats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &stats)
	return stats, err
}

// States lists delivery states matching f.
func (c *Client) States(ctx context.Context, f store.Filter) ([]scheduler.State, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Domain != "" {
		q.Set("domain", f.Domain)
	}
	if f.EnvelopeID != "" {
		q.Set("envelope", f.EnvelopeID)
	}
	q.Set("limit", strconv.Itoa(f.Limit))

	var states []scheduler.State
	err := c.do(ctx, http.MethodGet, "/api/queue/states?"+q.Encode(), nil, &states)
	return states, err
}

// Envelope returns an envelope and its states.
func (c *Client) Envelope(ctx context.Context, id string) (*EnvelopeDetail, error) {
	var detail EnvelopeDetail
	if err := c.do(ctx, http.MethodGet, "/api/queue/envelope/"+url.PathEscape(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Flush makes the waiting states of domain due now. An empty domain
// flushes every domain.
func (c *Client) Flush(ctx context.Context, domain string) (int, error) {
	path := "/api/queue/flush"
	if domain != "" {
		path += "?domain=" + url.QueryEscape(domain)
	}
	var resp struct {
		Flushed int `json:"flushed"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp.Flushed, err
}

// Enqueue submits a message and returns its envelope id.
func (c *Client) Enqueue(ctx context.Context, sender string, rcpts []string, content []byte) (string, error) {
	req := map[string]any{
		"sender":     sender,
		"recipients": rcpts,
		"content":    string(content),
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/queue/enqueue", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
