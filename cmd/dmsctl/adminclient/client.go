// Package adminclient is dmsctl's HTTP client for the admin API
// (internal/adminapi): the read-only/soft-delete surface dmsctl's
// "mounts" subcommands talk to, as opposed to the probe mount/unmount
// subcommands which embed the coordinator directly (see
// cmd/dmsctl/commands/mount.go).
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client calls the dms-server admin HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://node1:8090"),
// authorizing every request with the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("admin API read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("admin API: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("admin API returned HTTP %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ListActive calls GET /mounts?host=&target_id=.
func (c *Client) ListActive(ctx context.Context, host, targetID string) ([]map[string]any, error) {
	q := url.Values{}
	if host != "" {
		q.Set("host", host)
	}
	if targetID != "" {
		q.Set("target_id", targetID)
	}
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/mounts/", q, &out)
	return out, err
}

// Status calls GET /mounts/{target_id}/status?job_id=&host=.
func (c *Client) Status(ctx context.Context, targetID string, jobID int64, host string) (map[string]any, error) {
	q := url.Values{"job_id": {strconv.FormatInt(jobID, 10)}, "host": {host}}
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/mounts/"+targetID+"/status", q, &out)
	return out, err
}

// History calls GET /mounts/{target_id}/history?limit=.
func (c *Client) History(ctx context.Context, targetID string, limit int) ([]map[string]any, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/mounts/"+targetID+"/history", q, &out)
	return out, err
}

// SoftDelete calls DELETE /mounts/{target_id}?job_id=&host=.
func (c *Client) SoftDelete(ctx context.Context, targetID string, jobID int64, host string) error {
	q := url.Values{"job_id": {strconv.FormatInt(jobID, 10)}, "host": {host}}
	return c.do(ctx, http.MethodDelete, "/mounts/"+targetID, q, nil)
}
