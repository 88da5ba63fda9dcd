// Package secretclient fetches S3-style credentials referenced by a backup
// target's secret_ref (spec §1, external secret store collaborator), via a
// two-step HTTP GET: secret metadata, then its payload, each authorized by
// the bearer token carried on the originating MountRequest.
package secretclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
)

// Client fetches secret payloads from an external secret store over HTTP.
type Client struct {
	httpClient *http.Client
	verifySSL  bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithInsecureSkipVerify disables TLS certificate verification. Mirrors the
// original's verify_ssl=False default; DMS defaults to verifying certs and
// callers must opt out explicitly.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		tr, ok := c.httpClient.Transport.(*http.Transport)
		if !ok {
			return
		}
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
}

// New creates a secret client with a 30s default timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type secretMetadata struct {
	ContentTypes map[string]string `json:"content_types"`
}

// FetchPayload retrieves the secret at secretRef, authorized with token, and
// returns its payload as a JSON object when the content type is JSON or the
// body looks like one, or as {"raw_payload": "..."} otherwise — matching the
// original secret manager's fallback behavior.
func (c *Client) FetchPayload(ctx context.Context, secretRef, token string) (map[string]any, error) {
	if secretRef == "" {
		return nil, dmserrors.NewValidationError("secret_ref is required")
	}
	if token == "" {
		return nil, dmserrors.NewValidationError("token is required")
	}

	meta, err := c.fetchMetadata(ctx, secretRef, token)
	if err != nil {
		return nil, err
	}

	contentType := meta.ContentTypes["default"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	payloadURL := secretRef + "/payload"
	body, err := c.get(ctx, payloadURL, token, contentType, "payload")
	if err != nil {
		return nil, err
	}

	return parsePayload(body, contentType), nil
}

func (c *Client) fetchMetadata(ctx context.Context, secretRef, token string) (*secretMetadata, error) {
	body, err := c.get(ctx, secretRef, token, "application/json", "metadata")
	if err != nil {
		return nil, err
	}

	var meta secretMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		logger.Warn("secret metadata was not valid JSON, proceeding with octet-stream default",
			logger.Err(err))
		return &secretMetadata{}, nil
	}
	return &meta, nil
}

func (c *Client) get(ctx context.Context, url, token, accept, stage string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, dmserrors.NewSecretError(fmt.Sprintf("failed to build %s request", stage), err)
	}
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, dmserrors.NewSecretError(fmt.Sprintf("failed to reach secret store for %s", stage), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dmserrors.NewSecretError(fmt.Sprintf("failed to read %s response", stage), err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized:
		return nil, dmserrors.NewSecretError(fmt.Sprintf("token rejected fetching secret %s", stage), nil)
	case http.StatusForbidden:
		return nil, dmserrors.NewSecretError(fmt.Sprintf("access denied fetching secret %s", stage), nil)
	case http.StatusNotFound:
		return nil, dmserrors.NewSecretError(fmt.Sprintf("secret %s not found at %s", stage, url), nil)
	default:
		return nil, dmserrors.NewSecretError(
			fmt.Sprintf("unexpected status %d fetching secret %s", resp.StatusCode, stage), nil)
	}
}

func parsePayload(body []byte, contentType string) map[string]any {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return map[string]any{}
	}

	looksJSON := strings.Contains(strings.ToLower(contentType), "json") || strings.HasPrefix(text, "{")
	if looksJSON {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			return payload
		}
		logger.Warn("secret payload looked like JSON but failed to parse, returning raw")
	}

	return map[string]any{"raw_payload": text}
}
