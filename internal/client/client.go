// Package client talks to a running kubebox server. It keeps the session
// cookie in a jar so consecutive calls stay bound to one sandbox.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Sandbox describes the sandbox bound to this client.
type Sandbox struct {
	SandboxID string    `json:"sandboxId"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	ExpiresIn int64     `json:"expiresIn"` // seconds
	Reused    bool      `json:"reused,omitempty"`
}

// SandboxInfo is one entry of the admin listing.
type SandboxInfo struct {
	SandboxID string    `json:"sandboxId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Consoles  int       `json:"consoles"`
}

// Client is a kubebox API client. It is not safe to share between
// unrelated callers: the jar holds one session.
type Client struct {
	base       *url.URL
	http       *http.Client
	adminToken string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its jar is replaced.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAdminToken sets the bearer token for admin endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c.http.Jar = jar
	return c, nil
}

// Create creates a sandbox, or returns the one already bound to this client.
func (c *Client) Create(ctx context.Context, image string) (*Sandbox, error) {
	var sb Sandbox
	body := map[string]string{}
	if image != "" {
		body["image"] = image
	}
	if err := c.do(ctx, http.MethodPost, "/api/sandbox", body, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Status returns the bound sandbox.
func (c *Client) Status(ctx context.Context) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, "/api/sandbox", nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Exec runs a kubectl command line in the bound sandbox.
func (c *Client) Exec(ctx context.Context, command string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sandbox/exec", map[string]string{"command": command}, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// Delete deletes the bound sandbox.
func (c *Client) Delete(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/sandbox", nil, nil)
}

// List returns every sandbox the server tracks. It needs the admin token
// when the server has one configured.
func (c *Client) List(ctx context.Context) ([]SandboxInfo, error) {
	var out []SandboxInfo
	if err := c.do(ctx, http.MethodGet, "/api/sandboxes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
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

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
