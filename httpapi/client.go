package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/tanaka/schema"
)

// Client talks to a running control API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient constructs a Client for baseURL (for example http://127.0.0.1:27490).
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Status fetches the sync status.
func (c *Client) Status(ctx context.Context) (schema.Status, error) {
	var out schema.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Settings fetches the redacted settings.
func (c *Client) Settings(ctx context.Context) (schema.UserSettings, error) {
	var out schema.UserSettings
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

// UpdateSettings applies a patch.
func (c *Client) UpdateSettings(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error) {
	var out schema.UserSettings
	err := c.do(ctx, http.MethodPatch, "/api/settings", patch, &out)
	return out, err
}

// Sync triggers a sync cycle and returns the status afterwards.
func (c *Client) Sync(ctx context.Context) (schema.Status, error) {
	var out schema.Status
	err := c.do(ctx, http.MethodPost, "/api/sync", nil, &out)
	return out, err
}

// Snapshot fetches the tracked windows and tabs.
func (c *Client) Snapshot(ctx context.Context) (schema.Snapshot, error) {
	var out schema.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, payload.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
