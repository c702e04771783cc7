package tanakaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/version"
	"pkt.systems/tanaka/schema"
)

const (
	// DefaultTimeout bounds a single call when the context carries no deadline.
	DefaultTimeout = 30 * time.Second
	// MaxResponseBytes bounds decoded response bodies.
	MaxResponseBytes = 16 << 20

	syncPath   = "/sync"
	healthPath = "/health"
)

// Endpoint is the server url and credential for one call.
type Endpoint struct {
	URL   string
	Token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithTimeout sets the per-call ceiling.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client talks to the coordination server over HTTP and JSON.
type Client struct {
	http    *http.Client
	timeout time.Duration
	agent   string
	log     pslog.Logger
}

// New constructs a client.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		agent:   version.UserAgent(),
		log:     pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sync sends local changes and the last cursor and returns remote deltas.
func (c *Client) Sync(ctx context.Context, ep Endpoint, req schema.SyncRequest) (schema.SyncResponse, error) {
	const op = "sync"
	if err := schema.ValidateServerURL(ep.URL); err != nil {
		return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	if strings.TrimSpace(ep.Token) == "" {
		return schema.SyncResponse{}, &Error{Kind: KindAuth, Op: op, Err: schema.ErrMissingAuthToken}
	}
	if req.Changes == nil {
		req.Changes = []schema.ChangeEvent{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(ep.URL, syncPath), bytes.NewReader(body))
	if err != nil {
		return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+ep.Token)
	requestID := uuid.NewString()
	httpReq.Header.Set("X-Request-Id", requestID)
	httpReq.Header.Set("User-Agent", c.agent)

	log := c.log.With("request_id", requestID)
	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Debug("tanakaapi sync transport failed", "err", err)
		return schema.SyncResponse{}, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError(op, resp); err != nil {
		log.Debug("tanakaapi sync rejected", "status", resp.StatusCode, "err", err)
		return schema.SyncResponse{}, err
	}
	var out schema.SyncResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseBytes))
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return schema.SyncResponse{}, &Error{Kind: KindNetwork, Op: op, Err: err}
		}
		return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Cursor == schema.InitialCursor {
		return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Err: errors.New("response without cursor")}
	}
	for i, change := range out.Changes {
		if err := schema.ValidateChange(change); err != nil {
			return schema.SyncResponse{}, &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("change %d: %w", i, err)}
		}
	}
	log.Debug("tanakaapi sync ok", "sent", len(req.Changes), "received", len(out.Changes), "elapsed", time.Since(started))
	return out, nil
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context, serverURL string) error {
	const op = "health"
	if err := schema.ValidateServerURL(serverURL); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL(serverURL, healthPath), nil)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	httpReq.Header.Set("User-Agent", c.agent)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return statusError(op, resp)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func statusError(op string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))
	if detail == "" {
		detail = http.StatusText(code)
	}
	err := errors.New(detail)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, Status: code, Err: err}
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return &Error{Kind: KindNetwork, Op: op, Status: code, Err: err}
	default:
		return &Error{Kind: KindProtocol, Op: op, Status: code, Err: err}
	}
}

func endpointURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}
