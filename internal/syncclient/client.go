// Package syncclient talks to the canonical store over HTTP.
package syncclient

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

	"example.com/activitysync/internal/domain"
)

// DefaultTimeout bounds every request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// ErrTransport matches every failure returned by Client.
var ErrTransport = errors.New("sync transport failed")

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Type       string
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Type, e.Detail)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

// Is lets errors.Is(err, ErrTransport) match HTTP failures.
func (e *HTTPError) Is(target error) bool {
	return target == ErrTransport
}

// Client submits batches and reads the canonical dataset. It never retries;
// the caller's local queue holds anything that failed.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the server address.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(strings.TrimSpace(url), "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New constructs a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    "http://localhost:4000",
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitBatch posts the batch to /sync. An acknowledgement without ok=true is a failure.
func (c *Client) SubmitBatch(ctx context.Context, batch domain.Batch) (domain.Ack, error) {
	if batch.Users == nil {
		batch.Users = []string{}
	}
	if batch.Progress == nil {
		batch.Progress = []domain.ProgressEntry{}
	}

	var ack domain.Ack
	if err := c.doJSON(ctx, http.MethodPost, "/sync", batch, &ack); err != nil {
		return domain.Ack{}, err
	}
	if !ack.OK {
		return domain.Ack{}, fmt.Errorf("%w: sync not acknowledged", ErrTransport)
	}
	return ack, nil
}

// FetchCanonical returns the whole canonical dataset.
func (c *Client) FetchCanonical(ctx context.Context) (domain.Document, error) {
	var doc domain.Document
	if err := c.doJSON(ctx, http.MethodGet, "/progress", nil, &doc); err != nil {
		return domain.Document{}, err
	}
	return doc.Normalize(), nil
}

// FetchCanonicalUsers returns the canonical user list.
func (c *Client) FetchCanonicalUsers(ctx context.Context) ([]string, error) {
	doc, err := c.FetchCanonical(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Users, nil
}

// Health checks that the server is reachable and healthy.
func (c *Client) Health(ctx context.Context) (domain.Health, error) {
	var health domain.Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return domain.Health{}, err
	}
	if !health.OK {
		return health, fmt.Errorf("%w: server reported unhealthy: %s", ErrTransport, health.Message)
	}
	return health, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrTransport, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransport, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Detail == "" {
			errPayload.Detail = strings.TrimSpace(string(payload))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Type: errPayload.Type, Detail: errPayload.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}
