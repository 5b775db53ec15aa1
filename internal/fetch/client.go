// Package fetch downloads the published range documents and their HTTP metadata.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipranges/internal/ranges"
)

const (
	// MaxResponseBytes caps the size of a downloaded document.
	MaxResponseBytes = 32 << 20

	defaultTimeout = 30 * time.Second
)

// Metadata holds the change fingerprints returned for a HEAD request.
type Metadata struct {
	ETag         string
	LastModified string
}

// Client performs the GET and HEAD requests against range endpoints.
type Client struct {
	httpClient *http.Client
	userAgent  string
	policy     Policy
	onAttempt  func(url string, attempt int)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, timeout included.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithPolicy sets the retry policy used by FetchJSON.
func WithPolicy(p Policy) Option {
	return func(client *Client) {
		client.policy = p
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// WithAttemptHook registers a callback invoked before every GET attempt.
func WithAttemptHook(fn func(url string, attempt int)) Option {
	return func(client *Client) {
		client.onAttempt = fn
	}
}

// NewClient creates a Client whose requests time out after timeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		policy:     DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchJSON downloads url and validates it as JSON, retrying transient
// failures according to the client's policy. It returns the raw body and the
// decoded value of the first successful attempt.
func (c *Client) FetchJSON(ctx context.Context, url string) ([]byte, any, error) {
	var (
		raw    []byte
		parsed any
	)

	err := c.policy.Do(ctx, func(attempt int) error {
		if c.onAttempt != nil {
			c.onAttempt(url, attempt)
		}

		body, err := c.get(ctx, url)
		if err != nil {
			log.Warn("Download attempt failed", "url", url, "attempt", attempt, "error", err)
			return err
		}

		doc, err := ranges.Decode(body)
		if err != nil {
			err = &MalformedResponseError{URL: url, Err: err}
			log.Warn("Download attempt returned invalid JSON", "url", url, "attempt", attempt, "error", err)
			return err
		}

		raw, parsed = body, doc
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Debug("Downloaded document", "url", url, "bytes", len(raw))
	return raw, parsed, nil
}

// FetchMetadata issues a single HEAD request and returns the ETag and
// Last-Modified headers. Missing headers come back as empty strings.
func (c *Client) FetchMetadata(ctx context.Context, url string) (Metadata, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return Metadata{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}, &NetworkError{URL: url, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	return Metadata{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &NetworkError{
			URL:    url,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(body) > MaxResponseBytes {
		return nil, &MalformedResponseError{URL: url, Err: fmt.Errorf("body exceeds %d bytes", MaxResponseBytes)}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}
