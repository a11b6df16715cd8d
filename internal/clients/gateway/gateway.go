// Package gateway is the single HTTP boundary for all upstream market APIs.
// Every exchange client goes through Do, which owns timeouts, 429 retry
// with exponential backoff, and the error taxonomy callers branch on.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	requestTimeout   = 15 * time.Second
	maxAttempts      = 5
	baseBackoffDelay = 5 * time.Second
)

// Request describes one upstream HTTP call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Requester is implemented by the Client and by test fakes.
type Requester interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// Client executes upstream requests with retry handling.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger

	// backoffBase is overridable in tests to avoid real sleeps
	backoffBase time.Duration
}

// New creates a gateway client.
func New(log zerolog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: requestTimeout},
		log:         log.With().Str("component", "gateway").Logger(),
		backoffBase: baseBackoffDelay,
	}
}

// Do executes the request. 429 responses are retried with exponential
// backoff (base delay doubling per attempt); any other non-2xx status is
// returned immediately as *HTTPError. Transport failures become
// *NetworkError. The response body is returned raw for the caller to decode.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	fullURL := req.URL
	if len(req.Query) > 0 {
		fullURL = req.URL + "?" + req.Query.Encode()
	}

	var lastStatus int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			c.log.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Rate limited, backing off before retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, status, err := c.doOnce(ctx, req.Method, fullURL, req.Headers, req.Body)
		if err != nil {
			return nil, err
		}

		if status == http.StatusTooManyRequests {
			lastStatus = status
			continue
		}

		if status < 200 || status > 299 {
			c.log.Error().
				Int("status_code", status).
				Str("url", req.URL).
				Str("response_body", truncate(string(body), 500)).
				Msg("API returned non-2xx status")
			return nil, &HTTPError{URL: req.URL, StatusCode: status, Body: string(body)}
		}

		return json.RawMessage(body), nil
	}

	c.log.Error().
		Str("url", req.URL).
		Int("attempts", maxAttempts).
		Int("last_status", lastStatus).
		Msg("Rate limit retries exhausted")
	return nil, &RateLimitExhaustedError{URL: req.URL, Attempts: maxAttempts}
}

func (c *Client) doOnce(ctx context.Context, method, fullURL string, headers map[string]string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &NetworkError{URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &NetworkError{URL: fullURL, Err: err}
	}

	return respBody, resp.StatusCode, nil
}

// SetBackoffBase overrides the 429 backoff base delay. Test hook.
func (c *Client) SetBackoffBase(d time.Duration) {
	c.backoffBase = d
}
