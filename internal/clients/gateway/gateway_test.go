package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	c := New(zerolog.Nop())
	c.SetBackoffBase(time.Millisecond)
	return c
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"retCode":0}`))
	}))
	defer server.Close()

	c := newTestClient()
	query := url.Values{}
	query.Set("symbol", "BTCUSDT")

	body, err := c.Do(context.Background(), Request{Method: "GET", URL: server.URL, Query: query})
	require.NoError(t, err)
	assert.JSONEq(t, `{"retCode":0}`, string(body))
}

func TestDo_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := newTestClient()
	body, err := c.Do(context.Background(), Request{Method: "GET", URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDo_RateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), Request{Method: "GET", URL: server.URL})
	require.Error(t, err)

	var rateLimitErr *RateLimitExhaustedError
	require.True(t, errors.As(err, &rateLimitErr))
	assert.Equal(t, 5, rateLimitErr.Attempts)
}

func TestDo_HTTPErrorNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"msg":"invalid signature"}`))
	}))
	defer server.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), Request{Method: "GET", URL: server.URL})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "invalid signature")
	assert.Equal(t, 1, calls, "non-429 errors must not be retried")
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	c := newTestClient()
	_, err := c.Do(context.Background(), Request{Method: "GET", URL: server.URL})
	require.Error(t, err)

	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(zerolog.Nop())
	c.SetBackoffBase(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Method: "GET", URL: server.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
