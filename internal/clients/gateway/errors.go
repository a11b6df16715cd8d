package gateway

import "fmt"

// NetworkError indicates the request never produced an HTTP response
// (DNS failure, connection refused, timeout).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error requesting %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError indicates a non-2xx response. Body is truncated for logging
// but preserved for callers that need to inspect exchange error payloads.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, truncate(e.Body, 200))
}

// RateLimitExhaustedError indicates the retry budget for 429 responses ran out.
type RateLimitExhaustedError struct {
	URL      string
	Attempts int
}

func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf("rate limit retries exhausted after %d attempts for %s", e.Attempts, e.URL)
}

// MissingCredentialsError indicates an authenticated call was attempted
// without the required key material. Raised before any network I/O.
type MissingCredentialsError struct {
	Exchange string
	Field    string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("missing %s for %s", e.Field, e.Exchange)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
