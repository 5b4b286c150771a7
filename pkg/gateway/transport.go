package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultTimeout bounds a single HTTP exchange when no client is supplied.
const DefaultTimeout = 10 * time.Second

// RawResponse is what a Transport hands back for any response received,
// whatever its status.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPTransport is the default Transport. It resolves request targets against
// a base URL and keeps cookies between calls so a refresh cookie set at login
// is presented to the refresh endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying client. The client's Jar is used as-is.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithRoundTripper sets the RoundTripper of the underlying client, for
// logging or rate-limiting middleware.
func WithRoundTripper(rt http.RoundTripper) TransportOption {
	return func(t *HTTPTransport) {
		t.client.Transport = rt
	}
}

// WithTimeout sets the per-exchange timeout of the underlying client.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		t.client.Timeout = d
	}
}

// NewHTTPTransport creates a Transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// BaseURL returns the URL targets are resolved against.
func (t *HTTPTransport) BaseURL() string { return t.baseURL }

// Client returns the underlying HTTP client.
func (t *HTTPTransport) Client() *http.Client { return t.client }

// Send performs one HTTP exchange. A non-nil error means no response was
// received; every status code, including 4xx and 5xx, is returned as a
// RawResponse.
func (t *HTTPTransport) Send(
	ctx context.Context,
	method, target string,
	header http.Header,
	body []byte,
) (*RawResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
