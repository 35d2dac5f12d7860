package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	// Reply generation can take tens of seconds; message sends get their own budget.
	defaultSendTimeout = 60 * time.Second
)

// Client talks to the FinanceBot backend. Every method returns errors from the
// taxonomy in errors.go.
type Client struct {
	baseURL     string
	http        *http.Client
	sendTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default request budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithSendTimeout sets the extended budget used for message sends.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithTransport installs a custom transport. The token guard is wired in here.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// New returns a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: defaultTimeout},
		sendTimeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL reports the configured backend address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.do(ctx, c.http, method, path, query, body, out)
}

// doJSONSlow runs one call under the extended send budget, on the same transport.
func (c *Client) doJSONSlow(ctx context.Context, method, path string, query url.Values, body, out any) error {
	slow := &http.Client{Timeout: c.sendTimeout, Transport: c.http.Transport}
	return c.do(ctx, slow, method, path, query, body, out)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &UnknownError{Detail: fmt.Sprintf("encode request: %v", err)}
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return &UnknownError{Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Normalize(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UnknownError{Detail: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// decodeAPIError turns a non-2xx response into an AuthError or ServerError,
// carrying the backend's {"detail": ...} string when one is present.
func decodeAPIError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		_ = json.Unmarshal(data, &body)
	}
	detail := strings.TrimSpace(body.Detail)
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return &ServerError{StatusCode: resp.StatusCode, Detail: detail}
}
