package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geeknoid/cargo-rank/retry"
)

const DefaultUserAgent = "cargo-rank (https://github.com/geeknoid/cargo-rank)"

// maxBody bounds how much of a response is read into memory.
const maxBody = 256 << 20

// Client performs single HTTP requests and maps their outcome onto the retry
// taxonomy. It never retries by itself; callers run it under a retry.Coordinator.
type Client struct {
	http    *http.Client
	headers map[string]string
	now     func() time.Time
}

func NewClient(httpClient *http.Client, headers map[string]string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	h := map[string]string{"User-Agent": DefaultUserAgent}
	for k, v := range headers {
		h[k] = v
	}
	return &Client{http: httpClient, headers: h, now: time.Now}
}

// GetJSON performs a GET and decodes the JSON body into v.
// A body that does not decode is a permanent parse error.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, _, err := c.Get(ctx, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return retry.ParseError(fmt.Errorf("GET %s: %w", url, err))
	}
	return nil
}

// PostJSON sends payload as JSON and decodes the JSON response into v.
func (c *Client) PostJSON(ctx context.Context, url string, payload, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	body, _, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(data), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return retry.ParseError(fmt.Errorf("POST %s: %w", url, err))
	}
	return nil
}

// Get performs a GET and returns the raw body and response headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodGet, url, nil, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, retry.Transient(fmt.Errorf("%s %s: %w", method, url, err))
	}
	defer resp.Body.Close()

	what := method + " " + url
	if err := retry.FromStatus(resp.StatusCode, resp.Header, c.now(), what); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.Header, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.Header, retry.Transient(fmt.Errorf("%s: read body: %w", what, err))
	}
	return data, resp.Header, nil
}
