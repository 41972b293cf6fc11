package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	service_registry "github.com/ahmadzakiakmal/milkchain/srvreg"
)

type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
	// Caller is sent as the caller address header when set.
	Caller string
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Latency    time.Duration
}

// Envelope is the node's reply: the handler body plus consensus metadata.
type Envelope struct {
	Body json.RawMessage `json:"body"`
	Meta struct {
		TxID        string `json:"tx_id"`
		RequestID   string `json:"request_id"`
		Status      string `json:"status"`
		BlockHeight int64  `json:"block_height"`
	} `json:"meta"`
}

// ErrorBody is the body of a rejected command or query.
type ErrorBody = service_registry.ErrorBody

type HTTPClient struct {
	BaseURL     string
	Client      *http.Client
	DefaultOpts RequestOptions
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		DefaultOpts: RequestOptions{
			Headers: map[string]string{},
			Timeout: 30 * time.Second,
		},
	}
}

// Call sends one request and reads the whole reply. Latency covers the
// round trip including the body read.
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &c.DefaultOpts
	}

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if opts.Caller != "" {
		req.Header.Set(service_registry.CallerHeader, opts.Caller)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

func (c *HTTPClient) GET(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodGet, endpoint, nil, opts)
}

func (c *HTTPClient) POST(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodPost, endpoint, body, opts)
}

func (c *HTTPClient) DELETE(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodDelete, endpoint, nil, opts)
}

// Decode unwraps the envelope and decodes its body into target. Replies
// outside the 2xx range come back as an error carrying the ledger code.
func Decode(resp *Response, target interface{}) (*Envelope, error) {
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body ErrorBody
		if err := json.Unmarshal(env.Body, &body); err != nil || body.Error == "" {
			return &env, fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		return &env, fmt.Errorf("%s: %s", body.Error, body.Message)
	}

	if target != nil && len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, target); err != nil {
			return &env, fmt.Errorf("failed to unmarshal envelope body: %w", err)
		}
	}
	return &env, nil
}
