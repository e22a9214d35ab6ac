package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	Token           string
	RequestTimeout  time.Duration
	DownloadRetries int
	UserAgent       string
}

// Client talks to the meeting backend.
//
// Task and job endpoints go through http, which never retries: a retried
// submission would create a duplicate task and a retried poll would hide
// failures from the poller's own counters. Artifact downloads are idempotent
// and go through downloads, which retries on 429 and 5xx.
type Client struct {
	baseURL        string
	requestTimeout time.Duration
	http           *resty.Client
	downloads      *resty.Client
}

// NewClient creates a new meeting backend client
func NewClient(baseURL string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "meetaudio-desktop"
	}

	client := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		requestTimeout: opts.RequestTimeout,
	}

	// Deadlines are applied per request through the context so the long
	// wait can outlive the ordinary request timeout.
	client.http = resty.New().
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "application/json")

	client.downloads = resty.New().
		SetHeader("User-Agent", opts.UserAgent).
		SetTimeout(5 * time.Minute).
		SetRetryCount(opts.DownloadRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == http.StatusTooManyRequests || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	if opts.Token != "" {
		client.http.SetAuthToken(opts.Token)
		client.downloads.SetAuthToken(opts.Token)
	}

	return client
}

// BaseURL returns the backend root the client was built for
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs a GET request bounded by the default request timeout
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	return c.GetWithTimeout(ctx, endpoint, params, c.requestTimeout)
}

// GetWithTimeout performs a GET request bounded by timeout instead of the default
func (c *Client) GetWithTimeout(ctx context.Context, endpoint string, params map[string]string, timeout time.Duration) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// Post performs a JSON POST request
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// FilePart is a file field of a multipart upload
type FilePart struct {
	Field    string
	FileName string
	Reader   io.Reader
}

// PostMultipart performs a multipart/form-data POST with one file part.
// Uploads of large recordings get five times the default timeout.
func (c *Client) PostMultipart(ctx context.Context, endpoint string, fields map[string]string, file FilePart) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*c.requestTimeout)
	defer cancel()

	return c.http.R().
		SetContext(ctx).
		SetMultipartFormData(fields).
		SetFileReader(file.Field, file.FileName, file.Reader).
		Post(c.buildURL(endpoint))
}

// Download fetches a binary artifact with retries on 429/5xx
func (c *Client) Download(ctx context.Context, endpoint string) (*resty.Response, error) {
	return c.downloads.R().
		SetContext(ctx).
		Get(c.buildURL(endpoint))
}

// ServiceStatus is the readiness report of the backend
type ServiceStatus struct {
	Success             bool                   `json:"success"`
	ASRReady            bool                   `json:"asr_client_initialized"`
	WriterReady         bool                   `json:"ai_writer_initialized"`
	Version             string                 `json:"version"`
	StorageInfo         map[string]interface{} `json:"storage_info,omitempty"`
	MissingConfigs      []string               `json:"missing_configs,omitempty"`
	ConfigurationErrors []string               `json:"config_errors,omitempty"`

	// Backend is the root that answered, filled in by the client
	Backend string `json:"backend"`
}

// Ready reports whether both transcription and minutes generation are available
func (s *ServiceStatus) Ready() bool {
	return s.Success && s.ASRReady && s.WriterReady
}

// Status probes backend readiness
func (c *Client) Status(ctx context.Context) (*ServiceStatus, error) {
	resp, err := c.Get(ctx, "api/status", nil)
	if err != nil {
		return nil, fmt.Errorf("status probe of %s failed: %w", c.BaseURL(), err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("status probe of %s returned HTTP %d: %s", c.BaseURL(), resp.StatusCode(), resp.String())
	}

	var status ServiceStatus
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	status.Backend = c.BaseURL()
	return &status, nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
