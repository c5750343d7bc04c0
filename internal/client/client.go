// Package client is a small HTTP client for the classes API used by classctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"classes-api/internal/classes"
	"classes-api/internal/models"
)

// APIError carries the status and message of a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	base   *url.URL
	tenant string
	http   *http.Client
}

func New(baseURL, tenant string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("server url must include scheme and host")
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: parsed, tenant: tenant, http: httpClient}, nil
}

func (c *Client) ListClasses(ctx context.Context, skip, limit int) (classes.ListResult, error) {
	query := url.Values{}
	if skip > 0 {
		query.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result classes.ListResult
	_, err := c.do(ctx, http.MethodGet, c.tenantPath("classes"), query, "", nil, &result)
	return result, err
}

func (c *Client) GetClass(ctx context.Context, id string) (models.Class, error) {
	var class models.Class
	_, err := c.do(ctx, http.MethodGet, c.tenantPath("classes", id), nil, "", nil, &class)
	return class, err
}

func (c *Client) CreateClass(ctx context.Context, doc classes.Document) (models.Class, error) {
	var class models.Class
	_, err := c.do(ctx, http.MethodPost, c.tenantPath("classes"), nil, "", doc, &class)
	return class, err
}

func (c *Client) ReplaceClass(ctx context.Context, id, etag string, doc classes.Document) (models.Class, error) {
	var class models.Class
	_, err := c.do(ctx, http.MethodPut, c.tenantPath("classes", id), nil, etag, doc, &class)
	return class, err
}

func (c *Client) DeleteClass(ctx context.Context, id, etag string) error {
	_, err := c.do(ctx, http.MethodDelete, c.tenantPath("classes", id), nil, etag, nil, nil)
	return err
}

// BatchDelete submits ids for asynchronous deletion and returns the job as
// first recorded.
func (c *Client) BatchDelete(ctx context.Context, ids []string) (models.Job, error) {
	if ids == nil {
		ids = []string{}
	}
	var job models.Job
	_, err := c.do(ctx, http.MethodDelete, c.tenantPath("classes"), nil, "", map[string][]string{"ids": ids}, &job)
	return job, err
}

func (c *Client) Job(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	_, err := c.do(ctx, http.MethodGet, c.tenantPath("jobs", id), nil, "", nil, &job)
	return job, err
}

// WaitJob polls the job every interval until it reaches a terminal status or
// ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (models.Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) tenantPath(segments ...string) string {
	parts := []string{"api", "tenants", url.PathEscape(c.tenant)}
	for _, segment := range segments {
		parts = append(parts, url.PathEscape(segment))
	}
	return "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, etag string, body any, dest any) (*http.Response, error) {
	target := c.base.JoinPath(path)
	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-Match", quoteETag(etag))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&payload)
		return res, &APIError{Status: res.StatusCode, Message: payload.Error}
	}
	if dest != nil && res.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
			return res, fmt.Errorf("decode response: %w", err)
		}
	}
	return res, nil
}

func quoteETag(etag string) string {
	if etag == "*" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, `W/`) {
		return etag
	}
	return strconv.Quote(etag)
}
