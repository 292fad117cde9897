// Package client is a typed HTTP client for the valuation API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"carprice/internal/api"
	"carprice/internal/estimate"
)

// ErrNotFound is matched by errors for unknown vehicles and routes.
var ErrNotFound = errors.New("not found")

// ResponseError is returned for non-2xx responses.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *ResponseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("valuation API: %d %s (%s): %s", e.StatusCode, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("valuation API: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *ResponseError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Client struct {
	base string
	rest *resty.Client
}

// New creates a client for the API at base. Requests that fail to connect or
// return 503 are retried up to retries times.
func New(base string, timeout time.Duration, retries int) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == http.StatusServiceUnavailable
		})
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

// Estimate prices req.
func (c *Client) Estimate(ctx context.Context, req estimate.Request) (*api.EstimateResponse, error) {
	out := &api.EstimateResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(out).
		SetError(out).
		Post(c.base + "/api/v1/estimate")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() || !out.Success {
		return nil, responseError(resp, out.Error)
	}
	return out, nil
}

// Snapshot describes the server's active snapshot.
func (c *Client) Snapshot(ctx context.Context) (*api.SnapshotResponse, error) {
	out := &api.SnapshotResponse{}
	if err := c.get(ctx, "/api/v1/snapshot", out); err != nil {
		return nil, err
	}
	return out, nil
}

// Segment returns the training statistics of brand/model.
func (c *Client) Segment(ctx context.Context, brand, model string) (*api.SegmentResponse, error) {
	out := &api.SegmentResponse{}
	path := "/api/v1/segments/" + url.PathEscape(brand) + "/" + url.PathEscape(model)
	if err := c.get(ctx, path, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports the server's liveness and snapshot.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	out := &api.HealthResponse{}
	if err := c.get(ctx, "/health", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	failure := &api.ErrorResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(result).
		SetError(failure).
		Get(c.base + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return responseError(resp, failure.Error)
	}
	return nil
}

func responseError(resp *resty.Response, apiErr *api.APIError) error {
	e := &ResponseError{StatusCode: resp.StatusCode()}
	if apiErr != nil {
		e.Code, e.Message, e.Field = apiErr.Code, apiErr.Message, apiErr.Field
	} else {
		e.Code = http.StatusText(resp.StatusCode())
		e.Message = resp.String()
	}
	return e
}
