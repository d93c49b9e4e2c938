package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codecast/internal/core/domain"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

var ErrRequestFailed = errors.New("control request failed")

// APIError is an error body written by the coordinator's HTTP error middleware.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

type StreamStatus struct {
	Session     *domain.StreamSession `json:"session"`
	ViewerCount int                   `json:"viewerCount"`
}

type linksResponse struct {
	Links []domain.LinkSnapshot `json:"links"`
}

// Client drives a running streamer or viewer process over its control API.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(defaultTimeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

func (c *Client) Stream(ctx context.Context) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.do(ctx, resty.MethodGet, "/api/v1/stream", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartStream(ctx context.Context) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.do(ctx, resty.MethodPost, "/api/v1/stream/start", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopStream(ctx context.Context) error {
	return c.do(ctx, resty.MethodPost, "/api/v1/stream/stop", nil)
}

func (c *Client) PauseStream(ctx context.Context) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.do(ctx, resty.MethodPost, "/api/v1/stream/pause", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResumeStream(ctx context.Context) (*StreamStatus, error) {
	var out StreamStatus
	if err := c.do(ctx, resty.MethodPost, "/api/v1/stream/resume", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Links(ctx context.Context) ([]domain.LinkSnapshot, error) {
	var out linksResponse
	if err := c.do(ctx, resty.MethodGet, "/api/v1/stream/links", &out); err != nil {
		return nil, err
	}
	return out.Links, nil
}

func (c *Client) Viewer(ctx context.Context) (*domain.ViewerSnapshot, error) {
	return c.viewerOp(ctx, resty.MethodGet, "/api/v1/viewer")
}

func (c *Client) JoinStream(ctx context.Context) (*domain.ViewerSnapshot, error) {
	return c.viewerOp(ctx, resty.MethodPost, "/api/v1/viewer/join")
}

func (c *Client) LeaveStream(ctx context.Context) (*domain.ViewerSnapshot, error) {
	return c.viewerOp(ctx, resty.MethodPost, "/api/v1/viewer/leave")
}

func (c *Client) Retry(ctx context.Context) (*domain.ViewerSnapshot, error) {
	return c.viewerOp(ctx, resty.MethodPost, "/api/v1/viewer/retry")
}

func (c *Client) viewerOp(ctx context.Context, method, path string) (*domain.ViewerSnapshot, error) {
	var out domain.ViewerSnapshot
	if err := c.do(ctx, method, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, result interface{}) error {
	req := c.http.R().
		SetContext(ctx).
		SetError(&APIError{})
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	if resp.IsError() {
		apiErr, ok := resp.Error().(*APIError)
		if !ok || apiErr.Code == "" {
			apiErr = &APIError{Code: resp.Status()}
		}
		apiErr.Status = resp.StatusCode()
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, apiErr)
	}
	return nil
}
