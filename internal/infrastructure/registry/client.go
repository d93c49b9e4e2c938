package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"codecast/internal/core/domain"
	"codecast/pkg/circuitbreaker"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	pathStart       = "/stream/start"
	pathStop        = "/stream/stop"
	pathViewerCount = "/stream/viewer-count"
	pathHeartbeat   = "/stream/viewer-heartbeat"

	defaultTimeout = 5 * time.Second
)

var (
	ErrRequestFailed   = errors.New("session registry request failed")
	ErrInvalidResponse = errors.New("session registry returned an invalid response")
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	// InitialBackoff is the first retry delay. Retries stop early when the
	// caller's context expires.
	InitialBackoff time.Duration
	// BreakerThreshold consecutive failed calls make the client fail fast for
	// BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// statusError is a non-2xx response.
type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.path, e.code)
}

type startRequest struct {
	ProblemID domain.ProblemID `json:"problemId,omitempty"`
	RoomID    domain.RoomID    `json:"roomId"`
}

type startResponse struct {
	StreamID domain.StreamID `json:"streamId"`
}

type viewerCountRequest struct {
	StreamID    domain.StreamID `json:"streamId"`
	ViewerCount int             `json:"viewerCount"`
}

// Client implements ports.SessionRegistry over HTTP.
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		IsFailure:        countsAgainstBreaker,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("session registry circuit breaker changed state", "from", from, "to", to)
	})

	return &Client{http: httpClient, cfg: cfg, breaker: breaker, logger: logger}
}

// countsAgainstBreaker ignores client errors and caller cancellations; only an
// unreachable or failing registry should trip the breaker.
func countsAgainstBreaker(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// BreakerState reports whether calls are currently failing fast.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) StartSession(ctx context.Context, problemID domain.ProblemID, roomID domain.RoomID) (domain.StreamID, error) {
	var out startResponse
	err := c.post(ctx, pathStart, startRequest{ProblemID: problemID, RoomID: roomID}, &out)
	if err != nil {
		return "", err
	}
	if out.StreamID == "" {
		return "", fmt.Errorf("%w: missing streamId", ErrInvalidResponse)
	}
	c.logger.Infow("session registered", "room_id", roomID, "stream_id", out.StreamID)
	return out.StreamID, nil
}

func (c *Client) StopSession(ctx context.Context) error {
	return c.post(ctx, pathStop, struct{}{}, nil)
}

func (c *Client) UpdateViewerCount(ctx context.Context, streamID domain.StreamID, count int) error {
	return c.post(ctx, pathViewerCount, viewerCountRequest{StreamID: streamID, ViewerCount: count}, nil)
}

func (c *Client) ViewerHeartbeat(ctx context.Context) error {
	return c.post(ctx, pathHeartbeat, struct{}{}, nil)
}

// post retries transport errors and 5xx responses with exponential backoff.
// 4xx responses fail immediately.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	err := c.breaker.Execute(func() error {
		return c.postWithRetry(ctx, path, body, result)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", ErrRequestFailed, path, err)
	}
	return err
}

func (c *Client) postWithRetry(ctx context.Context, path string, body, result interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		req := c.http.R().SetContext(ctx).SetBody(body)
		if result != nil {
			req.SetResult(result)
		}

		resp, err := req.Post(path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %s: %w", ErrRequestFailed, path, ctx.Err()))
			}
			c.logger.Debugw("registry request attempt failed", "path", path, "attempt", attempt, "error", err)
			return fmt.Errorf("%w: %s: %v", ErrRequestFailed, path, err)
		}
		if resp.IsError() {
			err := fmt.Errorf("%w: %w", ErrRequestFailed, &statusError{path: path, code: resp.StatusCode()})
			if resp.StatusCode() < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			c.logger.Debugw("registry request attempt failed", "path", path, "attempt", attempt, "status", resp.StatusCode())
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
	return backoff.Retry(operation, policy)
}
