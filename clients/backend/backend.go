package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dashpoll/config"
	"dashpoll/internal/poller"
)

// Client talks HTTP to the pipeline services. It implements poller.Transport.
type Client struct {
	logger       *zap.Logger
	httpClient   *http.Client
	baseURL      string
	maxBodyBytes int64
}

func NewClient(logger *zap.Logger, cfg *config.Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Backend.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := cfg.Backend.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 4 * 1024 * 1024
	}

	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      strings.TrimRight(cfg.Backend.BaseURL, "/"),
		maxBodyBytes: maxBody,
	}
}

// BaseURL returns the configured service base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do issues a bodiless request and returns the status and body. Non-2xx
// statuses are not errors here; the caller classifies them.
func (c *Client) Do(ctx context.Context, method, rawURL string) (*poller.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: over %d bytes", poller.ErrResponseTooLarge, c.maxBodyBytes)
	}

	c.logger.Debug("backend response",
		zap.String("method", method),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))

	return &poller.Response{Status: resp.StatusCode, Body: body}, nil
}
