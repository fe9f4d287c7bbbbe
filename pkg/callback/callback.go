// Package callback reports per-file processing outcomes to the backend.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
)

// Config locates the backend.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retry   fn.RetryOpts
}

// DefaultConfig returns a short timeout and three attempts.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
		},
	}
}

// Client posts status callbacks.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Client. An empty BaseURL disables delivery.
func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	cfg.Retry.Retryable = domain.IsRecoverable
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: cfg.Timeout},
		logger: logger,
	}
}

type body struct {
	Status domain.FileStatus `json:"status"`
	Reason string            `json:"reason"`
}

// Notify reports the terminal status of a file. Delivery failures are
// returned for logging; they never undo indexing.
func (c *Client) Notify(ctx context.Context, kbID string, out domain.FileOutcome) error {
	if c.cfg.BaseURL == "" {
		c.logger.Debug("callback disabled", "file_id", out.FileID, "status", out.Status)
		return nil
	}
	endpoint := fmt.Sprintf("%s/api/knowledge/%s/file/%s/process-callback",
		c.cfg.BaseURL, url.PathEscape(kbID), url.PathEscape(out.FileID))
	payload, err := json.Marshal(body{Status: out.Status, Reason: out.Reason})
	if err != nil {
		return fmt.Errorf("callback: encode: %w", err)
	}

	res := fn.Retry(ctx, c.cfg.Retry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, c.post(ctx, endpoint, payload))
	})
	if _, err := res.Unwrap(); err != nil {
		return fmt.Errorf("callback: file %s: %w", out.FileID, err)
	}
	c.logger.Info("callback delivered", "file_id", out.FileID, "status", out.Status)
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Recoverable(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("status %d", resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return domain.Recoverable(err)
	}
	return err
}
