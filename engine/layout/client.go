package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Analysis is a finished analyze operation.
type Analysis struct {
	// ID addresses the operation's artifacts, e.g. figure images.
	ID     string
	Result Result
}

// Analyzer is the layout-analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, doc []byte, contentType string) (*Analysis, error)
	FigureImage(ctx context.Context, analysisID, figureID string) ([]byte, error)
}

// Options configures the HTTP analyzer.
type Options struct {
	Endpoint     string
	APIKey       string
	Model        string
	APIVersion   string
	PollInterval time.Duration
	Timeout      time.Duration
}

// DefaultOptions returns the settings used by the production worker.
func DefaultOptions() Options {
	return Options{
		Model:        "prebuilt-layout",
		APIVersion:   "2024-11-30",
		PollInterval: 2 * time.Second,
		Timeout:      time.Hour,
	}
}

// Client talks to the layout service's REST API: submit, poll the operation,
// fetch figure images.
type Client struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// NewClient creates an analyzer client. Missing options fall back to
// DefaultOptions.
func NewClient(opts Options, logger *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.APIVersion == "" {
		opts.APIVersion = def.APIVersion
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: logger,
	}
}

type operation struct {
	Status        string  `json:"status"`
	AnalyzeResult *Result `json:"analyzeResult"`
	Error         *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze submits doc and blocks until the operation finishes, fails or the
// configured timeout elapses.
func (c *Client) Analyze(ctx context.Context, doc []byte, contentType string) (*Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("api-version", c.opts.APIVersion)
	q.Set("outputContentFormat", "markdown")
	q.Set("output", "figures")
	u := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?%s", c.opts.Endpoint, c.opts.Model, q.Encode())

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("layout: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Recoverable(fmt.Errorf("layout: submit: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, statusError("submit", resp)
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return nil, fmt.Errorf("layout: submit: missing Operation-Location header")
	}
	id := operationID(opURL)
	c.logger.Info("layout analyze submitted", "operation", id, "bytes", len(doc))

	wait := c.opts.PollInterval
	for {
		op, retryAfter, err := c.poll(ctx, opURL)
		if err != nil {
			return nil, err
		}
		switch op.Status {
		case "succeeded":
			if op.AnalyzeResult == nil {
				return nil, fmt.Errorf("layout: operation %s succeeded without result", id)
			}
			c.logger.Info("layout analyze done", "operation", id,
				"pages", len(op.AnalyzeResult.Pages),
				"tables", len(op.AnalyzeResult.Tables),
				"figures", len(op.AnalyzeResult.Figures))
			return &Analysis{ID: id, Result: *op.AnalyzeResult}, nil
		case "failed", "canceled":
			msg := op.Status
			if op.Error != nil {
				msg = op.Error.Code + ": " + op.Error.Message
			}
			return nil, fmt.Errorf("layout: operation %s: %s", id, msg)
		}
		if retryAfter > 0 {
			wait = retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, domain.Recoverable(fmt.Errorf("layout: operation %s: %w", id, ctx.Err()))
		case <-time.After(wait):
		}
	}
}

func (c *Client) poll(ctx context.Context, opURL string) (operation, time.Duration, error) {
	var op operation
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return op, 0, fmt.Errorf("layout: build poll request: %w", err)
	}
	c.auth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return op, 0, domain.Recoverable(fmt.Errorf("layout: poll: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return op, 0, statusError("poll", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return op, 0, fmt.Errorf("layout: decode operation: %w", err)
	}
	var retryAfter time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}
	return op, retryAfter, nil
}

// FigureImage downloads the cropped PNG of one figure.
func (c *Client) FigureImage(ctx context.Context, analysisID, figureID string) ([]byte, error) {
	u := fmt.Sprintf("%s/documentintelligence/documentModels/%s/analyzeResults/%s/figures/%s?api-version=%s",
		c.opts.Endpoint, c.opts.Model, url.PathEscape(analysisID), url.PathEscape(figureID), url.QueryEscape(c.opts.APIVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("layout: build figure request: %w", err)
	}
	c.auth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Recoverable(fmt.Errorf("layout: figure %s: %w", figureID, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("figure "+figureID, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("layout: read figure %s: %w", figureID, err)
	}
	return data, nil
}

func (c *Client) auth(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", c.opts.APIKey)
	}
}

// operationID extracts the result id from an Operation-Location URL.
func operationID(opURL string) string {
	u, err := url.Parse(opURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("layout: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return domain.Recoverable(err)
	}
	return err
}
