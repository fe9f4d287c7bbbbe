// Package openai wraps the OpenAI and Azure OpenAI APIs: dense embeddings for
// indexing and retrieval, and short descriptions of figures and tables.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	oai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/resilience"
)

// Config selects the endpoint and models.
type Config struct {
	APIKey  string
	BaseURL string
	// Azure switches to Azure OpenAI: BaseURL is the resource endpoint and
	// models are addressed by deployment name.
	Azure      bool
	APIVersion string

	EmbeddingModel      string
	EmbeddingDeployment string
	Dimensions          int

	ChatModel      string
	ChatDeployment string
	MaxTokens      int

	Timeout time.Duration
}

// DefaultConfig returns the models the knowledge base is built with.
func DefaultConfig() Config {
	return Config{
		APIVersion:     "2024-06-01",
		EmbeddingModel: string(oai.LargeEmbedding3),
		Dimensions:     3072,
		ChatModel:      oai.GPT4o,
		MaxTokens:      1000,
		Timeout:        2 * time.Minute,
	}
}

const (
	imagePrompt = "You are given a figure from a technical document. Describe what it shows in a few sentences " +
		"so that a maintenance engineer can find it by searching. Mention labels, part names and values you can read."
	tablePrompt = "You are given a table from a technical document in markdown. Summarize in a few sentences what " +
		"the table lists, naming its columns and the kind of values it contains."
)

// Client calls the API. It is safe for concurrent use.
type Client struct {
	api     *oai.Client
	cfg     Config
	breaker *resilience.Breaker
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = def.EmbeddingModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = def.ChatModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	var oc oai.ClientConfig
	if cfg.Azure {
		if cfg.BaseURL == "" {
			return nil, errors.New("openai: azure endpoint is required")
		}
		oc = oai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			oc.APIVersion = cfg.APIVersion
		}
		deployments := map[string]string{
			cfg.EmbeddingModel: or(cfg.EmbeddingDeployment, cfg.EmbeddingModel),
			cfg.ChatModel:      or(cfg.ChatDeployment, cfg.ChatModel),
		}
		oc.AzureModelMapperFunc = func(model string) string {
			if d, ok := deployments[model]; ok {
				return d
			}
			return model
		}
	} else {
		oc = oai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
	}
	oc.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: cfg.Timeout}

	return &Client{
		api: oai.NewClientWithConfig(oc),
		cfg: cfg,
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			Name:      "openai-describe",
			IsFailure: domain.IsRecoverable,
			Logger:    logger,
		}),
		logger: logger,
	}, nil
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// EmbedTexts returns one dense vector per text, in input order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := oai.EmbeddingRequest{
		Input: texts,
		Model: oai.EmbeddingModel(c.cfg.EmbeddingModel),
	}
	if c.cfg.Dimensions > 0 {
		req.Dimensions = c.cfg.Dimensions
	}
	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("openai: embeddings: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

// DescribeImage returns a short description of a figure image. The caption,
// when present, is given to the model as context.
func (c *Client) DescribeImage(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	text := imagePrompt
	if caption != "" {
		text += "\nCaption: " + caption
	}
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	return c.complete(ctx, oai.ChatCompletionMessage{
		Role: oai.ChatMessageRoleUser,
		MultiContent: []oai.ChatMessagePart{
			{Type: oai.ChatMessagePartTypeText, Text: text},
			{Type: oai.ChatMessagePartTypeImageURL, ImageURL: &oai.ChatMessageImageURL{URL: url, Detail: oai.ImageURLDetailAuto}},
		},
	})
}

// DescribeTable returns a short description of a markdown table.
func (c *Client) DescribeTable(ctx context.Context, table string) (string, error) {
	return c.complete(ctx, oai.ChatCompletionMessage{
		Role:    oai.ChatMessageRoleUser,
		Content: tablePrompt + "\n\n" + strings.TrimSpace(table),
	})
}

func (c *Client) complete(ctx context.Context, msg oai.ChatCompletionMessage) (string, error) {
	return resilience.Do(c.breaker, ctx, func(ctx context.Context) (string, error) {
		resp, err := c.api.CreateChatCompletion(ctx, oai.ChatCompletionRequest{
			Model:     c.cfg.ChatModel,
			Messages:  []oai.ChatCompletionMessage{msg},
			MaxTokens: c.cfg.MaxTokens,
		})
		if err != nil {
			return "", classify(fmt.Errorf("openai: chat: %w", err))
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai: chat: no choices returned")
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
}

// classify marks rate limits, server errors and network failures as
// recoverable.
func classify(err error) error {
	var (
		apiErr *oai.APIError
		reqErr *oai.RequestError
		netErr net.Error
	)
	switch {
	case errors.As(err, &apiErr):
		if retryable(apiErr.HTTPStatusCode) {
			return domain.Recoverable(err)
		}
	case errors.As(err, &reqErr):
		if retryable(reqErr.HTTPStatusCode) {
			return domain.Recoverable(err)
		}
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return domain.Recoverable(err)
	}
	return err
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
