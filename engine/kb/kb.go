// Package kb wires the knowledge-base services from configuration. The
// binaries share it so the API, the worker and the query tool talk to the same
// collection with the same embedder.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-kb/engine/catalog"
	"github.com/WessleyAI/wessley-kb/engine/chunk"
	"github.com/WessleyAI/wessley-kb/engine/embed"
	"github.com/WessleyAI/wessley-kb/engine/ingest"
	"github.com/WessleyAI/wessley-kb/engine/layout"
	"github.com/WessleyAI/wessley-kb/engine/normalize"
	"github.com/WessleyAI/wessley-kb/engine/retrieve"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
	"github.com/WessleyAI/wessley-kb/pkg/callback"
	"github.com/WessleyAI/wessley-kb/pkg/config"
	"github.com/WessleyAI/wessley-kb/pkg/dedup"
	"github.com/WessleyAI/wessley-kb/pkg/fetch"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
	"github.com/WessleyAI/wessley-kb/pkg/objstore"
	"github.com/WessleyAI/wessley-kb/pkg/ollama"
	"github.com/WessleyAI/wessley-kb/pkg/openai"
	"github.com/WessleyAI/wessley-kb/pkg/resilience"
)

// Services holds the long-lived clients. Optional services are nil when
// their section is not configured.
type Services struct {
	Config    config.Config
	Store     *semantic.VectorStore
	Embedder  *embed.Embedder
	Retriever *retrieve.Retriever
	Formatter retrieve.Formatter
	Metrics   *metrics.Pipeline

	// OpenAI is nil with the ollama provider and no API key.
	OpenAI  *openai.Client
	Objects *objstore.Store
	Catalog *catalog.Catalog
	Dedup   *dedup.Store

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Open builds every configured client. Nothing is contacted yet except where
// a client library connects eagerly.
func Open(ctx context.Context, cfg config.Config, reg *metrics.Registry, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New("kb")
	}
	s := &Services{Config: cfg, Metrics: metrics.NewPipeline(reg), logger: logger}

	store, err := semantic.New(semantic.Config{
		Addr:       cfg.Qdrant.Addr,
		APIKey:     cfg.Qdrant.APIKey,
		TLS:        cfg.Qdrant.TLS,
		Collection: cfg.Qdrant.Collection,
		Dimensions: cfg.Qdrant.Dimensions,
		BatchSize:  cfg.Qdrant.BatchSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.Store = store
	s.closers = append(s.closers, func(context.Context) error { return store.Close() })

	if cfg.OpenAI.APIKey != "" || cfg.Embedding.Provider == "openai" {
		oc, err := openai.New(openai.Config{
			APIKey:              cfg.OpenAI.APIKey,
			BaseURL:             cfg.OpenAI.BaseURL,
			Azure:               cfg.OpenAI.Azure,
			APIVersion:          cfg.OpenAI.APIVersion,
			EmbeddingModel:      cfg.OpenAI.EmbeddingModel,
			EmbeddingDeployment: cfg.OpenAI.EmbeddingDeployment,
			Dimensions:          cfg.OpenAI.Dimensions,
			ChatModel:           cfg.OpenAI.ChatModel,
			ChatDeployment:      cfg.OpenAI.ChatDeployment,
			MaxTokens:           cfg.OpenAI.MaxTokens,
			Timeout:             cfg.OpenAI.Timeout,
		}, logger)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.OpenAI = oc
	}

	var dense embed.Dense
	switch cfg.Embedding.Provider {
	case "ollama":
		dense = ollama.NewEmbedClient(cfg.Embedding.OllamaURL, cfg.Embedding.OllamaModel)
	default:
		dense = s.OpenAI
	}
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Embedding.RatePerSec, Burst: cfg.Embedding.Burst})
	s.Embedder = embed.New(dense, limiter, embed.Options{BatchSize: cfg.Embedding.BatchSize, BM25: embed.DefaultBM25Options()}, logger)

	s.Retriever = retrieve.New(s.Embedder, store, retrieve.Options{
		Limit:           cfg.Retrieval.Limit,
		Prefetch:        cfg.Retrieval.Prefetch,
		RRFK:            cfg.Retrieval.RRFK,
		Threshold:       cfg.Retrieval.Threshold,
		ServerFusion:    cfg.Retrieval.ServerFusion,
		ServerThreshold: cfg.Retrieval.ServerThreshold,
		SearchTimeout:   cfg.Retrieval.SearchTimeout,
	}, logger)

	if cfg.Storage.Endpoint != "" {
		objects, err := objstore.New(objstore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			Secure:    cfg.Storage.Secure,
		}, logger)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.Objects = objects
	}
	s.Formatter = retrieve.Formatter{FrontendURL: cfg.Retrieval.FrontendURL, TTL: cfg.Storage.PresignTTL, Logger: logger}
	if s.Objects != nil {
		s.Formatter.Images = s.Objects
	}

	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("kb: neo4j driver: %w", err)
		}
		s.Catalog = catalog.NewNeo4j(driver, cfg.Neo4j.Database, logger)
		s.closers = append(s.closers, driver.Close)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.Dedup = dedup.New(rdb, dedup.Options{Prefix: cfg.Redis.Prefix, ClaimTTL: cfg.Redis.ClaimTTL, DoneTTL: cfg.Redis.DoneTTL}, logger)
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
	}

	logger.Info("kb: services ready",
		"collection", cfg.Qdrant.Collection,
		"embedding", cfg.Embedding.Provider,
		"objects", s.Objects != nil,
		"catalog", s.Catalog != nil,
		"dedup", s.Dedup != nil,
	)
	return s, nil
}

// Prepare creates the default collection and the image bucket when missing.
func (s *Services) Prepare(ctx context.Context) error {
	if err := s.Store.EnsureCollection(ctx); err != nil {
		return err
	}
	if s.Objects != nil {
		if err := s.Objects.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every client, last opened first.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Runner assembles the ingestion pipeline on top of the shared clients.
func (s *Services) Runner() (*ingest.Runner, error) {
	cfg := s.Config
	if cfg.Layout.Endpoint == "" {
		return nil, errors.New("kb: layout.endpoint is required for ingestion")
	}
	analyzer := layout.NewClient(layout.Options{
		Endpoint:     cfg.Layout.Endpoint,
		APIKey:       cfg.Layout.APIKey,
		Model:        cfg.Layout.Model,
		APIVersion:   cfg.Layout.APIVersion,
		PollInterval: cfg.Layout.PollInterval,
		Timeout:      cfg.Layout.Timeout,
	}, s.logger)

	var (
		objects fetch.ObjectReader
		images  normalize.ImageStore
		desc    normalize.Describer
	)
	if s.Objects != nil {
		objects, images = s.Objects, s.Objects
	}
	if s.OpenAI != nil {
		desc = Throttle(s.OpenAI, resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Ingest.DescribeRate, Burst: cfg.Ingest.DescribeWorkers}))
	}

	fetcher := fetch.New(objects, fetch.Options{
		MaxBytes:  cfg.Ingest.MaxFileBytes,
		Timeout:   cfg.Ingest.DownloadTimeout,
		LocalRoot: cfg.Ingest.LocalRoot,
	}, s.logger)

	deps := ingest.Deps{
		Fetcher:  fetcher,
		Analyzer: analyzer,
		Normalizer: normalize.New(analyzer, images, desc, normalize.Options{
			Merge: normalize.MergeOptions{
				MaxGap:     cfg.Ingest.MergeMaxGap,
				RightCover: cfg.Ingest.MergeRightCover,
				LeftCover:  cfg.Ingest.MergeLeftCover,
			},
			ImagePrefix: cfg.Storage.ImagePrefix,
			Workers:     cfg.Ingest.DescribeWorkers,
		}, s.logger),
		Chunker:  chunk.New(chunk.Options{ChunkSize: cfg.Chunk.Size, Overlap: cfg.Chunk.Overlap, ImagePrefix: cfg.Storage.ImagePrefix}, s.logger),
		Embedder: s.Embedder,
		Indexes:  func(collection string) ingest.Index { return s.Store.WithCollection(collection) },
		Metrics:  s.Metrics,
		Logger:   s.logger,
	}
	if cfg.Callback.BaseURL != "" {
		retry := callback.DefaultConfig().Retry
		retry.MaxAttempts = cfg.Callback.Attempts
		deps.Notifier = callback.New(callback.Config{
			BaseURL: cfg.Callback.BaseURL,
			Token:   cfg.Callback.Token,
			Timeout: cfg.Callback.Timeout,
			Retry:   retry,
		}, s.logger)
	}
	if s.Catalog != nil {
		deps.Tracker = s.Catalog
	}
	return ingest.New(deps, ingest.Options{Workers: cfg.Ingest.Workers, FileTimeout: ingest.DefaultOptions().FileTimeout})
}

// DeleteFile removes a file's units, stored figure images and catalog entry.
func (s *Services) DeleteFile(ctx context.Context, kbID, fileID, fileName string) error {
	if err := s.Store.Delete(ctx, semantic.Scope{KnowledgeBaseID: kbID, FileID: fileID}); err != nil {
		return err
	}
	if s.Objects != nil && fileName != "" {
		prefix := normalize.FigureKeyPrefix(s.Config.Storage.ImagePrefix, kbID, fileName)
		if _, err := s.Objects.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Warn("kb: figure cleanup failed", "kb_id", kbID, "file_id", fileID, "error", err)
		}
	}
	if s.Catalog != nil {
		if err := s.Catalog.Forget(ctx, kbID, fileID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteKnowledgeBase removes every unit, image and catalog entry of kbID.
func (s *Services) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	if err := s.Store.Delete(ctx, semantic.Scope{KnowledgeBaseID: kbID}); err != nil {
		return err
	}
	if s.Objects != nil {
		prefix := path.Join(s.Config.Storage.ImagePrefix, kbID) + "/"
		if _, err := s.Objects.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Warn("kb: image cleanup failed", "kb_id", kbID, "error", err)
		}
	}
	if s.Catalog != nil {
		if _, err := s.Catalog.ForgetKnowledgeBase(ctx, kbID); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of units of a knowledge base, or of one file when
// fileID is set.
func (s *Services) Count(ctx context.Context, kbID, fileID string) (uint64, error) {
	return s.Store.Count(ctx, semantic.Scope{KnowledgeBaseID: kbID, FileID: fileID})
}

// throttled spaces out description calls.
type throttled struct {
	next    normalize.Describer
	limiter *resilience.Limiter
}

// Throttle wraps d so every call first waits for a token from l.
func Throttle(d normalize.Describer, l *resilience.Limiter) normalize.Describer {
	return &throttled{next: d, limiter: l}
}

func (t *throttled) DescribeImage(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.DescribeImage(ctx, image, mimeType, caption)
}

func (t *throttled) DescribeTable(ctx context.Context, table string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.DescribeTable(ctx, table)
}

// ShutdownTimeout bounds Close in the binaries.
const ShutdownTimeout = 10 * time.Second
