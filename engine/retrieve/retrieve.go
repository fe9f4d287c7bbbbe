// Package retrieve answers knowledge-base queries. It embeds the query into a
// dense and a sparse vector, prefetches candidates for each within the
// requested knowledge bases, fuses the two rankings and keeps the results that
// clear a minimum score.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
)

// Searcher abstracts the vector store queries.
type Searcher interface {
	QueryDense(ctx context.Context, vec []float32, kbIDs []string, limit int) ([]semantic.Hit, error)
	QuerySparse(ctx context.Context, sv domain.SparseVector, kbIDs []string, limit int) ([]semantic.Hit, error)
	QueryHybrid(ctx context.Context, q semantic.HybridQuery) ([]semantic.Hit, error)
}

// QueryEmbedder turns query text into vectors.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) (domain.Vectors, error)
}

// Options configures retrieval.
type Options struct {
	// Limit is the default number of results.
	Limit int
	// Prefetch is the minimum number of candidates taken per modality.
	Prefetch int
	// RRFK is the rank offset of reciprocal rank fusion.
	RRFK float64
	// Threshold is the minimum fused score. With k=1 a unit ranked first by
	// one modality scores 0.5.
	Threshold float64
	// ServerFusion fuses inside the vector store instead of in process.
	ServerFusion bool
	// ServerThreshold replaces Threshold under ServerFusion. The store scores
	// with its own rank offset, so the two are tuned separately.
	ServerThreshold float64
	SearchTimeout   time.Duration
}

// DefaultOptions returns the production retrieval settings.
func DefaultOptions() Options {
	return Options{
		Limit:           3,
		Prefetch:        3,
		RRFK:            1,
		Threshold:       0.4,
		ServerThreshold: 0.4,
		SearchTimeout:   10 * time.Second,
	}
}

// Request is one retrieval call.
type Request struct {
	Query          string   `json:"query"`
	KnowledgeBases []string `json:"knowledge_base_ids"`
	Limit          int      `json:"limit,omitempty"`
	// Domain names the product family the question is about. Units carry no
	// domain, so it is recorded but never filters.
	Domain string `json:"domain,omitempty"`
}

// Result is one retrieved unit with its fused score.
type Result struct {
	Unit  domain.ContentUnit `json:"unit"`
	Score float64            `json:"score"`
}

// Retriever runs hybrid retrieval. It is stateless and safe for concurrent use.
type Retriever struct {
	embed  QueryEmbedder
	search Searcher
	opts   Options
	logger *slog.Logger
}

// New creates a Retriever.
func New(embed QueryEmbedder, search Searcher, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = def.Prefetch
	}
	if opts.RRFK < 0 {
		opts.RRFK = def.RRFK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = def.SearchTimeout
	}
	return &Retriever{embed: embed, search: search, opts: opts, logger: logger}
}

// Retrieve returns at most req.Limit units, best first, each scoring at
// least the configured threshold.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (results []Result, err error) {
	ctx, span := otel.Tracer("engine/retrieve").Start(ctx, "retrieve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := domain.ValidateQuery(req.Query); err != nil {
		return nil, err
	}
	if len(req.KnowledgeBases) == 0 {
		return nil, domain.NewValidationError("knowledge_base_ids", "", domain.ErrMissingField)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.Limit
	}
	span.SetAttributes(
		attribute.Int("retrieve.limit", limit),
		attribute.StringSlice("retrieve.knowledge_bases", req.KnowledgeBases),
	)

	start := time.Now()
	vecs, err := r.embed.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()

	prefetch := max(r.opts.Prefetch, limit)
	threshold := r.opts.Threshold
	if r.opts.ServerFusion {
		threshold = r.opts.ServerThreshold
		results, err = r.serverFused(ctx, vecs, req.KnowledgeBases, prefetch, limit)
	} else {
		results, err = r.clientFused(ctx, vecs, req.KnowledgeBases, prefetch)
	}
	if err != nil {
		return nil, err
	}

	candidates := len(results)
	results = Threshold(results, threshold)
	if len(results) > limit {
		results = results[:limit]
	}
	r.logger.Info("retrieve done",
		"domain", req.Domain,
		"knowledge_bases", len(req.KnowledgeBases),
		"candidates", candidates,
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

func (r *Retriever) clientFused(ctx context.Context, vecs domain.Vectors, kbIDs []string, prefetch int) ([]Result, error) {
	lists := fn.FanOutResult(
		func() fn.Result[[]semantic.Hit] {
			return fn.FromPair[[]semantic.Hit](r.search.QueryDense(ctx, vecs.Dense, kbIDs, prefetch))
		},
		func() fn.Result[[]semantic.Hit] {
			return fn.FromPair[[]semantic.Hit](r.search.QuerySparse(ctx, vecs.Sparse, kbIDs, prefetch))
		},
	)
	hits, err := lists.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("retrieve: search: %w", err)
	}
	r.logger.Debug("retrieve prefetch", "dense", len(hits[0]), "sparse", len(hits[1]))
	return FuseRRF(hits, r.opts.RRFK), nil
}

func (r *Retriever) serverFused(ctx context.Context, vecs domain.Vectors, kbIDs []string, prefetch, limit int) ([]Result, error) {
	hits, err := r.search.QueryHybrid(ctx, semantic.HybridQuery{
		Dense:          vecs.Dense,
		Sparse:         vecs.Sparse,
		KnowledgeBases: kbIDs,
		Prefetch:       prefetch,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: hybrid search: %w", err)
	}
	return fn.Map(hits, func(h semantic.Hit) Result {
		return Result{Unit: h.Unit, Score: float64(h.Score)}
	}), nil
}
