// Package embed computes the dense and sparse vectors of content units and
// queries. Dense vectors come from an external model; sparse vectors are
// BM25 term weights computed locally.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
	"github.com/WessleyAI/wessley-kb/pkg/resilience"
)

// Dense embeds texts with an external model. Implementations return exactly
// one vector per input, in input order.
type Dense interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures an Embedder.
type Options struct {
	// BatchSize is the number of texts per dense request.
	BatchSize int
	BM25      BM25Options
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{BatchSize: 16, BM25: DefaultBM25Options()}
}

// Embedder produces dense and sparse vectors.
type Embedder struct {
	dense   Dense
	sparse  *BM25
	limiter *resilience.Limiter
	opts    Options
	logger  *slog.Logger
}

// New creates an Embedder. limiter may be nil.
func New(dense Dense, limiter *resilience.Limiter, opts Options, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	return &Embedder{dense: dense, sparse: NewBM25(opts.BM25), limiter: limiter, opts: opts, logger: logger}
}

// Embed returns the vectors of one stored text.
func (e *Embedder) Embed(ctx context.Context, text string) (domain.Vectors, error) {
	dense, err := e.denseBatch(ctx, []string{text})
	if err != nil {
		return domain.Vectors{}, err
	}
	return domain.Vectors{Dense: dense[0], Sparse: e.sparse.Document(text)}, nil
}

// EmbedQuery returns the vectors of a search query.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) (domain.Vectors, error) {
	dense, err := e.denseBatch(ctx, []string{query})
	if err != nil {
		return domain.Vectors{}, err
	}
	return domain.Vectors{Dense: dense[0], Sparse: e.sparse.Query(query)}, nil
}

// EmbedUnits embeds every unit's content. The output matches the input
// one-to-one and in order; any failed batch fails the call with the range of
// units it covered.
func (e *Embedder) EmbedUnits(ctx context.Context, units []domain.ContentUnit) ([]domain.EmbeddedUnit, error) {
	out := make([]domain.EmbeddedUnit, 0, len(units))
	start := time.Now()
	for i, batch := range fn.Chunk(units, e.opts.BatchSize) {
		first := i * e.opts.BatchSize
		texts := fn.Map(batch, func(u domain.ContentUnit) string { return u.Content })

		dense, err := e.denseBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed: units %d-%d: %w", first, first+len(batch)-1, err)
		}
		for j, u := range batch {
			out = append(out, domain.EmbeddedUnit{
				ContentUnit: u,
				Vectors:     domain.Vectors{Dense: dense[j], Sparse: e.sparse.Document(u.Content)},
			})
		}
	}
	e.logger.Debug("units embedded", "units", len(units), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (e *Embedder) denseBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	vecs, err := e.dense.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("dense model returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("dense model returned an empty vector at %d", i)
		}
	}
	return vecs, nil
}
