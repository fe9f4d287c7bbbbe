// Package ingest runs knowledge-base files through download, layout analysis,
// normalization, chunking, embedding and indexing, and reports each file's
// status. Files of one job are isolated: one failing file never stops the
// others.
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/layout"
	"github.com/WessleyAI/wessley-kb/engine/normalize"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
	"github.com/WessleyAI/wessley-kb/pkg/fetch"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
)

// Fetcher downloads source files.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.File, error)
}

// Analyzer runs layout analysis on a document.
type Analyzer interface {
	Analyze(ctx context.Context, doc []byte, contentType string) (*layout.Analysis, error)
}

// Normalizer turns an analysis into annotated markdown.
type Normalizer interface {
	Normalize(ctx context.Context, in normalize.Input) (normalize.Document, error)
}

// Chunker splits annotated markdown into content units.
type Chunker interface {
	Chunk(markdown, fileID, fileName, kbID string) []domain.ContentUnit
}

// Embedder computes dense and sparse vectors for units, in order.
type Embedder interface {
	EmbedUnits(ctx context.Context, units []domain.ContentUnit) ([]domain.EmbeddedUnit, error)
}

// Index is the destination collection.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Delete(ctx context.Context, scope semantic.Scope) error
	Upsert(ctx context.Context, units []domain.EmbeddedUnit) (int, error)
}

// Notifier reports terminal file status.
type Notifier interface {
	Notify(ctx context.Context, kbID string, out domain.FileOutcome) error
}

// Tracker records file status as it changes.
type Tracker interface {
	Start(ctx context.Context, kbID string, f domain.FileRef) error
	Finish(ctx context.Context, kbID string, out domain.FileOutcome) error
}

// Deps holds the collaborators of a Runner. Notifier and Tracker may be nil.
type Deps struct {
	Fetcher    Fetcher
	Analyzer   Analyzer
	Normalizer Normalizer
	Chunker    Chunker
	Embedder   Embedder
	// Indexes resolves the index of a job's collection.
	Indexes  func(collection string) Index
	Notifier Notifier
	Tracker  Tracker
	Metrics  *metrics.Pipeline
	Logger   *slog.Logger
}

// Options tunes a Runner.
type Options struct {
	// Workers bounds how many files of one job run at once.
	Workers int
	// FileTimeout bounds one file's pipeline. Zero means no limit.
	FileTimeout time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{Workers: 2, FileTimeout: 2 * time.Hour}
}

const maxReasonLen = 1000

// Runner processes ingestion jobs.
type Runner struct {
	deps     Deps
	opts     Options
	pipeline fn.Stage[fileRun, fileRun]
	metrics  *metrics.Pipeline
	logger   *slog.Logger
}

// New creates a Runner.
func New(deps Deps, opts Options) (*Runner, error) {
	switch {
	case deps.Fetcher == nil, deps.Analyzer == nil, deps.Normalizer == nil,
		deps.Chunker == nil, deps.Embedder == nil, deps.Indexes == nil:
		return nil, errors.New("ingest: fetcher, analyzer, normalizer, chunker, embedder and indexes are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewPipeline(metrics.New("kb"))
	}
	r := &Runner{deps: deps, opts: opts, metrics: m, logger: log}
	r.pipeline = r.newPipeline()
	return r, nil
}

// Run processes every file of job, smallest first. final reports whether
// this is the last attempt: on earlier attempts files that fail with a
// recoverable error are deferred instead of reported. The error is non-nil
// only when the job as a whole could not start.
func (r *Runner) Run(ctx context.Context, job domain.IngestJob, final bool) (Result, error) {
	start := time.Now()
	res := Result{JobID: job.JobID, KnowledgeBaseID: job.KnowledgeBaseID}
	if err := domain.ValidateJob(job); err != nil {
		return res, domain.Fatal(fmt.Errorf("ingest: job %s: %w", job.JobID, err))
	}
	log := r.logger.With("job_id", job.JobID, "kb_id", job.KnowledgeBaseID, "collection", job.Collection)

	idx := r.deps.Indexes(job.Collection)
	if err := idx.EnsureCollection(ctx); err != nil {
		return res, fmt.Errorf("ingest: job %s: %w", job.JobID, err)
	}

	files := slices.Clone(job.Files)
	slices.SortStableFunc(files, func(a, b domain.FileRef) int { return cmp.Compare(a.SizeMB, b.SizeMB) })

	res.Files = make([]FileResult, len(files))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			res.Files[i] = r.processFile(ctx, job.KnowledgeBaseID, f, idx, final)
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	log.Info("ingest: job finished",
		"files", len(files),
		"embedded", res.Embedded(),
		"failed", res.Failed(),
		"deferred", len(res.Deferred()),
		"duration", res.Duration,
	)
	return res, nil
}

func (r *Runner) processFile(ctx context.Context, kbID string, ref domain.FileRef, idx Index, final bool) FileResult {
	log := r.logger.With("kb_id", kbID, "file_id", ref.FileID, "file_name", ref.FileName)
	inFlight := r.metrics.InFlight.WithLabelValues()
	inFlight.Inc()
	defer inFlight.Dec()

	if r.deps.Tracker != nil {
		if err := r.deps.Tracker.Start(ctx, kbID, ref); err != nil {
			log.Warn("ingest: status record failed", "error", err)
		}
	}

	fctx := ctx
	if r.opts.FileTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.opts.FileTimeout)
		defer cancel()
	}

	run, err := r.pipeline(fctx, fileRun{KnowledgeBaseID: kbID, Ref: ref, Index: idx}).Unwrap()
	out := domain.FileOutcome{
		FileID:   ref.FileID,
		FileName: ref.FileName,
		Status:   domain.StatusEmbedded,
		Units:    run.Indexed,
		Pages:    run.Doc.Pages,
	}
	result := FileResult{Ref: ref, Outcome: out}

	if err != nil {
		out.Status = domain.StatusFailed
		out.Reason = reason(err)
		result = FileResult{Ref: ref, Outcome: out, Err: err}
		if domain.IsRecoverable(err) && !final {
			result.Deferred = true
			log.Warn("ingest: file deferred", "error", err)
			if r.deps.Tracker != nil {
				pending := out
				pending.Status = domain.StatusPending
				if err := r.deps.Tracker.Finish(ctx, kbID, pending); err != nil {
					log.Warn("ingest: status record failed", "error", err)
				}
			}
			r.metrics.Files.WithLabelValues("deferred").Inc()
			return result
		}
		log.Error("ingest: file failed", "error", err)
	} else {
		log.Info("ingest: file embedded", "units", out.Units, "pages", out.Pages)
	}

	r.report(ctx, kbID, out, log)
	r.metrics.Files.WithLabelValues(string(out.Status)).Inc()
	return result
}

// report delivers the terminal status. Delivery failures never undo indexing.
func (r *Runner) report(ctx context.Context, kbID string, out domain.FileOutcome, log *slog.Logger) {
	if r.deps.Notifier != nil {
		if err := r.deps.Notifier.Notify(ctx, kbID, out); err != nil {
			log.Warn("ingest: status callback failed", "status", out.Status, "error", err)
		}
	}
	if r.deps.Tracker != nil {
		if err := r.deps.Tracker.Finish(ctx, kbID, out); err != nil {
			log.Warn("ingest: status record failed", "status", out.Status, "error", err)
		}
	}
}

func reason(err error) string {
	s := err.Error()
	if len(s) <= maxReasonLen {
		return s
	}
	n := maxReasonLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
