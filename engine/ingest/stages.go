package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/normalize"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
)

// newPipeline composes the per-file stages. They run strictly in order; the
// old points of the file are deleted only once new vectors are ready.
func (r *Runner) newPipeline() fn.Stage[fileRun, fileRun] {
	return fn.Pipeline(
		r.stage("download", r.download),
		r.stage("analyze", r.analyze),
		r.stage("normalize", r.normalize),
		r.stage("chunk", r.chunk),
		r.stage("validate", r.validate),
		r.stage("embed", r.embed),
		r.stage("purge", r.purge),
		r.stage("index", r.index),
	)
}

// stage adds a span, entry/exit logs and timing to f.
func (r *Runner) stage(name string, f func(context.Context, fileRun) (fileRun, error)) fn.Stage[fileRun, fileRun] {
	return fn.TracedStage("ingest."+name, func(ctx context.Context, in fileRun) fn.Result[fileRun] {
		log := r.logger.With("stage", name, "file_id", in.Ref.FileID)
		log.Debug("stage.enter")
		start := time.Now()
		out, err := f(ctx, in)
		elapsed := time.Since(start)
		r.metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		if err != nil {
			r.metrics.StageErrors.WithLabelValues(name).Inc()
			log.Debug("stage.exit", "duration", elapsed, "error", err)
			return fn.Err[fileRun](err)
		}
		log.Debug("stage.exit", "duration", elapsed)
		return fn.Ok(out)
	})
}

func (r *Runner) download(ctx context.Context, f fileRun) (fileRun, error) {
	file, err := r.deps.Fetcher.Fetch(ctx, f.Ref.URL)
	if err != nil {
		return f, err
	}
	f.File = file
	return f, nil
}

func (r *Runner) analyze(ctx context.Context, f fileRun) (fileRun, error) {
	a, err := r.deps.Analyzer.Analyze(ctx, f.File.Data, f.File.ContentType)
	if err != nil {
		if !domain.IsRecoverable(err) && !errors.Is(err, domain.ErrFatalPipeline) {
			err = domain.Fatal(err)
		}
		return f, fmt.Errorf("analysis failed: %w", err)
	}
	if a == nil {
		return f, domain.Fatal(errors.New("analysis failed: empty result"))
	}
	if got := len(a.Result.Pages); f.File.Pages > 0 && got != f.File.Pages {
		r.logger.Warn("ingest: page count mismatch", "file_id", f.Ref.FileID, "pdf_pages", f.File.Pages, "analyzed_pages", got)
	}
	f.Analysis = a
	return f, nil
}

func (r *Runner) normalize(ctx context.Context, f fileRun) (fileRun, error) {
	doc, err := r.deps.Normalizer.Normalize(ctx, normalize.Input{
		KnowledgeBaseID: f.KnowledgeBaseID,
		FileID:          f.Ref.FileID,
		FileName:        f.Ref.FileName,
		Analysis:        f.Analysis,
	})
	if err != nil {
		return f, err
	}
	r.metrics.Merges.WithLabelValues().Add(float64(len(doc.Candidates)))
	f.Doc = doc
	f.Analysis = nil
	f.File.Data = nil
	return f, nil
}

func (r *Runner) chunk(_ context.Context, f fileRun) (fileRun, error) {
	f.Units = r.deps.Chunker.Chunk(f.Doc.Markdown, f.Ref.FileID, f.Ref.FileName, f.KnowledgeBaseID)
	if len(f.Units) == 0 {
		return f, domain.Fatal(errors.New("no content extracted"))
	}
	return f, nil
}

func (r *Runner) validate(_ context.Context, f fileRun) (fileRun, error) {
	if err := domain.ValidateUnits(f.Units, f.Doc.Pages); err != nil {
		return f, domain.Fatal(err)
	}
	return f, nil
}

func (r *Runner) embed(ctx context.Context, f fileRun) (fileRun, error) {
	embedded, err := r.deps.Embedder.EmbedUnits(ctx, f.Units)
	if err != nil {
		return f, err
	}
	f.Embedded = embedded
	return f, nil
}

func (r *Runner) purge(ctx context.Context, f fileRun) (fileRun, error) {
	err := f.Index.Delete(ctx, semantic.Scope{KnowledgeBaseID: f.KnowledgeBaseID, FileID: f.Ref.FileID})
	return f, err
}

func (r *Runner) index(ctx context.Context, f fileRun) (fileRun, error) {
	n, err := f.Index.Upsert(ctx, f.Embedded)
	f.Indexed = n
	if err != nil {
		return f, err
	}
	for _, u := range f.Embedded {
		r.metrics.Units.WithLabelValues(string(u.DocumentType)).Inc()
	}
	return f, nil
}
