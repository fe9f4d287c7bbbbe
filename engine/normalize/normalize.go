package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/layout"
	"github.com/WessleyAI/wessley-kb/pkg/fn"
)

// Describer produces short natural-language descriptions of figures and tables.
type Describer interface {
	DescribeImage(ctx context.Context, image []byte, mimeType, caption string) (string, error)
	DescribeTable(ctx context.Context, table string) (string, error)
}

// FigureSource fetches the cropped image of a detected figure.
type FigureSource interface {
	FigureImage(ctx context.Context, analysisID, figureID string) ([]byte, error)
}

// ImageStore persists figure images.
type ImageStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Options configures a Normalizer.
type Options struct {
	Merge MergeOptions
	// ImagePrefix is the object-storage prefix for figure images.
	ImagePrefix string
	// Workers bounds concurrent description and upload calls.
	Workers int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{Merge: DefaultMergeOptions(), ImagePrefix: "images", Workers: 4}
}

// Normalizer builds the chunker's input document from an analysis.
type Normalizer struct {
	figures   FigureSource
	images    ImageStore
	describer Describer
	opts      Options
	logger    *slog.Logger
}

// New creates a Normalizer. Any collaborator may be nil: without figures or
// images no image references are written, without a describer every table
// gets "No description" and figures an empty description.
func New(figures FigureSource, images ImageStore, describer Describer, opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Normalizer{figures: figures, images: images, describer: describer, opts: opts, logger: logger}
}

// Input identifies the file being normalized.
type Input struct {
	KnowledgeBaseID string
	FileID          string
	FileName        string
	Analysis        *layout.Analysis
}

// Document is the normalized markdown plus bookkeeping for logs and metrics.
type Document struct {
	Markdown   string
	Pages      int
	Candidates []Candidate
	Tables     int
	Figures    int
}

// Normalize merges cross-page tables, describes tables and figures, and
// returns the annotated markdown. Description and upload failures are logged
// and degrade to empty descriptions; a failed merge falls back to the
// original content.
func (n *Normalizer) Normalize(ctx context.Context, in Input) (Document, error) {
	if in.Analysis == nil {
		return Document{}, domain.Fatal(fmt.Errorf("normalize: %s: no analysis", in.FileID))
	}
	res := &in.Analysis.Result
	log := n.logger.With("file_id", in.FileID)

	refs := n.figureRefs(ctx, in, log)

	merged, err := Merge(res, n.opts.Merge)
	if err != nil {
		log.Warn("table merge failed, keeping original content", "error", err)
		merged = unmerged(res)
	} else if len(merged.Candidates) > 0 {
		for _, c := range merged.Candidates {
			log.Info("tables merged", "tables", c.TableIdx)
		}
	}

	content := WrapTables(merged.Content, merged.Tables)
	bodies := TableBodies(content)
	descs := n.describeTables(ctx, bodies, log)
	content = InsertTableDescriptions(content, descs)
	content = InsertFigureDescriptions(content, refs)

	return Document{
		Markdown:   content,
		Pages:      len(res.Pages),
		Candidates: merged.Candidates,
		Tables:     len(bodies),
		Figures:    len(refs),
	}, nil
}

// unmerged returns the original content with the regions of all tables that
// have valid, ordered spans.
func unmerged(res *layout.Result) Merged {
	var regions []Region
	cur := 0
	for _, t := range res.Tables {
		lo, hi := layout.IntegralSpan(t.Spans)
		if lo < cur || hi > len(res.Content) || lo > hi {
			continue
		}
		regions = append(regions, Region{Start: lo, End: hi})
		cur = hi
	}
	return Merged{Content: res.Content, Tables: regions}
}

// figureRefs fetches, uploads and describes every figure, preserving order.
func (n *Normalizer) figureRefs(ctx context.Context, in Input, log *slog.Logger) []FigureRef {
	figures := in.Analysis.Result.Figures
	if len(figures) == 0 {
		return nil
	}
	stem := fileStem(in.FileName)
	idx := make([]int, len(figures))
	for i := range idx {
		idx[i] = i
	}
	return fn.ParMap(idx, n.opts.Workers, func(i int) FigureRef {
		fig := figures[i]
		if n.figures == nil || n.images == nil || fig.ID == "" {
			return FigureRef{}
		}
		img, err := n.figures.FigureImage(ctx, in.Analysis.ID, fig.ID)
		if err != nil {
			log.Warn("figure image unavailable", "figure", fig.ID, "error", err)
			return FigureRef{}
		}
		ref := fmt.Sprintf("figures/%s_figure_%d.png", stem, i+1)
		key := domain.ImageKey(n.opts.ImagePrefix, in.KnowledgeBaseID, ref)
		if _, err := n.images.Upload(ctx, key, img, "image/png"); err != nil {
			log.Warn("figure upload failed", "figure", fig.ID, "key", key, "error", err)
			return FigureRef{}
		}
		var desc string
		if n.describer != nil {
			desc, err = n.describer.DescribeImage(ctx, img, "image/png", fig.CaptionText())
			if err != nil {
				log.Warn("figure description failed", "figure", fig.ID, "error", err)
				desc = ""
			}
		}
		return FigureRef{Path: ref, Description: desc}
	})
}

func fileStem(name string) string {
	return strings.TrimSuffix(path.Base(name), path.Ext(name))
}

// FigureKeyPrefix is the object-storage key prefix shared by every figure
// image of one file.
func FigureKeyPrefix(imagePrefix, kbID, fileName string) string {
	return domain.ImageKey(imagePrefix, kbID, fileStem(fileName)+"_figure_")
}

func (n *Normalizer) describeTables(ctx context.Context, bodies []string, log *slog.Logger) []string {
	if n.describer == nil || len(bodies) == 0 {
		return nil
	}
	return fn.ParMap(bodies, n.opts.Workers, func(body string) string {
		desc, err := n.describer.DescribeTable(ctx, body)
		if err != nil {
			log.Warn("table description failed", "error", err)
			return ""
		}
		return desc
	})
}
