// Package chunk turns a normalized markdown document into content units.
// Table and figure blocks become their own units; the remaining body text is
// split along headers and paragraph boundaries into overlapping chunks. Every
// unit carries the page range it came from.
package chunk

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Options configures a Chunker.
type Options struct {
	// ChunkSize is the target chunk length in runes.
	ChunkSize int
	// Overlap is how many runes of a chunk may repeat in the next one.
	Overlap int
	// ImagePrefix is the object-storage prefix of figure images.
	ImagePrefix string
}

// DefaultOptions returns the production chunking parameters.
func DefaultOptions() Options {
	return Options{ChunkSize: 1000, Overlap: 100, ImagePrefix: "images"}
}

var (
	tableBlock    = regexp.MustCompile(`(?is)<table>\s*<description>(.*?)</description>(.*?)</table>`)
	figureBlock   = regexp.MustCompile(`(?is)<figure>.*?</figure>`)
	figureCaption = regexp.MustCompile(`(?is)<figcaption>(.*?)</figcaption>`)
	figureImage   = regexp.MustCompile(`!\[[^\]]*\]\(([^)\n]+)\)\s*<!--\s*FigureContent=(?s:(.*?))-->`)

	htmlComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	leftoverTag = regexp.MustCompile(`(?i)</?(?:figure|figcaption|table|description)>`)
)

// Chunker splits documents into content units. It is safe for concurrent use.
type Chunker struct {
	opts   Options
	logger *slog.Logger
	newID  func() string
}

// New creates a Chunker. A nil logger uses slog.Default.
func New(opts Options, logger *slog.Logger) *Chunker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		opts.Overlap = 0
	}
	return &Chunker{opts: opts, logger: logger, newID: uuid.NewString}
}

// block is an extracted table or figure in the original document.
type block struct {
	span
	unit domain.ContentUnit
}

// Chunk returns the text units followed by the table units and the image
// units of markdown. Page numbers are 1-indexed and clamped to the number of
// pages the markers describe.
func (c *Chunker) Chunk(markdown, fileID, fileName, kbID string) []domain.ContentUnit {
	pages := NewPageIndex(markdown)
	base := domain.ContentUnit{KnowledgeBaseID: kbID, FileID: fileID, FileName: fileName}
	log := c.logger.With("file_id", fileID)

	tables := c.tables(markdown, pages, base)
	figures := c.figures(markdown, pages, base, tables)

	removed := make([]span, 0, len(tables)+len(figures))
	for _, b := range tables {
		removed = append(removed, b.span)
	}
	for _, b := range figures {
		removed = append(removed, b.span)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].start < removed[j].start })

	residual := residualText(markdown, pages, removed)
	if strings.Contains(strings.ToLower(residual), "<table>") {
		log.Warn("table block without description left in body text")
	}
	texts := c.texts(residual, pages.Pages(), base)

	units := make([]domain.ContentUnit, 0, len(texts)+len(tables)+len(figures))
	units = append(units, texts...)
	for _, b := range tables {
		units = append(units, b.unit)
	}
	for _, b := range figures {
		units = append(units, b.unit)
	}
	log.Debug("document chunked", "text", len(texts), "tables", len(tables), "images", len(figures), "pages", pages.Pages())
	return units
}

func (c *Chunker) tables(doc string, pages *PageIndex, base domain.ContentUnit) []block {
	var out []block
	for _, m := range tableBlock.FindAllStringSubmatchIndex(doc, -1) {
		body := strings.TrimSpace(htmlComment.ReplaceAllString(doc[m[4]:m[5]], ""))
		desc := strings.TrimSpace(doc[m[2]:m[3]])
		if desc == "" {
			desc = body
		}
		u := base
		u.DocumentID = c.newID()
		u.DocumentType = domain.DocTable
		u.StartPage, u.EndPage = pages.Span(m[0], m[1])
		u.Content = desc
		u.TableContent = body
		out = append(out, block{span: span{m[0], m[1]}, unit: u})
	}
	return out
}

func (c *Chunker) figures(doc string, pages *PageIndex, base domain.ContentUnit, tables []block) []block {
	var out []block
	for _, m := range figureBlock.FindAllStringIndex(doc, -1) {
		sp := span{m[0], m[1]}
		if overlaps(sp, tables) {
			continue
		}
		fig := doc[m[0]:m[1]]
		img := figureImage.FindStringSubmatch(fig)
		if img == nil {
			c.logger.Debug("figure without image reference left in body text", "file_id", base.FileID, "offset", m[0])
			continue
		}
		var caption string
		if cm := figureCaption.FindStringSubmatch(fig); cm != nil {
			caption = strings.TrimSpace(cm[1])
		}
		ref := strings.TrimSpace(img[1])
		desc := strings.TrimSpace(img[2])

		u := base
		u.DocumentID = c.newID()
		u.DocumentType = domain.DocImage
		u.StartPage, u.EndPage = pages.Span(m[0], m[1])
		u.Content = "Caption: " + caption + "\nDescription: " + desc
		u.S3Path = domain.ImageKey(c.opts.ImagePrefix, base.KnowledgeBaseID, ref)
		out = append(out, block{span: sp, unit: u})
	}
	return out
}

func overlaps(sp span, blocks []block) bool {
	for _, b := range blocks {
		if sp.start < b.end && b.start < sp.end {
			return true
		}
	}
	return false
}

// residualText removes the extracted blocks from doc. Each block is replaced
// by the page-break markers it contained so pages keep their numbers.
func residualText(doc string, pages *PageIndex, removed []span) string {
	var b strings.Builder
	b.Grow(len(doc))
	cur := 0
	for _, r := range removed {
		b.WriteString(doc[cur:r.start])
		for _, marker := range pages.Breaks(doc, r.start, r.end) {
			b.WriteString("\n")
			b.WriteString(marker)
			b.WriteString("\n")
		}
		cur = r.end
	}
	b.WriteString(doc[cur:])
	return b.String()
}

func (c *Chunker) texts(residual string, pageCount int, base domain.ContentUnit) []domain.ContentUnit {
	pages := NewPageIndex(residual)
	comments := htmlComment.FindAllStringIndex(residual, -1)
	sp := &splitter{doc: residual, size: c.opts.ChunkSize, overlap: c.opts.Overlap, separators: defaultSeparators, atomic: comments}

	var out []domain.ContentUnit
	for _, section := range splitHeaders(residual) {
		for _, ch := range sp.split(section) {
			text := clean(residual[ch.start:ch.end])
			if text == "" {
				continue
			}
			first, last, ok := meaningful(residual, ch, comments)
			if !ok {
				first, last = ch.start, ch.end-1
			}
			u := base
			u.DocumentID = c.newID()
			u.DocumentType = domain.DocText
			u.StartPage = clamp(pages.Page(first), pageCount)
			u.EndPage = clamp(pages.Page(last), pageCount)
			u.Content = text
			out = append(out, u)
		}
	}
	return out
}

// meaningful returns the offsets of the first and last characters of ch that
// are neither whitespace nor inside an HTML comment.
func meaningful(doc string, ch span, comments [][]int) (int, int, bool) {
	inComment := func(i int) (int, bool) {
		for _, c := range comments {
			if i >= c[0] && i < c[1] {
				return c[1], true
			}
			if c[0] > i {
				break
			}
		}
		return 0, false
	}
	first := -1
	for i := ch.start; i < ch.end; i++ {
		if end, ok := inComment(i); ok {
			i = end - 1
			continue
		}
		if !isSpace(doc[i]) {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	last := first
	for i := first; i < ch.end; i++ {
		if end, ok := inComment(i); ok {
			i = end - 1
			continue
		}
		if !isSpace(doc[i]) {
			last = i
		}
	}
	return first, last, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

// clean strips HTML comments and leftover block tags from chunk text.
func clean(text string) string {
	text = htmlComment.ReplaceAllString(text, "")
	text = leftoverTag.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func clamp(page, pageCount int) int {
	if page < 1 {
		return 1
	}
	if pageCount > 0 && page > pageCount {
		return pageCount
	}
	return page
}
