// Package normalize turns a layout-analysis result into the markdown document
// consumed by the chunker: tables split across page breaks are fused, every
// table is wrapped in <table> markup with a description, and figures receive
// an image reference plus a description comment.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/layout"
)

const borderSymbol = "|"

// MergeOptions tunes the cross-page merge heuristics.
type MergeOptions struct {
	// MaxGap is the largest number of non-markup characters allowed between
	// two vertically continued tables.
	MaxGap int
	// RightCover is the page-width fraction the first table's right edge must
	// reach for a horizontal continuation.
	RightCover float64
	// LeftCover is the page-width fraction the second table's left edge must
	// stay under for a horizontal continuation.
	LeftCover float64
}

// DefaultMergeOptions returns the heuristics tuned for the layout service.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{MaxGap: 2, RightCover: 0.99, LeftCover: 0.01}
}

// Candidate is a run of consecutive tables fused into one block.
type Candidate struct {
	TableIdx  []int
	MinOffset int
	MaxOffset int
	Content   string
	// Remark is inter-table text kept after a horizontally merged block.
	Remark string
}

// Region is a [Start, End) range of a string.
type Region struct {
	Start int
	End   int
}

// Merged is the outcome of Merge.
type Merged struct {
	Content    string
	Candidates []Candidate
	// Tables holds the position in Content of every table block, fused or
	// not, in document order.
	Tables []Region
}

type direction int

const (
	noMerge direction = iota
	vertical
	horizontal
)

func (d direction) String() string {
	switch d {
	case vertical:
		return "vertical"
	case horizontal:
		return "horizontal"
	}
	return "none"
}

var htmlComment = regexp.MustCompile(`(?s)<!--.*?-->`)

// MergeCrossPageTables fuses tables split across consecutive pages and returns
// the rewritten content. It never fails the caller: on any internal error it
// returns res.Content unchanged together with the error so the caller can log
// the fallback.
func MergeCrossPageTables(res *layout.Result, opts MergeOptions) (string, error) {
	m, err := Merge(res, opts)
	if err != nil {
		return res.Content, err
	}
	return m.Content, nil
}

// Merge plans and applies cross-page table merges. Errors are reported as
// domain.ErrMalformedInput; panics from inconsistent offsets are recovered.
func Merge(res *layout.Result, opts MergeOptions) (m Merged, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = Merged{}
			err = domain.Malformed(fmt.Errorf("normalize: merge tables: %v", r))
		}
	}()

	spans, err := integralSpans(res)
	if err != nil {
		return Merged{}, domain.Malformed(err)
	}
	cands, err := planMerges(res, spans, opts)
	if err != nil {
		return Merged{}, domain.Malformed(err)
	}
	content, regions := splice(res.Content, spans, cands)
	return Merged{Content: content, Candidates: cands, Tables: regions}, nil
}

// integralSpans returns each table's integral span; tables without spans get
// (-1, -1) and keep their index slot.
func integralSpans(res *layout.Result) ([]Region, error) {
	spans := make([]Region, len(res.Tables))
	for i, t := range res.Tables {
		lo, hi := layout.IntegralSpan(t.Spans)
		if lo >= 0 && (lo > hi || hi > len(res.Content)) {
			return nil, fmt.Errorf("normalize: table %d span [%d,%d) outside content of %d bytes", i, lo, hi, len(res.Content))
		}
		spans[i] = Region{Start: lo, End: hi}
	}
	return spans, nil
}

func planMerges(res *layout.Result, spans []Region, opts MergeOptions) ([]Candidate, error) {
	var cands []Candidate
	prev, prevPage := -1, -1

	for i, t := range res.Tables {
		if spans[i].Start < 0 {
			continue
		}
		page := t.TopPage()
		if page <= 0 {
			return nil, fmt.Errorf("normalize: table %d has spans but no page", i)
		}
		if prev >= 0 && prev == i-1 && page == prevPage+1 {
			dir, err := classify(res, spans, prev, opts)
			if err != nil {
				return nil, err
			}
			if dir != noMerge {
				cands, err = applyMerge(res, spans, cands, prev, dir)
				if err != nil {
					return nil, err
				}
			}
		}
		prev, prevPage = i, page
	}
	return cands, nil
}

// classify decides how table a and a+1 continue each other. Vertical wins
// when both apply.
func classify(res *layout.Result, spans []Region, a int, opts MergeOptions) (direction, error) {
	b := a + 1
	ta, tb := res.Tables[a], res.Tables[b]
	if spans[b].Start < spans[a].End {
		return noMerge, fmt.Errorf("normalize: tables %d and %d overlap", a, b)
	}

	gap := res.Content[spans[a].End:spans[b].Start]
	if !bodyBetween(res.Paragraphs, spans[a].End, spans[b].Start) &&
		ta.ColumnCount == tb.ColumnCount &&
		effectiveGap(gap) <= opts.MaxGap {
		return vertical, nil
	}

	if ta.RowCount != tb.RowCount {
		return noMerge, nil
	}
	right, err := res.RightCoverage(ta)
	if err != nil {
		return noMerge, err
	}
	left, err := res.LeftCoverage(tb)
	if err != nil {
		return noMerge, err
	}
	if right >= opts.RightCover && left <= opts.LeftCover {
		return horizontal, nil
	}
	return noMerge, nil
}

// applyMerge fuses table a+1 into the candidate ending at a, or starts a new
// candidate seeded with a and a+1.
func applyMerge(res *layout.Result, spans []Region, cands []Candidate, a int, dir direction) ([]Candidate, error) {
	b := a + 1
	cur := res.Content[spans[b].Start:spans[b].End]
	gap := res.Content[spans[a].End:spans[b].Start]

	if n := len(cands); n > 0 && cands[n-1].TableIdx[len(cands[n-1].TableIdx)-1] == a {
		c := &cands[n-1]
		fused, err := fuse(c.Content, cur, gap, dir)
		if err != nil {
			return nil, fmt.Errorf("normalize: extend merge %v with table %d: %w", c.TableIdx, b, err)
		}
		c.TableIdx = append(c.TableIdx, b)
		c.MaxOffset = spans[b].End
		c.Content = fused
		if dir == horizontal {
			c.Remark += gap
		}
		return cands, nil
	}

	pre := res.Content[spans[a].Start:spans[a].End]
	fused, err := fuse(pre, cur, gap, dir)
	if err != nil {
		return nil, fmt.Errorf("normalize: merge tables %d and %d: %w", a, b, err)
	}
	c := Candidate{
		TableIdx:  []int{a, b},
		MinOffset: spans[a].Start,
		MaxOffset: spans[b].End,
		Content:   fused,
	}
	if dir == horizontal {
		c.Remark = strings.TrimSpace(gap)
	}
	return append(cands, c), nil
}

func fuse(pre, cur, gap string, dir direction) (string, error) {
	preBody, preWrapped := unwrapTable(pre)
	curBody, curWrapped := unwrapTable(cur)

	var (
		out string
		err error
	)
	switch dir {
	case vertical:
		out, err = mergeVertical(preBody, curBody, layout.PageBreak.FindAllString(gap, -1))
	case horizontal:
		out = mergeHorizontal(preBody, curBody)
	default:
		return "", fmt.Errorf("unknown merge direction %d", dir)
	}
	if err != nil {
		return "", err
	}
	if preWrapped || curWrapped {
		out = "<table>\n" + out + "\n</table>"
	}
	return out, nil
}

// mergeVertical appends the rows of cur below pre after dropping cur's
// separator rows. Page-break markers found between the tables are kept
// between the two row groups.
func mergeVertical(pre, cur string, breaks []string) (string, error) {
	rows1 := splitRows(pre)
	rows2 := splitRows(removeSeparatorRows(cur))
	if len(rows1) == 0 || len(rows2) == 0 {
		return "", fmt.Errorf("empty table body")
	}
	if c1, c2 := columnCount(rows1[0]), columnCount(rows2[0]); c1 != c2 {
		return "", fmt.Errorf("different count of columns: %d vs %d", c1, c2)
	}
	rows := make([]string, 0, len(rows1)+len(breaks)+len(rows2))
	rows = append(rows, rows1...)
	rows = append(rows, breaks...)
	rows = append(rows, rows2...)
	return strings.Join(rows, "\n"), nil
}

// mergeHorizontal joins row i of pre with row i of cur, collapsing the
// touching borders into one.
func mergeHorizontal(pre, cur string) string {
	rows1, rows2 := splitRows(pre), splitRows(cur)
	n := min(len(rows1), len(rows2))
	rows := make([]string, n)
	for i := 0; i < n; i++ {
		rows[i] = strings.TrimSuffix(rows1[i], borderSymbol) + borderSymbol + strings.TrimPrefix(rows2[i], borderSymbol)
	}
	return strings.Join(rows, "\n")
}

func splitRows(table string) []string {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(table, "\r\n", "\n"), "\n")
}

func columnCount(row string) int {
	return len(strings.Split(row, borderSymbol)) - 2
}

// removeSeparatorRows drops header separator rows such as "| - | - |" or
// "|---|:--:|".
func removeSeparatorRows(table string) string {
	var b strings.Builder
	for _, line := range strings.Split(table, "\n") {
		if isSeparatorRow(line) {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func isSeparatorRow(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, borderSymbol) {
		return false
	}
	inner := strings.Trim(line, "| ")
	if inner == "" {
		return false
	}
	for _, cell := range strings.Split(inner, borderSymbol) {
		cell = strings.TrimSpace(cell)
		cell = strings.TrimSuffix(strings.TrimPrefix(cell, ":"), ":")
		if cell == "" || strings.Trim(cell, "-") != "" {
			return false
		}
	}
	return true
}

// unwrapTable strips an enclosing <table>...</table> pair.
func unwrapTable(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if len(t) >= len("<table></table>") &&
		strings.EqualFold(t[:len("<table>")], "<table>") &&
		strings.EqualFold(t[len(t)-len("</table>"):], "</table>") {
		return t[len("<table>") : len(t)-len("</table>")], true
	}
	return s, false
}

// effectiveGap counts the characters between two tables that are neither
// whitespace nor page-furniture comments.
func effectiveGap(gap string) int {
	n := 0
	for _, r := range htmlComment.ReplaceAllString(gap, "") {
		if r != ' ' && r != '\n' && r != '\r' && r != '\t' {
			n++
		}
	}
	return n
}

// bodyBetween reports whether a body paragraph starts strictly between start
// and end.
func bodyBetween(paragraphs []layout.Paragraph, start, end int) bool {
	for _, p := range paragraphs {
		if !p.IsBody() {
			continue
		}
		for _, s := range p.Spans {
			if s.Offset > start && s.Offset < end {
				return true
			}
		}
	}
	return false
}

// splice rewrites content with every candidate's fused block and remark and
// records where each table block ends up.
func splice(content string, spans []Region, cands []Candidate) (string, []Region) {
	var (
		b       strings.Builder
		regions []Region
		cur     int
		ci      int
	)
	b.Grow(len(content))
	for i := 0; i < len(spans); {
		if ci < len(cands) && cands[ci].TableIdx[0] == i {
			c := cands[ci]
			b.WriteString(content[cur:c.MinOffset])
			start := b.Len()
			b.WriteString(c.Content)
			regions = append(regions, Region{Start: start, End: b.Len()})
			b.WriteString(c.Remark)
			cur = c.MaxOffset
			i = c.TableIdx[len(c.TableIdx)-1] + 1
			ci++
			continue
		}
		if s := spans[i]; s.Start >= cur {
			b.WriteString(content[cur:s.Start])
			start := b.Len()
			b.WriteString(content[s.Start:s.End])
			regions = append(regions, Region{Start: start, End: b.Len()})
			cur = s.End
		}
		i++
	}
	b.WriteString(content[cur:])
	return b.String(), regions
}
