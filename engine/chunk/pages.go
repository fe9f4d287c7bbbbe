package chunk

import (
	"sort"

	"github.com/WessleyAI/wessley-kb/engine/layout"
)

// PageIndex maps character offsets of a document to 1-indexed page numbers
// using the positions of its page-break markers.
type PageIndex struct {
	size   int
	breaks [][2]int // [start, end) of each marker
}

// NewPageIndex scans doc once for page-break markers.
func NewPageIndex(doc string) *PageIndex {
	idx := &PageIndex{size: len(doc)}
	for _, m := range layout.PageBreak.FindAllStringIndex(doc, -1) {
		idx.breaks = append(idx.breaks, [2]int{m[0], m[1]})
	}
	return idx
}

// Pages returns the number of pages, which is one more than the number of
// markers.
func (p *PageIndex) Pages() int { return len(p.breaks) + 1 }

// Page returns the page that offset falls on. A marker belongs to the page
// it closes.
func (p *PageIndex) Page(offset int) int {
	return 1 + sort.Search(len(p.breaks), func(i int) bool { return p.breaks[i][1] > offset })
}

// Range returns the [start, end) offsets of page n, excluding markers.
func (p *PageIndex) Range(n int) (int, int) {
	if n < 1 || n > p.Pages() {
		return -1, -1
	}
	start, end := 0, p.size
	if n > 1 {
		start = p.breaks[n-2][1]
	}
	if n <= len(p.breaks) {
		end = p.breaks[n-1][0]
	}
	return start, end
}

// Span returns the first and last page touched by [start, end).
func (p *PageIndex) Span(start, end int) (int, int) {
	last := end - 1
	if last < start {
		last = start
	}
	return p.Page(start), p.Page(last)
}

// Breaks returns the markers found inside [start, end) in order.
func (p *PageIndex) Breaks(doc string, start, end int) []string {
	var out []string
	for _, b := range p.breaks {
		if b[0] >= start && b[1] <= end {
			out = append(out, doc[b[0]:b[1]])
		}
	}
	return out
}
