// Package layout models the output of the document layout-analysis service and
// provides an HTTP client for its long-running analyze operation.
package layout

import (
	"fmt"
	"regexp"
)

// PageBreak matches the page-break marker the layout service writes between
// pages of the markdown content.
var PageBreak = regexp.MustCompile(`<!--\s*PageBreak\s*-->`)

// Paragraph roles that mark page furniture rather than body text.
const (
	RolePageHeader = "pageHeader"
	RolePageFooter = "pageFooter"
	RolePageNumber = "pageNumber"
)

// Result is the analyze result: the full markdown content plus the regions
// detected in it. Offsets index into Content.
type Result struct {
	Content    string      `json:"content"`
	Pages      []Page      `json:"pages"`
	Tables     []Table     `json:"tables"`
	Figures    []Figure    `json:"figures"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Span is a run of characters in Result.Content.
type Span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// End returns the exclusive end offset.
func (s Span) End() int { return s.Offset + s.Length }

// BoundingRegion locates a region on one page. Polygon holds four x,y corner
// pairs clockwise from top-left.
type BoundingRegion struct {
	PageNumber int       `json:"pageNumber"`
	Polygon    []float64 `json:"polygon"`
}

// Page is the geometry of one page.
type Page struct {
	PageNumber int     `json:"pageNumber"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Unit       string  `json:"unit,omitempty"`
}

// Table is a detected table region.
type Table struct {
	RowCount        int              `json:"rowCount"`
	ColumnCount     int              `json:"columnCount"`
	Spans           []Span           `json:"spans"`
	BoundingRegions []BoundingRegion `json:"boundingRegions"`
}

// Caption is an optional figure caption.
type Caption struct {
	Content         string           `json:"content"`
	Spans           []Span           `json:"spans,omitempty"`
	BoundingRegions []BoundingRegion `json:"boundingRegions,omitempty"`
}

// Figure is a detected figure region. ID addresses the cropped figure image
// on the analyze service.
type Figure struct {
	ID              string           `json:"id,omitempty"`
	Spans           []Span           `json:"spans"`
	BoundingRegions []BoundingRegion `json:"boundingRegions"`
	Caption         *Caption         `json:"caption,omitempty"`
}

// CaptionText returns the caption content or "".
func (f Figure) CaptionText() string {
	if f.Caption == nil {
		return ""
	}
	return f.Caption.Content
}

// Paragraph is a detected paragraph. An empty Role is body text.
type Paragraph struct {
	Role            string           `json:"role,omitempty"`
	Content         string           `json:"content"`
	Spans           []Span           `json:"spans"`
	BoundingRegions []BoundingRegion `json:"boundingRegions,omitempty"`
}

// IsBody reports whether the paragraph is body text rather than page furniture.
func (p Paragraph) IsBody() bool {
	switch p.Role {
	case RolePageHeader, RolePageFooter, RolePageNumber:
		return false
	}
	return true
}

// IntegralSpan returns the minimal [min, max) range covering all spans, or
// (-1, -1) when the region has no spans.
func IntegralSpan(spans []Span) (int, int) {
	if len(spans) == 0 {
		return -1, -1
	}
	lo, hi := spans[0].Offset, spans[0].End()
	for _, s := range spans[1:] {
		if s.Offset < lo {
			lo = s.Offset
		}
		if s.End() > hi {
			hi = s.End()
		}
	}
	return lo, hi
}

// TopPage returns the smallest page number the table appears on, or 0 when it
// has no bounding regions.
func (t Table) TopPage() int {
	top := 0
	for _, r := range t.BoundingRegions {
		if top == 0 || r.PageNumber < top {
			top = r.PageNumber
		}
	}
	return top
}

// Polygon corner indexes of the x coordinates.
const (
	xLeftTop     = 0
	xRightTop    = 2
	xRightBottom = 4
	xLeftBottom  = 6
)

// RightCoverage returns the largest fraction of page width reached by the
// right edge of any of the table's bounding regions.
func (r *Result) RightCoverage(t Table) (float64, error) {
	best := 0.0
	for _, region := range t.BoundingRegions {
		width, err := r.pageWidth(region.PageNumber)
		if err != nil {
			return 0, err
		}
		if len(region.Polygon) < 8 {
			return 0, fmt.Errorf("layout: polygon on page %d has %d coordinates", region.PageNumber, len(region.Polygon))
		}
		x := max(region.Polygon[xRightTop], region.Polygon[xRightBottom])
		if cover := x / width; cover > best {
			best = cover
		}
	}
	return best, nil
}

// LeftCoverage returns the smallest fraction of page width at which the left
// edge of any of the table's bounding regions starts. It is 1 when the table
// has no regions.
func (r *Result) LeftCoverage(t Table) (float64, error) {
	best := 1.0
	for _, region := range t.BoundingRegions {
		width, err := r.pageWidth(region.PageNumber)
		if err != nil {
			return 0, err
		}
		if len(region.Polygon) < 8 {
			return 0, fmt.Errorf("layout: polygon on page %d has %d coordinates", region.PageNumber, len(region.Polygon))
		}
		x := min(region.Polygon[xLeftTop], region.Polygon[xLeftBottom])
		if cover := x / width; cover < best {
			best = cover
		}
	}
	return best, nil
}

func (r *Result) pageWidth(page int) (float64, error) {
	if page < 1 || page > len(r.Pages) {
		return 0, fmt.Errorf("layout: page %d out of range (%d pages)", page, len(r.Pages))
	}
	w := r.Pages[page-1].Width
	if w <= 0 {
		return 0, fmt.Errorf("layout: page %d has width %v", page, w)
	}
	return w, nil
}
