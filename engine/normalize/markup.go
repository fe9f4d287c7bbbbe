package normalize

import (
	"regexp"
	"strings"
)

const noDescription = "No description"

var (
	tableBlock     = regexp.MustCompile(`(?is)(<table>)(.*?)(</table>)`)
	figureBlock    = regexp.MustCompile(`(?s)<figure>.*?</figure>`)
	figureCloseTag = "</figure>"
)

// FigureRef is what gets written into a figure block: the image reference and
// the description of the image.
type FigureRef struct {
	Path        string
	Description string
}

// WrapTables surrounds each table region with <table> markup unless it is
// already wrapped. Regions must be ascending and non-overlapping.
func WrapTables(content string, regions []Region) string {
	var b strings.Builder
	b.Grow(len(content) + len(regions)*len("<table>\n\n</table>"))
	cur := 0
	for _, r := range regions {
		if r.Start < cur || r.End > len(content) || r.Start > r.End {
			continue
		}
		body := content[r.Start:r.End]
		b.WriteString(content[cur:r.Start])
		if _, wrapped := unwrapTable(body); wrapped {
			b.WriteString(body)
		} else {
			b.WriteString("<table>\n")
			b.WriteString(strings.TrimRight(body, "\n"))
			b.WriteString("\n</table>")
			if strings.HasSuffix(body, "\n") {
				b.WriteByte('\n')
			}
		}
		cur = r.End
	}
	b.WriteString(content[cur:])
	return b.String()
}

// TableBodies returns the inner text of every <table> block in order.
func TableBodies(content string) []string {
	matches := tableBlock.FindAllStringSubmatch(content, -1)
	bodies := make([]string, len(matches))
	for i, m := range matches {
		bodies[i] = m[2]
	}
	return bodies
}

// InsertTableDescriptions writes descs[i] as a <description> element at the
// start of the i-th table block. Blocks without a (non-empty) description get
// "No description".
func InsertTableDescriptions(content string, descs []string) string {
	matches := tableBlock.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	b.Grow(len(content) + len(matches)*64)
	cur := 0
	for i, m := range matches {
		openEnd := m[3]
		desc := noDescription
		if i < len(descs) && strings.TrimSpace(descs[i]) != "" {
			desc = strings.TrimSpace(descs[i])
		}
		b.WriteString(content[cur:openEnd])
		b.WriteString("\n<description>")
		b.WriteString(desc)
		b.WriteString("</description>")
		cur = openEnd
	}
	b.WriteString(content[cur:])
	return b.String()
}

// InsertFigureDescriptions writes refs[i] before the closing tag of the i-th
// figure block as an image reference followed by a FigureContent comment.
// Figures without an image path are left untouched.
func InsertFigureDescriptions(content string, refs []FigureRef) string {
	matches := figureBlock.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	b.Grow(len(content) + len(matches)*128)
	cur := 0
	for i, m := range matches {
		if i >= len(refs) || refs[i].Path == "" {
			continue
		}
		closeAt := m[1] - len(figureCloseTag)
		b.WriteString(content[cur:closeAt])
		b.WriteString("\n![](")
		b.WriteString(refs[i].Path)
		b.WriteString(")<!-- FigureContent=")
		b.WriteString(commentSafe(refs[i].Description))
		b.WriteString(" -->\n")
		cur = closeAt
	}
	b.WriteString(content[cur:])
	return b.String()
}

// commentSafe keeps a description from terminating the surrounding comment.
func commentSafe(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-->", "->")
}
