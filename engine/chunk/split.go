package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// span is a [start, end) byte range of the residual document.
type span struct {
	start, end int
}

var headerLine = regexp.MustCompile(`(?m)^#{1,3}[ \t]+\S`)

// splitHeaders cuts doc into sections that each start at a level 1-3
// markdown header. Header lines stay in their section.
func splitHeaders(doc string) []span {
	var out []span
	start := 0
	for _, m := range headerLine.FindAllStringIndex(doc, -1) {
		if m[0] > start {
			out = append(out, span{start, m[0]})
		}
		start = m[0]
	}
	if start < len(doc) {
		out = append(out, span{start, len(doc)})
	}
	return out
}

// splitter is a recursive character splitter. Lengths are measured in runes;
// separators stay attached to the piece that follows them.
type splitter struct {
	doc        string
	size       int
	overlap    int
	separators []string
	// atomic holds sorted [start, end) ranges that are never cut, such as
	// HTML comments.
	atomic [][]int
}

// inside reports whether cutting at offset i would split an atomic range.
func (s *splitter) inside(i int) bool {
	for _, r := range s.atomic {
		if r[0] >= i {
			return false
		}
		if i < r[1] {
			return true
		}
	}
	return false
}

var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

func (s *splitter) length(sp span) int {
	return utf8.RuneCountInString(s.doc[sp.start:sp.end])
}

// split returns the chunk ranges of sp in document order, with surrounding
// whitespace trimmed.
func (s *splitter) split(sp span) []span {
	return s.splitWith(sp, s.separators)
}

func (s *splitter) splitWith(sp span, separators []string) []span {
	text := s.doc[sp.start:sp.end]
	sep := separators[len(separators)-1]
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			sep = candidate
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var (
		out  []span
		good []span
	)
	for _, piece := range s.pieces(sp, sep) {
		if s.length(piece) < s.size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			if t, ok := s.trim(piece); ok {
				out = append(out, t)
			}
			continue
		}
		out = append(out, s.splitWith(piece, rest)...)
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// pieces cuts sp before every occurrence of sep. An empty separator cuts
// between runes. No cut falls inside an atomic range.
func (s *splitter) pieces(sp span, sep string) []span {
	var out []span
	start := sp.start
	if sep == "" {
		for i := sp.start; i < sp.end; {
			_, n := utf8.DecodeRuneInString(s.doc[i:sp.end])
			i += n
			if i < sp.end && s.inside(i) {
				continue
			}
			out = append(out, span{start, i})
			start = i
		}
		return out
	}
	for from := start + 1; from < sp.end; {
		rel := strings.Index(s.doc[from:sp.end], sep)
		if rel < 0 {
			break
		}
		cut := from + rel
		from = cut + 1
		if s.inside(cut) {
			continue
		}
		out = append(out, span{start, cut})
		start = cut
	}
	if start < sp.end {
		out = append(out, span{start, sp.end})
	}
	return out
}

// merge packs contiguous pieces into chunks of at most size runes, carrying
// up to overlap runes of trailing pieces into the next chunk.
func (s *splitter) merge(pieces []span) []span {
	var (
		out     []span
		current []span
		total   int
	)
	for _, p := range pieces {
		n := s.length(p)
		if total+n > s.size && len(current) > 0 {
			if t, ok := s.trim(span{current[0].start, current[len(current)-1].end}); ok {
				out = append(out, t)
			}
			for total > s.overlap || (total+n > s.size && total > 0) {
				total -= s.length(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if len(current) > 0 {
		if t, ok := s.trim(span{current[0].start, current[len(current)-1].end}); ok {
			out = append(out, t)
		}
	}
	return out
}

// trim shrinks sp to exclude leading and trailing whitespace.
func (s *splitter) trim(sp span) (span, bool) {
	text := s.doc[sp.start:sp.end]
	left := len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
	right := len(strings.TrimRightFunc(text, unicode.IsSpace))
	if left >= right {
		return span{}, false
	}
	return span{sp.start + left, sp.start + right}, true
}
