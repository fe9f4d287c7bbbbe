package embed

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
	"github.com/spaolacci/murmur3"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// BM25Options tunes the sparse term weighting.
type BM25Options struct {
	K              float64
	B              float64
	AvgLen         float64
	TokenMaxLength int
}

// DefaultBM25Options matches the weighting the collection's IDF modifier
// expects.
func DefaultBM25Options() BM25Options {
	return BM25Options{K: 1.2, B: 0.75, AvgLen: 256, TokenMaxLength: 40}
}

// BM25 computes term-frequency sparse vectors locally. Inverse document
// frequency is applied by the vector store at query time.
type BM25 struct {
	opts BM25Options
}

// NewBM25 creates a sparse encoder.
func NewBM25(opts BM25Options) *BM25 {
	def := DefaultBM25Options()
	if opts.K <= 0 {
		opts.K = def.K
	}
	if opts.B < 0 || opts.B > 1 {
		opts.B = def.B
	}
	if opts.AvgLen <= 0 {
		opts.AvgLen = def.AvgLen
	}
	if opts.TokenMaxLength <= 0 {
		opts.TokenMaxLength = def.TokenMaxLength
	}
	return &BM25{opts: opts}
}

// Document returns the BM25 term weights of a stored text.
func (m *BM25) Document(text string) domain.SparseVector {
	tokens := m.Tokens(text)
	if len(tokens) == 0 {
		return domain.SparseVector{}
	}
	tf := make(map[uint32]float64, len(tokens))
	for _, t := range tokens {
		tf[tokenIndex(t)]++
	}
	denom := m.opts.K * (1 - m.opts.B + m.opts.B*float64(len(tokens))/m.opts.AvgLen)
	weights := make(map[uint32]float32, len(tf))
	for idx, f := range tf {
		weights[idx] = float32(f * (m.opts.K + 1) / (f + denom))
	}
	return sparse(weights)
}

// Query returns a unit weight for every distinct term of a query.
func (m *BM25) Query(text string) domain.SparseVector {
	weights := make(map[uint32]float32)
	for _, t := range m.Tokens(text) {
		weights[tokenIndex(t)] = 1
	}
	return sparse(weights)
}

// Tokens folds, splits, filters stop words and stems text.
func (m *BM25) Tokens(text string) []string {
	folded, _, err := transform.String(folder(), text)
	if err != nil {
		folded = strings.ToLower(text)
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if len([]rune(w)) > m.opts.TokenMaxLength {
			continue
		}
		if s := english.Stem(w, false); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// folder decomposes accented characters, drops the marks and case folds.
// Transformers are stateful, so each call builds its own chain.
func folder() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold())
}

func tokenIndex(token string) uint32 {
	h := int64(int32(murmur3.Sum32([]byte(token))))
	if h < 0 {
		h = -h
	}
	return uint32(h)
}

func sparse(weights map[uint32]float32) domain.SparseVector {
	if len(weights) == 0 {
		return domain.SparseVector{}
	}
	v := domain.SparseVector{
		Indices: make([]uint32, 0, len(weights)),
		Values:  make([]float32, 0, len(weights)),
	}
	for idx := range weights {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, weights[idx])
	}
	return v
}

var stopWords = func() map[string]struct{} {
	words := strings.Fields(`a about above after again against ain all am an and any are aren
		as at be because been before being below between both but by can couldn d did didn
		do does doesn doing don down during each few for from further had hadn has hasn have
		haven having he her here hers herself him himself his how i if in into is isn it its
		itself just ll m ma me mightn more most mustn my myself needn no nor not now o of off
		on once only or other our ours ourselves out over own re s same shan she should
		shouldn so some such t than that the their theirs them themselves then there these
		they this those through to too under until up ve very was wasn we were weren what
		when where which while who whom why will with won wouldn y you your yours yourself
		yourselves`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
