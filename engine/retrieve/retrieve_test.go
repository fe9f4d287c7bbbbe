package retrieve

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
)

// --- mocks ---

type mockEmbedder struct {
	vecs domain.Vectors
	err  error
}

func (m mockEmbedder) EmbedQuery(context.Context, string) (domain.Vectors, error) {
	return m.vecs, m.err
}

type mockSearcher struct {
	dense, sparse, hybrid []semantic.Hit
	denseErr              error
	kbIDs                 []string
	limits                []int
	hybridReq             semantic.HybridQuery
}

func (m *mockSearcher) QueryDense(_ context.Context, _ []float32, kbIDs []string, limit int) ([]semantic.Hit, error) {
	m.kbIDs = kbIDs
	m.limits = append(m.limits, limit)
	return m.dense, m.denseErr
}

func (m *mockSearcher) QuerySparse(_ context.Context, _ domain.SparseVector, _ []string, limit int) ([]semantic.Hit, error) {
	return m.sparse, nil
}

func (m *mockSearcher) QueryHybrid(_ context.Context, q semantic.HybridQuery) ([]semantic.Hit, error) {
	m.hybridReq = q
	return m.hybrid, nil
}

func hit(id string, score float32) semantic.Hit {
	return semantic.Hit{ID: id, Score: score, Unit: domain.ContentUnit{DocumentID: id, Content: "content " + id}}
}

func hits(ids ...string) []semantic.Hit {
	out := make([]semantic.Hit, len(ids))
	for i, id := range ids {
		out[i] = hit(id, 0)
	}
	return out
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Unit.DocumentID
	}
	return out
}

// --- fusion ---

func TestFuseRRF(t *testing.T) {
	fused := FuseRRF([][]semantic.Hit{hits("a", "b", "c"), hits("b", "d")}, 1)
	// b: 1/3 + 1/2, a: 1/2, d: 1/3, c: 1/4
	if got := ids(fused); !reflect.DeepEqual(got, []string{"b", "a", "d", "c"}) {
		t.Fatalf("order = %v", got)
	}
	want := []float64{1.0/3 + 1.0/2, 1.0 / 2, 1.0 / 3, 1.0 / 4}
	for i, r := range fused {
		if math.Abs(r.Score-want[i]) > 1e-12 {
			t.Errorf("score[%d] = %v, want %v", i, r.Score, want[i])
		}
	}
}

func TestFuseRRFIgnoresDuplicatesWithinList(t *testing.T) {
	fused := FuseRRF([][]semantic.Hit{hits("a", "a")}, 1)
	if len(fused) != 1 || fused[0].Score != 0.5 {
		t.Fatalf("fused = %+v", fused)
	}
}

func TestFuseRRFEmpty(t *testing.T) {
	if got := FuseRRF(nil, 1); len(got) != 0 {
		t.Fatalf("fused = %v", got)
	}
}

func TestThreshold(t *testing.T) {
	in := []Result{{Score: 0.6}, {Score: 0.5}, {Score: 0.3}}
	got := Threshold(in, 0.4)
	if len(got) != 2 || got[0].Score != 0.6 || got[1].Score != 0.5 {
		t.Fatalf("Threshold = %+v", got)
	}
	if len(in) != 3 || in[2].Score != 0.3 {
		t.Fatal("input was modified")
	}
	if got := Threshold(in, 0.5); len(got) != 2 {
		t.Fatalf("score equal to threshold should be kept: %+v", got)
	}
}

func TestFuseRRFProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pool := []string{"a", "b", "c", "d", "e", "f"}
		gen := rapid.SliceOfNDistinct(rapid.SampledFrom(pool), 0, len(pool), rapid.ID[string])
		dense := gen.Draw(t, "dense")
		sparse := gen.Draw(t, "sparse")
		fused := FuseRRF([][]semantic.Hit{hits(dense...), hits(sparse...)}, 1)

		union := map[string]bool{}
		for _, id := range append(append([]string{}, dense...), sparse...) {
			union[id] = true
		}
		if len(fused) != len(union) {
			t.Fatalf("fused %d units, union has %d", len(fused), len(union))
		}
		for i, r := range fused {
			if r.Score <= 0 || r.Score > 1 {
				t.Fatalf("score %v out of range", r.Score)
			}
			if i > 0 && fused[i-1].Score < r.Score {
				t.Fatalf("not sorted: %v", fused)
			}
		}
	})
}

// --- retriever ---

func newRetriever(s *mockSearcher, opts Options) *Retriever {
	vecs := domain.Vectors{Dense: []float32{1}, Sparse: domain.SparseVector{Indices: []uint32{1}, Values: []float32{1}}}
	return New(mockEmbedder{vecs: vecs}, s, opts, nil)
}

func TestRetrieve(t *testing.T) {
	s := &mockSearcher{
		dense:  hits("a", "b", "c"),
		sparse: hits("c", "a", "e"),
	}
	got, err := newRetriever(s, DefaultOptions()).Retrieve(context.Background(), Request{
		Query:          "pump pressure",
		KnowledgeBases: []string{"kb1"},
		Domain:         "fanuc",
	})
	if err != nil {
		t.Fatal(err)
	}
	// a: 1/2+1/3, c: 1/4+1/2, b: 1/3 and e: 1/4 fall under 0.4.
	if !reflect.DeepEqual(ids(got), []string{"a", "c"}) {
		t.Fatalf("results = %v", ids(got))
	}
	if !reflect.DeepEqual(s.kbIDs, []string{"kb1"}) {
		t.Errorf("kb filter = %v", s.kbIDs)
	}
	if !reflect.DeepEqual(s.limits, []int{3}) {
		t.Errorf("prefetch limits = %v", s.limits)
	}
}

func TestRetrieveLimit(t *testing.T) {
	s := &mockSearcher{dense: hits("a", "b", "c", "d", "e"), sparse: hits("e", "d", "c", "b", "a")}
	opts := DefaultOptions()
	opts.Threshold = 0
	got, err := newRetriever(s, opts).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb"}, Limit: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("results = %d, want 4", len(got))
	}
	if s.limits[0] != 4 {
		t.Errorf("prefetch = %d, want limit when above the floor", s.limits[0])
	}
}

func TestRetrieveNothingClearsThreshold(t *testing.T) {
	s := &mockSearcher{dense: hits("a", "b"), sparse: hits("c", "d")}
	opts := DefaultOptions()
	opts.Threshold = 0.6
	got, err := newRetriever(s, opts).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("results = %v", ids(got))
	}
}

func TestRetrieveServerFusion(t *testing.T) {
	s := &mockSearcher{hybrid: []semantic.Hit{hit("x", 0.6), hit("y", 0.5), hit("z", 0.3)}}
	opts := DefaultOptions()
	opts.ServerFusion = true
	got, err := newRetriever(s, opts).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb1", "kb2"}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(got), []string{"x", "y"}) {
		t.Fatalf("results = %v", ids(got))
	}
	if s.hybridReq.Limit != 3 || s.hybridReq.Prefetch != 3 || len(s.hybridReq.KnowledgeBases) != 2 {
		t.Errorf("hybrid request = %+v", s.hybridReq)
	}
}

func TestRetrieveServerFusionUsesItsOwnThreshold(t *testing.T) {
	s := &mockSearcher{hybrid: []semantic.Hit{hit("x", 0.6), hit("y", 0.5), hit("z", 0.3)}}
	opts := DefaultOptions()
	opts.ServerFusion = true
	opts.Threshold = 0.9
	opts.ServerThreshold = 0.55
	got, err := newRetriever(s, opts).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(got), []string{"x"}) {
		t.Fatalf("results = %v", ids(got))
	}

	opts.ServerFusion = false
	s = &mockSearcher{dense: []semantic.Hit{hit("x", 0.9)}}
	got, err = newRetriever(s, opts).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("client fusion ignored Threshold: %v", ids(got))
	}
}

func TestRetrieveValidation(t *testing.T) {
	r := newRetriever(&mockSearcher{}, DefaultOptions())
	if _, err := r.Retrieve(context.Background(), Request{Query: "  ", KnowledgeBases: []string{"kb"}}); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("blank query err = %v", err)
	}
	if _, err := r.Retrieve(context.Background(), Request{Query: "q"}); !errors.Is(err, domain.ErrMissingField) {
		t.Errorf("missing kb err = %v", err)
	}
}

func TestRetrieveErrors(t *testing.T) {
	boom := domain.Recoverable(errors.New("qdrant down"))
	s := &mockSearcher{denseErr: boom}
	_, err := newRetriever(s, DefaultOptions()).Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb"}})
	if !errors.Is(err, boom) || !domain.IsRecoverable(err) {
		t.Errorf("search err = %v", err)
	}

	r := New(mockEmbedder{err: errors.New("embed down")}, &mockSearcher{}, DefaultOptions(), nil)
	if _, err := r.Retrieve(context.Background(), Request{Query: "q", KnowledgeBases: []string{"kb"}}); err == nil || !strings.Contains(err.Error(), "embed query") {
		t.Errorf("embed err = %v", err)
	}
}

// --- formatting ---

type fakePresigner struct{ err error }

func (f fakePresigner) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://s3.local/" + key + "?ttl=" + ttl.String(), nil
}

func TestFormat(t *testing.T) {
	f := Formatter{FrontendURL: "https://kb.example.com/", Images: fakePresigner{}, TTL: time.Minute}
	results := []Result{
		{Unit: domain.ContentUnit{DocumentType: domain.DocText, FileID: "f1", FileName: "pump.pdf", StartPage: 2, EndPage: 3, Content: "Bleed the line."}},
		{Unit: domain.ContentUnit{DocumentType: domain.DocTable, FileID: "f1", FileName: "pump.pdf", StartPage: 4, EndPage: 4, Content: "Torque values", TableContent: "| Bolt | Nm |"}},
		{Unit: domain.ContentUnit{DocumentType: domain.DocImage, FileID: "f2", FileName: "valve.pdf", StartPage: 1, EndPage: 1, Content: "Caption: Valve\nDescription: cut view", S3Path: "images/kb/v.png"}},
	}
	out := f.Format(context.Background(), results)
	for _, want := range []string{
		"[1] pump.pdf, pages 2-3 (https://kb.example.com/references/f1?page=2)\nBleed the line.",
		"Table description: Torque values\nTable:\n| Bolt | Nm |",
		"[3] valve.pdf, pages 1-1 (https://kb.example.com/references/f2?page=1)",
		"Image: https://s3.local/images/kb/v.png?ttl=1m0s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "\n\n") != 2 {
		t.Errorf("results not separated by blank lines:\n%s", out)
	}
}

func TestFormatPresignFailure(t *testing.T) {
	f := Formatter{FrontendURL: "http://x", Images: fakePresigner{err: errors.New("denied")}}
	out := f.Format(context.Background(), []Result{{Unit: domain.ContentUnit{DocumentType: domain.DocImage, S3Path: "k", Content: "c"}}})
	if strings.Contains(out, "Image:") {
		t.Errorf("failed presign produced a link:\n%s", out)
	}
}
