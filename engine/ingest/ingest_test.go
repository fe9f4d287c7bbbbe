package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/wessley-kb/engine/chunk"
	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/embed"
	"github.com/WessleyAI/wessley-kb/engine/layout"
	"github.com/WessleyAI/wessley-kb/engine/normalize"
	"github.com/WessleyAI/wessley-kb/engine/semantic"
	"github.com/WessleyAI/wessley-kb/pkg/fetch"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
)

// --- fakes ---

type fakeFetcher struct {
	mu    sync.Mutex
	order []string
	errs  map[string]error
	pages int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (fetch.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, url)
	if err := f.errs[url]; err != nil {
		return fetch.File{}, err
	}
	return fetch.File{Data: []byte(url), ContentType: "application/pdf", Pages: f.pages}, nil
}

// fakeAnalyzer returns a one-page analysis with body text, or the analysis
// registered for the document bytes.
type fakeAnalyzer struct {
	docs map[string]*layout.Analysis
	errs map[string]error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, doc []byte, _ string) (*layout.Analysis, error) {
	if err := a.errs[string(doc)]; err != nil {
		return nil, err
	}
	if an, ok := a.docs[string(doc)]; ok {
		return an, nil
	}
	return &layout.Analysis{ID: "op", Result: layout.Result{
		Content: "Body text of " + string(doc),
		Pages:   []layout.Page{{PageNumber: 1, Width: 8.5, Height: 11}},
	}}, nil
}

type fakeDense struct {
	err error
}

func (d fakeDense) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeIndex struct {
	mu         sync.Mutex
	events     []string
	deletes    []semantic.Scope
	units      []domain.EmbeddedUnit
	ensureErr  error
	upsertErr  error
	collection string
}

func (x *fakeIndex) EnsureCollection(context.Context) error { return x.ensureErr }

func (x *fakeIndex) Delete(_ context.Context, s semantic.Scope) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, "delete:"+s.FileID)
	x.deletes = append(x.deletes, s)
	return nil
}

func (x *fakeIndex) Upsert(_ context.Context, units []domain.EmbeddedUnit) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(units) > 0 {
		x.events = append(x.events, "upsert:"+units[0].FileID)
	}
	if x.upsertErr != nil {
		return 0, x.upsertErr
	}
	x.units = append(x.units, units...)
	return len(units), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	outs []domain.FileOutcome
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, out domain.FileOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outs = append(n.outs, out)
	return n.err
}

func (n *fakeNotifier) byFile() map[string]domain.FileOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := make(map[string]domain.FileOutcome, len(n.outs))
	for _, o := range n.outs {
		m[o.FileID] = o
	}
	return m
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
}

func (t *fakeTracker) Start(_ context.Context, _ string, f domain.FileRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, f.FileID+":processing")
	return nil
}

func (t *fakeTracker) Finish(_ context.Context, _ string, out domain.FileOutcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, out.FileID+":"+string(out.Status))
	return nil
}

type harness struct {
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	index    *fakeIndex
	notifier *fakeNotifier
	tracker  *fakeTracker
	metrics  *metrics.Pipeline
	dense    fakeDense
	describe normalize.Describer
	opts     Options
}

func newHarness() *harness {
	return &harness{
		fetcher:  &fakeFetcher{errs: map[string]error{}},
		analyzer: &fakeAnalyzer{docs: map[string]*layout.Analysis{}, errs: map[string]error{}},
		index:    &fakeIndex{},
		notifier: &fakeNotifier{},
		tracker:  &fakeTracker{},
		metrics:  metrics.NewPipeline(metrics.New("test")),
		opts:     Options{Workers: 1},
	}
}

func (h *harness) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(Deps{
		Fetcher:    h.fetcher,
		Analyzer:   h.analyzer,
		Normalizer: normalize.New(fakeFigures{}, &fakeImages{}, h.describe, normalize.DefaultOptions(), nil),
		Chunker:    chunk.New(chunk.DefaultOptions(), nil),
		Embedder:   embed.New(h.dense, nil, embed.DefaultOptions(), nil),
		Indexes: func(collection string) Index {
			h.index.collection = collection
			return h.index
		},
		Notifier: h.notifier,
		Tracker:  h.tracker,
		Metrics:  h.metrics,
	}, h.opts)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func job(files ...domain.FileRef) domain.IngestJob {
	return domain.IngestJob{JobID: "job-1", KnowledgeBaseID: "kb1", Collection: "kb_chunks", Files: files}
}

func ref(id string, size float64) domain.FileRef {
	return domain.FileRef{FileID: id, FileName: id + ".pdf", URL: "https://files/" + id, SizeMB: size}
}

// --- tests ---

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, DefaultOptions()); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestRunSmallestFirst(t *testing.T) {
	h := newHarness()
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("big", 5), ref("small", 1), ref("mid", 3)), true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"https://files/small", "https://files/mid", "https://files/big"}
	if strings.Join(h.fetcher.order, ",") != strings.Join(want, ",") {
		t.Errorf("fetch order = %v", h.fetcher.order)
	}
	if res.Embedded() != 3 || res.Failed() != 0 {
		t.Errorf("embedded %d failed %d", res.Embedded(), res.Failed())
	}
	if h.index.collection != "kb_chunks" {
		t.Errorf("collection = %q", h.index.collection)
	}
	outs := h.notifier.byFile()
	for _, id := range []string{"big", "small", "mid"} {
		o := outs[id]
		if o.Status != domain.StatusEmbedded || o.Units != 1 || o.Pages != 1 {
			t.Errorf("%s outcome = %+v", id, o)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Files.WithLabelValues("embedded")); got != 3 {
		t.Errorf("embedded files metric = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.InFlight.WithLabelValues()); got != 0 {
		t.Errorf("in flight = %v", got)
	}
}

func TestRunPurgesBeforeUpsert(t *testing.T) {
	h := newHarness()
	r := h.runner(t)

	if _, err := r.Run(context.Background(), job(ref("f1", 1)), true); err != nil {
		t.Fatal(err)
	}
	if len(h.index.deletes) != 1 || h.index.deletes[0] != (semantic.Scope{KnowledgeBaseID: "kb1", FileID: "f1"}) {
		t.Fatalf("deletes = %+v", h.index.deletes)
	}
	if strings.Join(h.index.events, ",") != "delete:f1,upsert:f1" {
		t.Errorf("events = %v", h.index.events)
	}
	u := h.index.units[0]
	if u.KnowledgeBaseID != "kb1" || u.FileID != "f1" || u.FileName != "f1.pdf" || len(u.Vectors.Dense) != 2 {
		t.Errorf("unit = %+v", u)
	}
	if strings.Join(h.tracker.events, ",") != "f1:processing,f1:embedded" {
		t.Errorf("tracker = %v", h.tracker.events)
	}
}

func TestRunIsolatesFileFailures(t *testing.T) {
	h := newHarness()
	h.fetcher.errs["https://files/bad"] = domain.Fatal(errors.New("download: status 404"))
	h.opts.Workers = 2
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("bad", 1), ref("good", 2)), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded() != 1 || res.Failed() != 1 || len(res.Deferred()) != 0 {
		t.Fatalf("embedded %d failed %d deferred %d", res.Embedded(), res.Failed(), len(res.Deferred()))
	}
	outs := h.notifier.byFile()
	if outs["bad"].Status != domain.StatusFailed || !strings.Contains(outs["bad"].Reason, "404") {
		t.Errorf("bad outcome = %+v", outs["bad"])
	}
	if outs["good"].Status != domain.StatusEmbedded {
		t.Errorf("good outcome = %+v", outs["good"])
	}
	if len(res.Exhausted()) != 0 {
		t.Errorf("fatal failures are not exhausted retries: %v", res.Exhausted())
	}
}

func TestRunDefersRecoverableFailures(t *testing.T) {
	h := newHarness()
	h.fetcher.errs["https://files/slow"] = domain.Recoverable(errors.New("timeout"))
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("slow", 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	if d := res.Deferred(); len(d) != 1 || d[0].FileID != "slow" {
		t.Fatalf("deferred = %v", d)
	}
	if res.Failed() != 0 {
		t.Errorf("failed = %d", res.Failed())
	}
	if len(h.notifier.outs) != 0 {
		t.Errorf("deferred file must not be reported: %+v", h.notifier.outs)
	}
	if strings.Join(h.tracker.events, ",") != "slow:processing,slow:pending" {
		t.Errorf("tracker = %v", h.tracker.events)
	}
}

func TestRunFinalAttemptReportsRecoverableFailures(t *testing.T) {
	h := newHarness()
	h.fetcher.errs["https://files/slow"] = domain.Recoverable(errors.New("timeout"))
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("slow", 1)), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deferred()) != 0 || res.Failed() != 1 {
		t.Fatalf("deferred %d failed %d", len(res.Deferred()), res.Failed())
	}
	if ex := res.Exhausted(); len(ex) != 1 || ex[0].FileID != "slow" {
		t.Errorf("exhausted = %v", ex)
	}
	if o := h.notifier.byFile()["slow"]; o.Status != domain.StatusFailed {
		t.Errorf("outcome = %+v", o)
	}
}

func TestRunAnalysisFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.analyzer.errs["https://files/f1"] = errors.New("analyze: status failed")
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("f1", 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	fr := res.Files[0]
	if !errors.Is(fr.Err, domain.ErrFatalPipeline) || fr.Deferred {
		t.Fatalf("err = %v deferred = %v", fr.Err, fr.Deferred)
	}
	if !strings.HasPrefix(fr.Outcome.Reason, "analysis failed") {
		t.Errorf("reason = %q", fr.Outcome.Reason)
	}
	if len(h.index.events) != 0 {
		t.Errorf("index touched: %v", h.index.events)
	}
}

func TestRunNoContentIsFatal(t *testing.T) {
	h := newHarness()
	h.analyzer.docs["https://files/blank"] = &layout.Analysis{Result: layout.Result{
		Content: "  \n",
		Pages:   []layout.Page{{PageNumber: 1, Width: 8.5, Height: 11}},
	}}
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("blank", 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	o := h.notifier.byFile()["blank"]
	if o.Status != domain.StatusFailed || !strings.Contains(o.Reason, "no content extracted") {
		t.Errorf("outcome = %+v", o)
	}
	if !errors.Is(res.Files[0].Err, domain.ErrFatalPipeline) {
		t.Errorf("err = %v", res.Files[0].Err)
	}
}

func TestRunSurfacesIndexingError(t *testing.T) {
	h := newHarness()
	h.index.upsertErr = &domain.IndexingError{Batch: 2, Committed: 128, Err: domain.Recoverable(errors.New("qdrant unavailable"))}
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("f1", 1)), true)
	if err != nil {
		t.Fatal(err)
	}
	var ie *domain.IndexingError
	if !errors.As(res.Files[0].Err, &ie) || ie.Batch != 2 || ie.Committed != 128 {
		t.Fatalf("err = %v", res.Files[0].Err)
	}
	if o := h.notifier.byFile()["f1"]; o.Status != domain.StatusFailed || !strings.Contains(o.Reason, "batch 2") {
		t.Errorf("outcome = %+v", o)
	}
	if got := testutil.ToFloat64(h.metrics.StageErrors.WithLabelValues("index")); got != 1 {
		t.Errorf("index stage errors = %v", got)
	}
}

func TestRunEmbedFailureIsRecoverable(t *testing.T) {
	h := newHarness()
	h.dense = fakeDense{err: domain.Recoverable(errors.New("429"))}
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("f1", 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Files[0].Deferred {
		t.Fatalf("embed failure should be deferred: %v", res.Files[0].Err)
	}
	if len(h.index.events) != 0 {
		t.Errorf("old points purged before new vectors were ready: %v", h.index.events)
	}
}

func TestRunRejectsInvalidJob(t *testing.T) {
	h := newHarness()
	r := h.runner(t)

	_, err := r.Run(context.Background(), domain.IngestJob{JobID: "j", KnowledgeBaseID: "kb1", Collection: "c"}, false)
	if !errors.Is(err, domain.ErrFatalPipeline) || !errors.Is(err, domain.ErrMissingField) {
		t.Fatalf("err = %v", err)
	}
	if len(h.fetcher.order) != 0 {
		t.Errorf("fetched %v", h.fetcher.order)
	}
}

func TestRunEnsureCollectionFailure(t *testing.T) {
	h := newHarness()
	h.index.ensureErr = domain.Recoverable(errors.New("connection refused"))
	r := h.runner(t)

	_, err := r.Run(context.Background(), job(ref("f1", 1)), false)
	if !domain.IsRecoverable(err) {
		t.Fatalf("err = %v", err)
	}
	if len(h.fetcher.order) != 0 || len(h.tracker.events) != 0 {
		t.Errorf("files touched: %v %v", h.fetcher.order, h.tracker.events)
	}
}

func TestRunNotifierFailureKeepsFileEmbedded(t *testing.T) {
	h := newHarness()
	h.notifier.err = errors.New("backend down")
	r := h.runner(t)

	res, err := r.Run(context.Background(), job(ref("f1", 1)), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded() != 1 || len(h.index.units) != 1 {
		t.Errorf("embedded %d units %d", res.Embedded(), len(h.index.units))
	}
	if strings.Join(h.tracker.events, ",") != "f1:processing,f1:embedded" {
		t.Errorf("tracker = %v", h.tracker.events)
	}
}

func TestReasonTruncated(t *testing.T) {
	long := errors.New(strings.Repeat("x", 3000))
	if got := reason(long); len(got) != maxReasonLen {
		t.Errorf("len = %d", len(got))
	}
	if got := reason(errors.New("short")); got != "short" {
		t.Errorf("reason = %q", got)
	}

	// "é" is two bytes, so byte 1000 falls inside a rune.
	got := reason(errors.New("x" + strings.Repeat("é", 1000)))
	if !utf8.ValidString(got) || len(got) != maxReasonLen-1 {
		t.Errorf("len = %d, valid = %v", len(got), utf8.ValidString(got))
	}
}

// --- end to end ---

type fakeFigures struct{}

func (fakeFigures) FigureImage(_ context.Context, analysisID, figureID string) ([]byte, error) {
	return []byte("png:" + analysisID + ":" + figureID), nil
}

type fakeImages struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeImages) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "s3://bucket/" + key, nil
}

type fakeDescriber struct{}

func (fakeDescriber) DescribeImage(_ context.Context, _ []byte, _ string, caption string) (string, error) {
	return "Cutaway of " + caption, nil
}

func (fakeDescriber) DescribeTable(_ context.Context, _ string) (string, error) {
	return "Pump models and their flow rates", nil
}

const pageBreak = "\n<!-- PageBreak -->\n"

// pumpManual is a three-page analysis: a table split across pages 1 and 2
// and a captioned figure on page 3.
func pumpManual() *layout.Analysis {
	var b strings.Builder
	res := layout.Result{}
	for i := 1; i <= 3; i++ {
		res.Pages = append(res.Pages, layout.Page{PageNumber: i, Width: 8.5, Height: 11})
	}
	text := func(s string) layout.Span {
		sp := layout.Span{Offset: b.Len(), Length: len(s)}
		b.WriteString(s)
		return sp
	}
	table := func(page, rows int, md string) {
		res.Tables = append(res.Tables, layout.Table{
			RowCount:    rows,
			ColumnCount: 2,
			Spans:       []layout.Span{text(md)},
			BoundingRegions: []layout.BoundingRegion{{
				PageNumber: page,
				Polygon:    []float64{1, 1, 7, 1, 7, 5, 1, 5},
			}},
		})
	}

	intro := text("Pump overview")
	res.Paragraphs = append(res.Paragraphs, layout.Paragraph{Content: "Pump overview", Spans: []layout.Span{intro}})
	text("\n\n")
	table(1, 3, "| Model | Flow |\n| - | - |\n| P1 | 10 |")
	text(pageBreak)
	table(2, 1, "| P2 | 20 |")
	text("\n\nMaintenance steps follow." + pageBreak)
	fig := text("<figure>\n<figcaption>Figure 1 Pump</figcaption>\n</figure>")
	res.Figures = []layout.Figure{{
		ID:      "3.1",
		Spans:   []layout.Span{fig},
		Caption: &layout.Caption{Content: "Figure 1 Pump"},
	}}
	res.Content = b.String()
	return &layout.Analysis{ID: "op-1", Result: res}
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness()
	h.describe = fakeDescriber{}
	h.fetcher.pages = 3
	h.analyzer.docs["https://files/manual"] = pumpManual()
	r := h.runner(t)

	file := domain.FileRef{FileID: "manual", FileName: "pump manual.pdf", URL: "https://files/manual", SizeMB: 1.2}
	res, err := r.Run(context.Background(), job(file), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Embedded() != 1 {
		t.Fatalf("file failed: %v", res.Files[0].Err)
	}

	var tables, images, texts []domain.EmbeddedUnit
	for _, u := range h.index.units {
		switch u.DocumentType {
		case domain.DocTable:
			tables = append(tables, u)
		case domain.DocImage:
			images = append(images, u)
		case domain.DocText:
			texts = append(texts, u)
		}
		if u.KnowledgeBaseID != "kb1" || u.FileID != "manual" || u.FileName != "pump manual.pdf" {
			t.Errorf("unit identity = %+v", u.ContentUnit)
		}
		if u.StartPage < 1 || u.EndPage > 3 || u.StartPage > u.EndPage {
			t.Errorf("unit pages %d-%d", u.StartPage, u.EndPage)
		}
		if u.Vectors.Sparse.Len() == 0 {
			t.Errorf("unit %s has no sparse vector", u.DocumentID)
		}
	}

	if len(tables) != 1 {
		t.Fatalf("tables = %+v", tables)
	}
	if tables[0].StartPage != 1 || tables[0].EndPage != 2 {
		t.Errorf("table pages = %d-%d, want 1-2", tables[0].StartPage, tables[0].EndPage)
	}
	if !strings.Contains(tables[0].TableContent, "| P1 | 10 |") || !strings.Contains(tables[0].TableContent, "| P2 | 20 |") {
		t.Errorf("table content = %q", tables[0].TableContent)
	}
	if !strings.Contains(tables[0].Content, "Pump models and their flow rates") {
		t.Errorf("table description = %q", tables[0].Content)
	}

	if len(images) != 1 {
		t.Fatalf("images = %+v", images)
	}
	img := images[0]
	if img.StartPage != 3 || img.EndPage != 3 {
		t.Errorf("image pages = %d-%d", img.StartPage, img.EndPage)
	}
	if img.S3Path != "images/kb1/pump manual_figure_1.png" {
		t.Errorf("s3 path = %q", img.S3Path)
	}
	if !strings.Contains(img.Content, "Figure 1 Pump") {
		t.Errorf("image content = %q", img.Content)
	}

	if len(texts) == 0 {
		t.Fatal("no text units")
	}
	var body strings.Builder
	for _, u := range texts {
		body.WriteString(u.Content)
		if strings.Contains(u.Content, "PageBreak") || strings.Contains(u.Content, "| P1 |") {
			t.Errorf("text unit leaks markup: %q", u.Content)
		}
	}
	if !strings.Contains(body.String(), "Pump overview") || !strings.Contains(body.String(), "Maintenance steps follow.") {
		t.Errorf("text = %q", body.String())
	}

	o := h.notifier.byFile()["manual"]
	if o.Status != domain.StatusEmbedded || o.Pages != 3 || o.Units != len(h.index.units) {
		t.Errorf("outcome = %+v", o)
	}
	if got := testutil.ToFloat64(h.metrics.Merges.WithLabelValues()); got != 1 {
		t.Errorf("merges = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.Units.WithLabelValues("table")); got != 1 {
		t.Errorf("table units metric = %v", got)
	}
}
