package embed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/resilience"
)

// lenDense embeds a text as [len(text)] so order is easy to check.
type lenDense struct {
	mu      sync.Mutex
	calls   [][]string
	failOn  int
	short   bool
	callErr error
}

func (d *lenDense) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, texts)
	if d.callErr != nil && len(d.calls) == d.failOn {
		return nil, d.callErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	if d.short {
		return out[:len(out)-1], nil
	}
	return out, nil
}

func units(contents ...string) []domain.ContentUnit {
	out := make([]domain.ContentUnit, len(contents))
	for i, c := range contents {
		out[i] = domain.ContentUnit{DocumentID: c, DocumentType: domain.DocText, Content: c}
	}
	return out
}

func TestEmbedUnitsPreservesOrder(t *testing.T) {
	d := &lenDense{}
	e := New(d, nil, Options{BatchSize: 2}, nil)

	in := units("a", "bb", "ccc", "dddd", "eeeee")
	out, err := e.EmbedUnits(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d units", len(out))
	}
	for i, u := range out {
		if u.DocumentID != in[i].DocumentID {
			t.Errorf("unit %d = %s, want %s", i, u.DocumentID, in[i].DocumentID)
		}
		if u.Vectors.Dense[0] != float32(len(in[i].Content)) {
			t.Errorf("unit %d dense = %v", i, u.Vectors.Dense)
		}
	}
	if len(d.calls) != 3 {
		t.Errorf("dense calls = %d, want 3 batches", len(d.calls))
	}
}

func TestEmbedUnitsFailure(t *testing.T) {
	d := &lenDense{failOn: 2, callErr: domain.Recoverable(errors.New("503"))}
	e := New(d, nil, Options{BatchSize: 2}, nil)

	_, err := e.EmbedUnits(context.Background(), units("a", "b", "c", "d", "e"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.IsRecoverable(err) {
		t.Errorf("error lost its classification: %v", err)
	}
	if !strings.Contains(err.Error(), "units 2-3") {
		t.Errorf("error does not name the failed units: %v", err)
	}
}

func TestEmbedUnitsCountMismatch(t *testing.T) {
	e := New(&lenDense{short: true}, nil, DefaultOptions(), nil)
	if _, err := e.EmbedUnits(context.Background(), units("a", "b")); err == nil {
		t.Fatal("expected error when the model drops a vector")
	}
}

func TestEmbedQueryUsesQueryWeights(t *testing.T) {
	e := New(&lenDense{}, resilience.NewLimiter(resilience.LimiterOpts{Rate: 100, Burst: 5}), DefaultOptions(), nil)

	q, err := e.EmbedQuery(context.Background(), "pump pump pressure")
	if err != nil {
		t.Fatal(err)
	}
	if q.Sparse.Len() != 2 {
		t.Fatalf("query terms = %d, want 2", q.Sparse.Len())
	}
	for _, v := range q.Sparse.Values {
		if v != 1 {
			t.Errorf("query weight = %v, want 1", v)
		}
	}

	doc, err := e.Embed(context.Background(), "pump pump pressure")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Sparse.Len() != 2 || len(doc.Dense) != 1 {
		t.Fatalf("doc vectors = %+v", doc)
	}
}

func TestEmbedLimiterCancelled(t *testing.T) {
	l := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	e := New(&lenDense{}, l, DefaultOptions(), nil)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Embed(ctx, "x"); err == nil {
		t.Fatal("expected error with exhausted limiter and cancelled context")
	}
}
