package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/wessley-kb/engine/catalog"
	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/retrieve"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
)

type fakeRetriever struct {
	results []retrieve.Result
	err     error
	got     retrieve.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retrieve.Request) ([]retrieve.Result, error) {
	f.got = req
	if err := domain.ValidateQuery(req.Query); err != nil {
		return nil, err
	}
	return f.results, f.err
}

type fakeFormatter struct{}

func (fakeFormatter) Format(_ context.Context, results []retrieve.Result) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Unit.Content
	}
	return strings.Join(parts, "|")
}

type fakeAdmin struct {
	mu      sync.Mutex
	deleted []string
	count   uint64
	err     error
}

func (f *fakeAdmin) DeleteFile(_ context.Context, kbID, fileID, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, kbID+"/"+fileID+"/"+fileName)
	return f.err
}

func (f *fakeAdmin) DeleteKnowledgeBase(_ context.Context, kbID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, kbID)
	return f.err
}

func (f *fakeAdmin) Count(context.Context, string, string) (uint64, error) {
	return f.count, f.err
}

type fakeCatalog struct {
	files     map[string]catalog.File
	submitted []domain.FileRef
	offset    int
	limit     int
}

func (f *fakeCatalog) Submit(_ context.Context, _ string, files []domain.FileRef) error {
	f.submitted = append(f.submitted, files...)
	return nil
}

func (f *fakeCatalog) Get(_ context.Context, kbID, fileID string) (catalog.File, error) {
	file, ok := f.files[catalog.Key(kbID, fileID)]
	if !ok {
		return catalog.File{}, fmt.Errorf("get %s: %w", fileID, catalog.ErrNotFound)
	}
	return file, nil
}

func (f *fakeCatalog) List(_ context.Context, _ string, offset, limit int) ([]catalog.File, error) {
	f.offset, f.limit = offset, limit
	var out []catalog.File
	for _, file := range f.files {
		out = append(out, file)
	}
	return out, nil
}

type testServer struct {
	*server
	retriever *fakeRetriever
	admin     *fakeAdmin
	catalog   *fakeCatalog
	jobs      []domain.IngestJob
	handler   http.Handler
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ts := &testServer{
		retriever: &fakeRetriever{},
		admin:     &fakeAdmin{},
		catalog: &fakeCatalog{files: map[string]catalog.File{
			"kb1/f1": {KnowledgeBaseID: "kb1", FileID: "f1", FileName: "manual.pdf", Status: domain.StatusEmbedded, Units: 12, Pages: 4},
		}},
	}
	ts.server = &server{
		retriever:  ts.retriever,
		formatter:  fakeFormatter{},
		admin:      ts.admin,
		files:      ts.catalog,
		collection: "knowledge",
		metrics:    metrics.NewPipeline(metrics.New("test")),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		enqueue: func(_ context.Context, job domain.IngestJob) error {
			ts.jobs = append(ts.jobs, job)
			return nil
		},
	}
	ts.handler = ts.routes(token)
	return ts
}

func (ts *testServer) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[map[string]string](t, rec); resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestRetrieve(t *testing.T) {
	ts := newTestServer(t, "")
	ts.retriever.results = []retrieve.Result{
		{Unit: domain.ContentUnit{DocumentID: "d1", Content: "first"}, Score: 0.9},
		{Unit: domain.ContentUnit{DocumentID: "d2", Content: "second"}, Score: 0.5},
	}

	rec := ts.do("POST", "/api/retrieve", `{"query":"oil pressure","knowledge_base_ids":["kb1"],"limit":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[RetrieveResponse](t, rec)
	if len(resp.Results) != 2 || resp.Context != "first|second" {
		t.Errorf("resp = %+v", resp)
	}
	if ts.retriever.got.Limit != 2 || ts.retriever.got.KnowledgeBases[0] != "kb1" {
		t.Errorf("request = %+v", ts.retriever.got)
	}
	if got := testutil.ToFloat64(ts.metrics.Retrievals.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok retrievals = %v", got)
	}
}

func TestRetrieveEmptyResultsIsArray(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do("POST", "/api/retrieve", `{"query":"nothing","knowledge_base_ids":["kb1"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"results":[]`) {
		t.Errorf("body = %s", body)
	}
}

func TestRetrieveErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "not json", nil, http.StatusBadRequest},
		{"empty query", `{"query":"  "}`, nil, http.StatusBadRequest},
		{"backend down", `{"query":"q"}`, domain.Recoverable(errors.New("qdrant unavailable")), http.StatusServiceUnavailable},
		{"internal", `{"query":"q"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.retriever.err = tt.err
			rec := ts.do("POST", "/api/retrieve", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if resp := decode[map[string]string](t, rec); resp["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestIngestQueuesJob(t *testing.T) {
	ts := newTestServer(t, "secret")
	body := `{"files":[{"file_id":"f1","file_name":"manual.pdf","file_url":"https://files/f1","file_size":1.5}]}`

	if rec := ts.do("POST", "/api/knowledge/kb1/ingest", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec := ts.do("POST", "/api/knowledge/kb1/ingest", body, "Authorization", "Bearer secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[map[string]any](t, rec)
	if len(ts.jobs) != 1 {
		t.Fatalf("jobs = %d", len(ts.jobs))
	}
	job := ts.jobs[0]
	if resp["job_id"] != job.JobID || job.JobID == "" {
		t.Errorf("job id = %v, queued %q", resp["job_id"], job.JobID)
	}
	if job.KnowledgeBaseID != "kb1" || job.Collection != "knowledge" || job.SubmittedAt.IsZero() {
		t.Errorf("job = %+v", job)
	}
	if len(ts.catalog.submitted) != 1 || ts.catalog.submitted[0].FileID != "f1" {
		t.Errorf("catalog submitted = %+v", ts.catalog.submitted)
	}
}

func TestIngestRejectsInvalidJob(t *testing.T) {
	for _, body := range []string{
		`{"files":[{"file_id":"f1"}]}`,
		`{"files":[{"file_id":"f1","file_url":"file:///etc/hostname"}]}`,
		`{"files":[{"file_id":"f1","file_url":"/var/lib/kb/a.pdf"}]}`,
	} {
		ts := newTestServer(t, "")
		rec := ts.do("POST", "/api/knowledge/kb1/ingest", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rec.Code)
		}
		if len(ts.jobs) != 0 || len(ts.catalog.submitted) != 0 {
			t.Errorf("%s: invalid job should not be queued or recorded", body)
		}
	}
}

func TestIngestQueueUnavailable(t *testing.T) {
	ts := newTestServer(t, "")
	ts.enqueue = func(context.Context, domain.IngestJob) error { return errors.New("nats: no servers") }
	rec := ts.do("POST", "/api/knowledge/kb1/ingest", `{"files":[{"file_id":"f1","file_url":"https://files/f1"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFileStatus(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do("GET", "/api/knowledge/kb1/files/f1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if v := decode[FileView](t, rec); v.Status != domain.StatusEmbedded || v.Units != 12 || v.FileName != "manual.pdf" {
		t.Errorf("view = %+v", v)
	}

	if rec := ts.do("GET", "/api/knowledge/kb1/files/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", rec.Code)
	}
}

func TestListFiles(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do("GET", "/api/knowledge/kb1/files?offset=5&limit=10000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[struct {
		Files []FileView `json:"files"`
	}](t, rec)
	if len(resp.Files) != 1 {
		t.Errorf("files = %+v", resp.Files)
	}
	if ts.catalog.offset != 5 || ts.catalog.limit != maxPageSize {
		t.Errorf("paging = %d/%d", ts.catalog.offset, ts.catalog.limit)
	}

	if rec := ts.do("GET", "/api/knowledge/kb1/files?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestFilesWithoutCatalog(t *testing.T) {
	ts := newTestServer(t, "")
	ts.files = nil
	if rec := ts.do("GET", "/api/knowledge/kb1/files", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteFile(t *testing.T) {
	ts := newTestServer(t, "secret")
	auth := []string{"Authorization", "Bearer secret"}

	if rec := ts.do("DELETE", "/api/knowledge/kb1/files/f1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
	if rec := ts.do("DELETE", "/api/knowledge/kb1/files/f1", "", auth...); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := ts.do("DELETE", "/api/knowledge/kb1/files/f9?file_name=other.pdf", "", auth...); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	want := []string{"kb1/f1/manual.pdf", "kb1/f9/other.pdf"}
	if fmt.Sprint(ts.admin.deleted) != fmt.Sprint(want) {
		t.Errorf("deleted = %v, want %v", ts.admin.deleted, want)
	}
}

func TestDeleteKnowledgeBase(t *testing.T) {
	ts := newTestServer(t, "")
	if rec := ts.do("DELETE", "/api/knowledge/kb1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.admin.deleted) != 1 || ts.admin.deleted[0] != "kb1" {
		t.Errorf("deleted = %v", ts.admin.deleted)
	}

	ts.admin.err = domain.Recoverable(errors.New("qdrant down"))
	if rec := ts.do("DELETE", "/api/knowledge/kb1", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCount(t *testing.T) {
	ts := newTestServer(t, "")
	ts.admin.count = 42

	rec := ts.do("GET", "/api/knowledge/kb1/count?file_id=f1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["count"] != float64(42) || resp["file_id"] != "f1" || resp["knowledge_base_id"] != "kb1" {
		t.Errorf("resp = %v", resp)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("query", "", domain.ErrInvalidQuery), http.StatusBadRequest},
		{domain.Malformed(errors.New("bad pdf")), http.StatusBadRequest},
		{domain.Recoverable(errors.New("timeout")), http.StatusServiceUnavailable},
		{fmt.Errorf("search: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
