// Package main implements the knowledge-base API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-kb/engine/catalog"
	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/ingest"
	"github.com/WessleyAI/wessley-kb/engine/kb"
	"github.com/WessleyAI/wessley-kb/engine/retrieve"
	"github.com/WessleyAI/wessley-kb/pkg/config"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
	"github.com/WessleyAI/wessley-kb/pkg/mid"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file (default .env)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New("kb")
	svc, err := kb.Open(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), kb.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("close services", "err", err)
		}
	}()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("kb-api"), nats.RetryOnFailedConnect(true))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	s := &server{
		retriever:  svc.Retriever,
		formatter:  svc.Formatter,
		admin:      svc,
		collection: cfg.Qdrant.Collection,
		metrics:    svc.Metrics,
		logger:     logger,
		enqueue: func(ctx context.Context, job domain.IngestJob) error {
			return ingest.Submit(ctx, nc, cfg.NATS.Subject, job)
		},
	}
	if svc.Catalog != nil {
		s.files = svc.Catalog
	}

	handler := mid.Chain(s.routes(cfg.HTTP.AuthToken),
		mid.Recover(logger),
		mid.RequestIDs(),
		mid.Logger(logger),
		mid.CORS(cfg.HTTP.CORSOrigin),
		mid.OTel("kb-api"),
		mid.Metrics(reg),
	)

	reg.ServeAsync(cfg.HTTP.MetricsAddr, logger)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), kb.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

type retriever interface {
	Retrieve(ctx context.Context, req retrieve.Request) ([]retrieve.Result, error)
}

type formatter interface {
	Format(ctx context.Context, results []retrieve.Result) string
}

// admin removes and counts indexed content.
type admin interface {
	DeleteFile(ctx context.Context, kbID, fileID, fileName string) error
	DeleteKnowledgeBase(ctx context.Context, kbID string) error
	Count(ctx context.Context, kbID, fileID string) (uint64, error)
}

// fileCatalog is the file status store. It is optional.
type fileCatalog interface {
	Submit(ctx context.Context, kbID string, files []domain.FileRef) error
	Get(ctx context.Context, kbID, fileID string) (catalog.File, error)
	List(ctx context.Context, kbID string, offset, limit int) ([]catalog.File, error)
}

type server struct {
	retriever  retriever
	formatter  formatter
	admin      admin
	files      fileCatalog
	enqueue    func(ctx context.Context, job domain.IngestJob) error
	collection string
	metrics    *metrics.Pipeline
	logger     *slog.Logger
}

func (s *server) routes(authToken string) *http.ServeMux {
	auth := mid.BearerAuth(authToken)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/retrieve", s.handleRetrieve)
	mux.Handle("POST /api/knowledge/{kb_id}/ingest", auth(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /api/knowledge/{kb_id}/files", s.handleListFiles)
	mux.HandleFunc("GET /api/knowledge/{kb_id}/files/{file_id}", s.handleGetFile)
	mux.Handle("DELETE /api/knowledge/{kb_id}/files/{file_id}", auth(http.HandlerFunc(s.handleDeleteFile)))
	mux.Handle("DELETE /api/knowledge/{kb_id}", auth(http.HandlerFunc(s.handleDeleteKnowledgeBase)))
	mux.HandleFunc("GET /api/knowledge/{kb_id}/count", s.handleCount)
	return mux
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	mid.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RetrieveResponse is the JSON response for POST /api/retrieve.
type RetrieveResponse struct {
	Results []retrieve.Result `json:"results"`
	// Context is the results rendered for a chat prompt.
	Context string `json:"context"`
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieve.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mid.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	results, err := s.retriever.Retrieve(r.Context(), req)
	metrics.Since(s.metrics.RetrieveTime.WithLabelValues(), start)
	if err != nil {
		status := errorStatus(err)
		s.metrics.Retrievals.WithLabelValues(strconv.Itoa(status)).Inc()
		if status >= http.StatusInternalServerError {
			s.logger.Error("retrieve failed", "err", err, "request_id", mid.RequestID(r.Context()))
		}
		mid.Error(w, status, publicMessage(status, err))
		return
	}
	s.metrics.Retrievals.WithLabelValues("ok").Inc()

	if results == nil {
		results = []retrieve.Result{}
	}
	mid.JSON(w, http.StatusOK, RetrieveResponse{
		Results: results,
		Context: s.formatter.Format(r.Context(), results),
	})
}

// IngestRequest is the JSON body for POST /api/knowledge/{kb_id}/ingest.
type IngestRequest struct {
	Collection string           `json:"collection,omitempty"`
	Files      []domain.FileRef `json:"files"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mid.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job := domain.IngestJob{
		JobID:           uuid.NewString(),
		KnowledgeBaseID: r.PathValue("kb_id"),
		Collection:      req.Collection,
		Files:           req.Files,
		SubmittedAt:     time.Now().UTC(),
	}
	if job.Collection == "" {
		job.Collection = s.collection
	}
	if err := domain.ValidateSubmission(job); err != nil {
		mid.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.files != nil {
		if err := s.files.Submit(r.Context(), job.KnowledgeBaseID, job.Files); err != nil {
			s.logger.Warn("catalog submit failed", "kb_id", job.KnowledgeBaseID, "err", err)
		}
	}
	if err := s.enqueue(r.Context(), job); err != nil {
		s.logger.Error("enqueue failed", "job_id", job.JobID, "err", err)
		mid.Error(w, http.StatusServiceUnavailable, "ingestion queue unavailable")
		return
	}
	s.logger.Info("ingest job queued", "job_id", job.JobID, "kb_id", job.KnowledgeBaseID, "files", len(job.Files))
	mid.JSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "files": len(job.Files)})
}

// FileView is the JSON form of a catalog entry.
type FileView struct {
	FileID    string            `json:"file_id"`
	FileName  string            `json:"file_name"`
	URL       string            `json:"file_url,omitempty"`
	Status    domain.FileStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Units     int               `json:"units"`
	Pages     int               `json:"pages"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func viewOf(f catalog.File) FileView {
	return FileView{
		FileID:    f.FileID,
		FileName:  f.FileName,
		URL:       f.URL,
		Status:    f.Status,
		Reason:    f.Reason,
		Units:     f.Units,
		Pages:     f.Pages,
		UpdatedAt: f.UpdatedAt,
	}
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		mid.Error(w, http.StatusNotImplemented, "file catalog is not configured")
		return
	}
	offset, err1 := queryInt(r, "offset", 0)
	limit, err2 := queryInt(r, "limit", defaultPageSize)
	if err := errors.Join(err1, err2); err != nil || offset < 0 || limit <= 0 {
		mid.Error(w, http.StatusBadRequest, "offset and limit must be non-negative integers")
		return
	}
	limit = min(limit, maxPageSize)

	files, err := s.files.List(r.Context(), r.PathValue("kb_id"), offset, limit)
	if err != nil {
		s.logger.Error("list files failed", "err", err)
		mid.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, viewOf(f))
	}
	mid.JSON(w, http.StatusOK, map[string]any{"files": views, "offset": offset, "limit": limit})
}

func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		mid.Error(w, http.StatusNotImplemented, "file catalog is not configured")
		return
	}
	f, err := s.files.Get(r.Context(), r.PathValue("kb_id"), r.PathValue("file_id"))
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		mid.Error(w, http.StatusNotFound, "file not found")
	case err != nil:
		s.logger.Error("get file failed", "err", err)
		mid.Error(w, http.StatusInternalServerError, "internal server error")
	default:
		mid.JSON(w, http.StatusOK, viewOf(f))
	}
}

func (s *server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	kbID, fileID := r.PathValue("kb_id"), r.PathValue("file_id")
	name := r.URL.Query().Get("file_name")
	if name == "" && s.files != nil {
		if f, err := s.files.Get(r.Context(), kbID, fileID); err == nil {
			name = f.FileName
		}
	}
	if err := s.admin.DeleteFile(r.Context(), kbID, fileID, name); err != nil {
		s.logger.Error("delete file failed", "kb_id", kbID, "file_id", fileID, "err", err)
		mid.Error(w, errorStatus(err), "delete failed")
		return
	}
	s.logger.Info("file deleted", "kb_id", kbID, "file_id", fileID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	kbID := r.PathValue("kb_id")
	if err := s.admin.DeleteKnowledgeBase(r.Context(), kbID); err != nil {
		s.logger.Error("delete knowledge base failed", "kb_id", kbID, "err", err)
		mid.Error(w, errorStatus(err), "delete failed")
		return
	}
	s.logger.Info("knowledge base deleted", "kb_id", kbID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	kbID, fileID := r.PathValue("kb_id"), r.URL.Query().Get("file_id")
	n, err := s.admin.Count(r.Context(), kbID, fileID)
	if err != nil {
		s.logger.Error("count failed", "kb_id", kbID, "err", err)
		mid.Error(w, errorStatus(err), "count failed")
		return
	}
	body := map[string]any{"knowledge_base_id": kbID, "count": n}
	if fileID != "" {
		body["file_id"] = fileID
	}
	mid.JSON(w, http.StatusOK, body)
}

// --- Helpers ---

// errorStatus maps pipeline errors to HTTP statuses.
func errorStatus(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest
	case domain.IsRecoverable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "search backend unavailable, retry later"
	default:
		return "internal server error"
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
