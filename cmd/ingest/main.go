// Command ingest runs the ingestion worker. By default it consumes jobs from
// NATS; with -job or -file it runs a single job in process and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/ingest"
	"github.com/WessleyAI/wessley-kb/engine/kb"
	"github.com/WessleyAI/wessley-kb/pkg/config"
	"github.com/WessleyAI/wessley-kb/pkg/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		envFile    = flag.String("env", "", "path to a .env file (default .env)")
		jobFile    = flag.String("job", "", "run the job in this JSON file and exit")
		localFile  = flag.String("file", "", "ingest this local document and exit")
		kbID       = flag.String("kb", "", "knowledge base id for -file")
		fileID     = flag.String("file-id", "", "file id for -file (default: random)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *jobFile != "":
		err = runOnce(ctx, cfg, logger, func() (domain.IngestJob, error) { return readJob(*jobFile) }, os.Stdout)
	case *localFile != "":
		cfg.Ingest.LocalRoot = filepath.Dir(*localFile)
		err = runOnce(ctx, cfg, logger, func() (domain.IngestJob, error) {
			return localJob(*localFile, *kbID, *fileID, cfg.Qdrant.Collection)
		}, os.Stdout)
	default:
		err = serve(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

// serve consumes jobs until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := metrics.New("kb")
	reg.ServeAsync(cfg.HTTP.MetricsAddr, logger)

	svc, err := kb.Open(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer closeServices(svc, logger)

	if err := svc.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}
	runner, err := svc.Runner()
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("kb-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	var dd ingest.Deduper
	if svc.Dedup != nil {
		dd = svc.Dedup
	}
	consumer := ingest.NewConsumer(nc, runner, dd, ingest.ConsumerOptions{
		Subject:    cfg.NATS.Subject,
		DLQSubject: cfg.NATS.DLQSubject,
		Queue:      cfg.NATS.Queue,
		MaxRetries: cfg.NATS.MaxRetries,
	}, logger)
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	if err := consumer.Stop(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// runOnce runs one job as its final attempt and writes a summary to out.
func runOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, load func() (domain.IngestJob, error), out io.Writer) error {
	job, err := load()
	if err != nil {
		return err
	}
	svc, err := kb.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closeServices(svc, logger)

	if err := svc.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}
	runner, err := svc.Runner()
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, job, true)
	if err != nil {
		return err
	}
	if err := writeSummary(out, res); err != nil {
		return err
	}
	if n := res.Failed(); n > 0 {
		return fmt.Errorf("%d of %d files failed", n, len(res.Files))
	}
	return nil
}

type fileSummary struct {
	FileID string            `json:"file_id"`
	Status domain.FileStatus `json:"status"`
	Units  int               `json:"units"`
	Pages  int               `json:"pages"`
	Reason string            `json:"reason,omitempty"`
}

type jobSummary struct {
	JobID    string        `json:"job_id"`
	Embedded int           `json:"embedded"`
	Failed   int           `json:"failed"`
	Duration string        `json:"duration"`
	Files    []fileSummary `json:"files"`
}

func writeSummary(w io.Writer, res ingest.Result) error {
	sum := jobSummary{
		JobID:    res.JobID,
		Embedded: res.Embedded(),
		Failed:   res.Failed(),
		Duration: res.Duration.Round(time.Millisecond).String(),
	}
	for _, f := range res.Files {
		sum.Files = append(sum.Files, fileSummary{
			FileID: f.Ref.FileID,
			Status: f.Outcome.Status,
			Units:  f.Outcome.Units,
			Pages:  f.Outcome.Pages,
			Reason: f.Outcome.Reason,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func readJob(path string) (domain.IngestJob, error) {
	var job domain.IngestJob
	data, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("parse %s: %w", path, err)
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return job, domain.ValidateJob(job)
}

// localJob wraps one local document in a job read through a file:// URL.
func localJob(path, kbID, fileID, collection string) (domain.IngestJob, error) {
	if kbID == "" {
		return domain.IngestJob{}, errors.New("-kb is required with -file")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.IngestJob{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return domain.IngestJob{}, err
	}
	if fileID == "" {
		fileID = uuid.NewString()
	}
	job := domain.IngestJob{
		JobID:           uuid.NewString(),
		KnowledgeBaseID: kbID,
		Collection:      collection,
		SubmittedAt:     time.Now().UTC(),
		Files: []domain.FileRef{{
			FileID:   fileID,
			FileName: filepath.Base(abs),
			URL:      (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
			SizeMB:   float64(info.Size()) / (1 << 20),
		}},
	}
	return job, domain.ValidateJob(job)
}

func closeServices(svc *kb.Services, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), kb.ShutdownTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("close services", "err", err)
	}
}
