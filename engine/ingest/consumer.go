package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/dedup"
	"github.com/WessleyAI/wessley-kb/pkg/natsutil"
)

// Default subjects of the job queue.
const (
	JobSubject = "kb.ingest.jobs"
	DLQSubject = "kb.ingest.dlq"
	QueueGroup = "kb-ingest"
	// MaxRetries is how many attempts a job gets before it is dead-lettered.
	MaxRetries = 3
)

// Deduper guards against processing one delivery twice.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// ConsumerOptions names the subjects and the retry budget.
type ConsumerOptions struct {
	Subject    string
	DLQSubject string
	Queue      string
	MaxRetries int
}

// DefaultConsumerOptions returns the production subjects.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{Subject: JobSubject, DLQSubject: DLQSubject, Queue: QueueGroup, MaxRetries: MaxRetries}
}

// Consumer feeds jobs from NATS to a Runner. Recoverable failures are
// republished with an incremented X-Retry-Count header; once the budget is
// spent the job goes to the dead-letter subject.
type Consumer struct {
	nc     *nats.Conn
	runner *Runner
	dedup  Deduper
	opts   ConsumerOptions
	logger *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewConsumer creates a Consumer. dedup may be nil.
func NewConsumer(nc *nats.Conn, runner *Runner, dd Deduper, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	def := DefaultConsumerOptions()
	if opts.Subject == "" {
		opts.Subject = def.Subject
	}
	if opts.DLQSubject == "" {
		opts.DLQSubject = def.DLQSubject
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{nc: nc, runner: runner, dedup: dd, opts: opts, logger: logger}
}

// Start subscribes. Jobs run with ctx, so cancelling it aborts the job in
// progress.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := natsutil.QueueSubscribe(c.nc, c.opts.Subject, c.opts.Queue,
		func(dctx context.Context, d natsutil.Delivery[domain.IngestJob]) {
			c.handle(trace.ContextWithRemoteSpanContext(ctx, trace.SpanContextFromContext(dctx)), d)
		},
		c.malformed,
	)
	if err != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", c.opts.Subject, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.logger.Info("ingest: consuming jobs", "subject", c.opts.Subject, "queue", c.opts.Queue)
	return nil
}

// Stop drains the subscription, letting the job in progress finish.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.sub.Drain()
	c.sub = nil
	return err
}

// Submit publishes a job on the job subject. Local file:// URLs are refused.
func Submit(ctx context.Context, nc *nats.Conn, subject string, job domain.IngestJob) error {
	if subject == "" {
		subject = JobSubject
	}
	if err := domain.ValidateSubmission(job); err != nil {
		return err
	}
	return natsutil.Publish(ctx, nc, subject, job)
}

func (c *Consumer) handle(ctx context.Context, d natsutil.Delivery[domain.IngestJob]) {
	job := d.Value
	log := c.logger.With("job_id", job.JobID, "kb_id", job.KnowledgeBaseID, "retry", d.Retries)
	defer ack(d.Msg)

	key, claimed := c.claim(ctx, job, d.Retries, log)
	if key != "" && !claimed {
		log.Info("ingest: skipping duplicate job")
		c.runner.metrics.Jobs.WithLabelValues("duplicate").Inc()
		return
	}

	final := d.Retries+1 >= c.opts.MaxRetries
	res, err := c.runner.Run(ctx, job, final)
	if err != nil {
		c.release(ctx, key, log)
		switch {
		case errors.Is(err, domain.ErrFatalPipeline):
			log.Error("ingest: job rejected", "error", err)
			c.deadLetter(ctx, job, err, d.Retries, log)
			c.runner.metrics.Jobs.WithLabelValues("rejected").Inc()
		default:
			log.Error("ingest: job failed", "error", err)
			c.retryOrDeadLetter(ctx, job, err, d.Retries, log)
		}
		return
	}

	if deferred := res.Deferred(); len(deferred) > 0 {
		retry := job
		retry.Files = deferred
		c.retryOrDeadLetter(ctx, retry, fileErrors(res), d.Retries, log)
	}
	if exhausted := res.Exhausted(); len(exhausted) > 0 {
		dead := job
		dead.Files = exhausted
		c.deadLetter(ctx, dead, fileErrors(res), d.Retries+1, log)
	}
	c.complete(ctx, key, log)

	outcome := "ok"
	if res.Failed() > 0 || len(res.Deferred()) > 0 {
		outcome = "partial"
	}
	c.runner.metrics.Jobs.WithLabelValues(outcome).Inc()
}

func (c *Consumer) retryOrDeadLetter(ctx context.Context, job domain.IngestJob, cause error, retries int, log *slog.Logger) {
	retries++
	if retries >= c.opts.MaxRetries {
		c.deadLetter(ctx, job, cause, retries, log)
		c.runner.metrics.Jobs.WithLabelValues("dead_letter").Inc()
		return
	}
	if err := natsutil.PublishRetry(ctx, c.nc, c.opts.Subject, job, retries); err != nil {
		log.Error("ingest: retry publish failed", "error", err)
		return
	}
	log.Warn("ingest: job requeued", "files", len(job.Files), "next_retry", retries)
	c.runner.metrics.Jobs.WithLabelValues("requeued").Inc()
}

func (c *Consumer) deadLetter(ctx context.Context, job domain.IngestJob, cause error, retries int, log *slog.Logger) {
	msg := dlqMessage{Job: job, Error: cause.Error(), Retries: retries}
	if err := natsutil.Publish(ctx, c.nc, c.opts.DLQSubject, msg); err != nil {
		log.Error("ingest: DLQ publish failed", "error", err)
		return
	}
	log.Warn("ingest: job dead-lettered", "files", len(job.Files))
}

func (c *Consumer) malformed(msg *nats.Msg, err error) {
	c.logger.Error("ingest: malformed job", "subject", msg.Subject, "error", err)
	c.deadLetter(context.Background(), domain.IngestJob{}, fmt.Errorf("malformed job %q: %w", truncate(msg.Data, 256), err), 0, c.logger)
	ack(msg)
}

// claim guards one delivery attempt. The retry count is part of the key so a
// requeued job is not mistaken for a duplicate of the attempt that requeued it.
func (c *Consumer) claim(ctx context.Context, job domain.IngestJob, retries int, log *slog.Logger) (string, bool) {
	if c.dedup == nil {
		return "", true
	}
	base, err := dedup.JobKey(job)
	if err != nil {
		log.Warn("ingest: dedup key failed", "error", err)
		return "", true
	}
	key := base + ":" + strconv.Itoa(retries)
	ok, err := c.dedup.Claim(ctx, key)
	if err != nil {
		log.Warn("ingest: dedup check failed, processing anyway", "error", err)
		return "", true
	}
	return key, ok
}

func (c *Consumer) release(ctx context.Context, key string, log *slog.Logger) {
	if key == "" {
		return
	}
	if err := c.dedup.Release(ctx, key); err != nil {
		log.Warn("ingest: dedup release failed", "error", err)
	}
}

func (c *Consumer) complete(ctx context.Context, key string, log *slog.Logger) {
	if key == "" {
		return
	}
	if err := c.dedup.Complete(ctx, key); err != nil {
		log.Warn("ingest: dedup complete failed", "error", err)
	}
}

// fileErrors joins the failures of a run into one error for the DLQ.
func fileErrors(res Result) error {
	var parts []string
	for _, f := range res.Files {
		if f.Err != nil {
			parts = append(parts, f.Ref.FileID+": "+f.Err.Error())
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func ack(msg *nats.Msg) {
	if msg != nil && msg.Reply != "" {
		_ = msg.Ack()
	}
}
