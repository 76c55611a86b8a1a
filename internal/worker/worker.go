// Package worker runs bounded batches of queued jobs through the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
	"github.com/JakeFAU/keyword-graph-crawler/internal/provider"
)

var tracer = otel.Tracer("github.com/JakeFAU/keyword-graph-crawler/internal/worker")

// MaxBatch caps the number of jobs one batch may claim.
const MaxBatch = 100

// stateTimeout bounds queue writes made after the batch context is gone.
const stateTimeout = 10 * time.Second

// Queue is the job lifecycle the worker drives.
type Queue interface {
	Dequeue(ctx context.Context, jobType crawler.JobType, n int) ([]crawler.Job, error)
	Complete(ctx context.Context, job crawler.Job) (crawler.Job, error)
	Fail(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error)
	FailPermanently(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error)
	Release(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error)
}

// Handler executes job payloads.
type Handler interface {
	FetchRelated(ctx context.Context, p crawler.FetchRelatedPayload) (crawler.ExpandResult, error)
	CountDocs(ctx context.Context, p crawler.CountDocsPayload) (crawler.DocCountSnapshot, error)
	MarkFailed(ctx context.Context, job crawler.Job) error
}

// BatchResult summarizes one batch.
type BatchResult struct {
	Type      crawler.JobType `json:"type"`
	Claimed   int             `json:"claimed"`
	Processed int             `json:"processed"`
	Retried   int             `json:"retried"`
	Failed    int             `json:"failed"`
	Released  int             `json:"released"`
	Errors    []string        `json:"errors,omitempty"`
}

// Worker consumes queued jobs one batch at a time.
type Worker struct {
	queue   Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, handler: handler, logger: logger}
}

// RunBatch claims up to n jobs of jobType and processes them sequentially. Job failures
// are reported in the result; only queue errors are returned. Once ctx is done no
// further job starts: the interrupted job and the unstarted rest are released back to
// pending without spending an attempt.
func (w *Worker) RunBatch(ctx context.Context, jobType crawler.JobType, n int) (BatchResult, error) {
	n = min(max(n, 1), MaxBatch)
	if err := ctx.Err(); err != nil {
		return BatchResult{Type: jobType}, fmt.Errorf("batch not started: %w", err)
	}
	ctx, span := tracer.Start(ctx, "worker.batch")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(jobType)), attribute.Int("batch.size", n))

	metrics.IncActiveBatches()
	defer metrics.DecActiveBatches()
	start := time.Now()
	defer func() { metrics.ObserveBatch(string(jobType), time.Since(start)) }()

	result := BatchResult{Type: jobType}
	jobs, err := w.queue.Dequeue(ctx, jobType, n)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("dequeue: %w", err)
	}
	result.Claimed = len(jobs)

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			w.release(ctx, jobs[i:], err, &result)
			break
		}
		w.processJob(ctx, job, &result)
	}

	span.SetAttributes(
		attribute.Int("batch.claimed", result.Claimed),
		attribute.Int("batch.processed", result.Processed),
		attribute.Int("batch.released", result.Released),
		attribute.Int("batch.errors", len(result.Errors)),
	)
	if result.Claimed > 0 {
		w.logger.Info("batch finished",
			zap.String("type", string(jobType)),
			zap.Int("claimed", result.Claimed),
			zap.Int("processed", result.Processed),
			zap.Int("retried", result.Retried),
			zap.Int("failed", result.Failed),
			zap.Int("released", result.Released),
		)
	}
	return result, nil
}

// stateContext outlives ctx so that queue transitions land after a cancel.
func stateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), stateTimeout)
}

func (w *Worker) release(ctx context.Context, jobs []crawler.Job, cause error, result *BatchResult) {
	sctx, cancel := stateContext(ctx)
	defer cancel()
	for _, job := range jobs {
		if _, err := w.queue.Release(sctx, job, cause); err != nil {
			w.logger.Error("release job failed", zap.String("job_id", job.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
			continue
		}
		result.Released++
	}
}

func (w *Worker) processJob(ctx context.Context, job crawler.Job, result *BatchResult) {
	ctx, span := tracer.Start(ctx, "worker.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempts", job.Attempts),
	)

	jobErr := w.execute(ctx, job)
	sctx, cancel := stateContext(ctx)
	defer cancel()
	if jobErr == nil {
		if _, err := w.queue.Complete(sctx, job); err != nil {
			w.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", job.ID, err))
			return
		}
		result.Processed++
		return
	}

	span.RecordError(jobErr)
	span.SetStatus(codes.Error, jobErr.Error())
	if ctx.Err() != nil {
		w.release(ctx, []crawler.Job{job}, jobErr, result)
		return
	}
	result.Errors = append(result.Errors, fmt.Sprintf("job %s: %v", job.ID, jobErr))

	var (
		updated crawler.Job
		err     error
	)
	if terminal(jobErr) {
		updated, err = w.queue.FailPermanently(sctx, job, jobErr)
	} else {
		updated, err = w.queue.Fail(sctx, job, jobErr)
	}
	if err != nil {
		w.logger.Error("record job failure failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if updated.Status != crawler.JobStatusFailed {
		result.Retried++
		return
	}
	result.Failed++
	if err := w.handler.MarkFailed(sctx, updated); err != nil {
		w.logger.Warn("mark keyword failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) execute(ctx context.Context, job crawler.Job) error {
	switch {
	case job.Type == crawler.JobTypeFetchRelated && job.Payload.FetchRelated != nil:
		_, err := w.handler.FetchRelated(ctx, *job.Payload.FetchRelated)
		return err
	case job.Type == crawler.JobTypeCountDocs && job.Payload.CountDocs != nil:
		_, err := w.handler.CountDocs(ctx, *job.Payload.CountDocs)
		return err
	default:
		return fmt.Errorf("%w: job %s of type %s", errMalformedJob, job.ID, job.Type)
	}
}

var errMalformedJob = errors.New("malformed job")

// terminal reports failures that no retry can fix.
func terminal(err error) bool {
	return errors.Is(err, errMalformedJob) ||
		errors.Is(err, crawler.ErrNotFound) ||
		provider.KindOf(err) == provider.KindFatal
}
