// Package worker runs the processing loop: claim queued jobs from
// Postgres, run each through the pipeline inside its own transaction,
// and mark the job done or failed. It also owns the two background
// tickers: the reaper that returns stale processing jobs to the queue
// and the sender pass that delivers pending outbound messages.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/humtech/bookingbot/internal/pipeline"
	"github.com/humtech/bookingbot/internal/queue"
	"github.com/humtech/bookingbot/internal/sender"
	"github.com/humtech/bookingbot/internal/telemetry"
)

const (
	defaultConcurrency = 4
	defaultBatchSize   = 10
	defaultPollMin     = 500 * time.Millisecond
	defaultPollMax     = 2 * time.Second
	defaultJobTimeout  = 30 * time.Second
	defaultStaleAfter  = 5 * time.Minute
	defaultReapEvery   = time.Minute
	defaultSendEvery   = 2 * time.Second
	defaultSendBatch   = 25
)

// jobQueue is the slice of queue.Manager the worker needs.
type jobQueue interface {
	Claim(ctx context.Context, workerID string, batchSize int) ([]queue.Job, error)
	CompleteTx(ctx context.Context, tx sqlx.ExtContext, jobID string) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error)
	MaxAttempts() int
}

// jobProcessor runs one job inside the supplied transaction.
type jobProcessor interface {
	Process(ctx context.Context, tx sqlx.ExtContext, job *queue.Job) (*pipeline.Outcome, error)
}

// outboundSender delivers pending outbound messages and recovers ones
// abandoned mid-send.
type outboundSender interface {
	SendPending(ctx context.Context, limit int) (sender.Stats, error)
	ReclaimStuck(ctx context.Context, threshold time.Duration) (int64, error)
}

// Config holds worker configuration.
type Config struct {
	Logger   *slog.Logger
	DB       *sqlx.DB
	Queue    *queue.Manager
	Pipeline *pipeline.Pipeline
	Sender   *sender.Sender

	WorkerID    string
	Concurrency int
	BatchSize   int

	// Poll interval bounds. Each idle pass sleeps a random duration
	// between the two so a fleet of workers does not poll in lockstep.
	PollMin time.Duration
	PollMax time.Duration

	JobTimeout time.Duration
	StaleAfter time.Duration
	ReapEvery  time.Duration
	SendEvery  time.Duration
	SendBatch  int
}

// Worker claims and processes jobs until its context is canceled.
type Worker struct {
	logger     *slog.Logger
	db         *sqlx.DB
	queue      jobQueue
	pipeline   jobProcessor
	sender     outboundSender
	workerID   string
	batchSize  int
	pollMin    time.Duration
	pollMax    time.Duration
	jobTimeout time.Duration
	staleAfter time.Duration
	reapEvery  time.Duration
	sendEvery  time.Duration
	sendBatch  int

	concurrency int
	jobsChan    chan queue.Job
	wg          sync.WaitGroup
}

// NewWorker creates a worker from cfg, filling zero values with defaults.
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:      cfg.Logger,
		db:          cfg.DB,
		queue:       cfg.Queue,
		pipeline:    cfg.Pipeline,
		sender:      cfg.Sender,
		workerID:    cfg.WorkerID,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
		pollMin:     cfg.PollMin,
		pollMax:     cfg.PollMax,
		jobTimeout:  cfg.JobTimeout,
		staleAfter:  cfg.StaleAfter,
		reapEvery:   cfg.ReapEvery,
		sendEvery:   cfg.SendEvery,
		sendBatch:   cfg.SendBatch,
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.pollMin <= 0 {
		w.pollMin = defaultPollMin
	}
	if w.pollMax <= 0 {
		w.pollMax = defaultPollMax
	}
	if w.pollMax < w.pollMin {
		w.pollMax = w.pollMin
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.staleAfter <= 0 {
		w.staleAfter = defaultStaleAfter
	}
	if w.reapEvery <= 0 {
		w.reapEvery = defaultReapEvery
	}
	if w.sendEvery <= 0 {
		w.sendEvery = defaultSendEvery
	}
	if w.sendBatch <= 0 {
		w.sendBatch = defaultSendBatch
	}
	w.jobsChan = make(chan queue.Job, w.concurrency)
	return w
}

// Run starts the claim loop, the worker pool, the reaper and the sender
// pass, then blocks until ctx is canceled and all goroutines drain.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("batch_size", w.batchSize),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.wg.Add(1)
	go w.reaperLoop(ctx)

	w.wg.Add(1)
	go w.senderLoop(ctx)

	w.claimLoop(ctx)
	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// claimLoop polls the queue with a jittered interval and dispatches
// claimed jobs to the pool. When a full batch comes back it polls again
// immediately since more work is likely waiting.
func (w *Worker) claimLoop(ctx context.Context) {
	for {
		jobs, err := w.queue.Claim(ctx, w.workerID, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed",
				slog.String("worker_id", w.workerID),
				slog.String("error", err.Error()),
			)
		}

		for _, job := range jobs {
			telemetry.JobsClaimed.Inc()
			select {
			case w.jobsChan <- job:
			case <-ctx.Done():
				return
			}
		}

		if len(jobs) == w.batchSize {
			continue
		}

		select {
		case <-time.After(w.jitter()):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) jitter() time.Duration {
	span := w.pollMax - w.pollMin
	if span <= 0 {
		return w.pollMin
	}
	return w.pollMin + time.Duration(rand.Int63n(int64(span)))
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	for job := range w.jobsChan {
		w.processJob(ctx, job, workerNum)
	}
}

// processJob runs one job through the pipeline inside a single
// transaction. The job row itself is updated outside that transaction:
// a crash after commit leaves the job in processing until the reaper
// returns it, and the pipeline's idempotency checks absorb the rerun.
func (w *Worker) processJob(ctx context.Context, job queue.Job, workerNum int) {
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("trace_id", job.TraceID),
		slog.Int("worker_num", workerNum),
	)

	outcome, err := w.runInTx(jobCtx, &job)
	if err != nil {
		w.failJob(jobCtx, &job, err, logger)
		return
	}

	telemetry.JobsCompleted.Inc()
	if outcome.Route != "" {
		telemetry.RoutesDecided.WithLabelValues(outcome.Route).Inc()
	}
	if outcome.BookingID != "" {
		telemetry.Bookings.Inc()
	}

	logger.Info("job done",
		slog.String("route", outcome.Route),
		slog.Bool("idempotent_skip", outcome.IdempotentSkip),
	)
}

func (w *Worker) runInTx(ctx context.Context, job *queue.Job) (*pipeline.Outcome, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, queue.NewTransientError(err)
	}

	outcome, err := w.pipeline.Process(ctx, tx, job)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := w.queue.CompleteTx(ctx, tx, job.JobID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, queue.NewTransientError(err)
	}
	return outcome, nil
}

func (w *Worker) failJob(ctx context.Context, job *queue.Job, cause error, logger *slog.Logger) {
	code, retry := willRetry(job, cause, w.queue.MaxAttempts())
	if retry {
		telemetry.JobsRetried.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}

	logger.Warn("job failed",
		slog.String("code", code),
		slog.Bool("will_retry", retry),
		slog.Int("attempts", job.Attempts+1),
		slog.String("error", cause.Error()),
	)

	// Marking the failure must survive the job context being past its
	// deadline, so fall back to a short independent timeout.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := w.queue.Fail(ctx, job, cause); err != nil {
		logger.Error("failed to record job failure",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// willRetry mirrors the queue's retry decision so the counters match
// what Fail is about to do.
func willRetry(job *queue.Job, cause error, maxAttempts int) (code string, retry bool) {
	code, retryable := queue.ClassifyError(cause)
	return code, retryable && job.Attempts+1 < maxAttempts
}

func (w *Worker) reaperLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.ReclaimStale(ctx, w.staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("reclaim pass failed", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				telemetry.JobsReclaimed.Add(float64(n))
				w.logger.Warn("reclaimed stale jobs", slog.Int64("count", n))
			}

			m, err := w.sender.ReclaimStuck(ctx, w.staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("message reclaim pass failed", slog.String("error", err.Error()))
				}
				continue
			}
			if m > 0 {
				telemetry.MessagesReclaimed.Add(float64(m))
				w.logger.Warn("reclaimed stuck outbound messages", slog.Int64("count", m))
			}
		}
	}
}

func (w *Worker) senderLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sendEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := w.sender.SendPending(ctx, w.sendBatch)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("send pass failed", slog.String("error", err.Error()))
			}
			telemetry.MessagesSent.Add(float64(stats.Sent))
			telemetry.MessagesDryRun.Add(float64(stats.DryRun))
			telemetry.MessagesSendFailed.Add(float64(stats.Failed))
		}
	}
}
