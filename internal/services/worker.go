package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alfredoptarigan/cv-evaluation-pipeline/internal/logger"
	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/repositories"
	"alfredoptarigan/cv-evaluation-pipeline/internal/retry"
)

const pollBatchSize = 50

type Worker interface {
	Start(ctx context.Context)
	Stop()
	EnqueueJob(ctx context.Context, evalID uuid.UUID) error
}

type WorkerOptions struct {
	Concurrency int
	// PollInterval <= 0 disables the recovery poller.
	PollInterval time.Duration
	StaleAfter   time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

type worker struct {
	evalRepo         repositories.EvaluationRepository
	evaluatorService EvaluatorService
	queue            JobQueue
	opts             WorkerOptions
	wg               sync.WaitGroup
	stop             context.CancelFunc
	logger           *zap.Logger
}

func NewWorker(
	evalRepo repositories.EvaluationRepository,
	evaluatorService EvaluatorService,
	queue JobQueue,
	opts WorkerOptions,
	log *zap.Logger,
) Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &worker{
		evalRepo:         evalRepo,
		evaluatorService: evaluatorService,
		queue:            queue,
		opts:             opts,
		logger:           logger.Component(log, "worker"),
	}
}

// Start implements Worker. Jobs already running when ctx is cancelled or
// Stop is called are allowed to finish.
func (w *worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	jobCtx := context.WithoutCancel(ctx)

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.processJobs(runCtx, jobCtx, i+1)
	}

	if w.opts.PollInterval > 0 {
		w.wg.Add(1)
		go w.pollRecoverableJobs(runCtx)
	}

	w.logger.Info("worker started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Int("max_attempts", w.opts.MaxAttempts),
	)
}

// Stop implements Worker. It stops dequeuing and waits for in-flight jobs.
func (w *worker) Stop() {
	w.logger.Info("stopping worker")
	if w.stop != nil {
		w.stop()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// EnqueueJob implements Worker.
func (w *worker) EnqueueJob(ctx context.Context, evalID uuid.UUID) error {
	if err := w.queue.Enqueue(ctx, evalID, 0); err != nil {
		return err
	}
	w.logger.Debug("job enqueued", zap.String("evaluation_id", evalID.String()))
	return nil
}

func (w *worker) processJobs(runCtx, jobCtx context.Context, workerID int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker_id", workerID))

	for {
		evalID, err := w.queue.Dequeue(runCtx)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				log.Debug("consumer stopped")
				return
			}
			log.Warn("failed to dequeue job", zap.Error(err))
			select {
			case <-runCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.process(jobCtx, evalID, log.With(zap.String("evaluation_id", evalID.String())))
	}
}

// process runs one delivery and schedules the next one when the failure is
// retryable and attempts remain.
func (w *worker) process(ctx context.Context, evalID uuid.UUID, log *zap.Logger) {
	err := w.evaluatorService.EvaluateCandidate(ctx, evalID)
	if err == nil {
		return
	}
	if errors.Is(err, ErrJobNotClaimable) {
		log.Debug("duplicate delivery ignored")
		return
	}
	if IsTerminalJobError(err) {
		log.Warn("job failed permanently", zap.String("error_code", ErrorCode(err)), zap.Error(err))
		return
	}

	eval, ferr := w.evalRepo.FindByID(ctx, evalID)
	if ferr != nil {
		log.Error("failed to load job after failure", zap.Error(ferr))
		return
	}
	if eval.Attempts >= w.opts.MaxAttempts {
		log.Warn("job retries exhausted", zap.Int("attempts", eval.Attempts))
		return
	}

	delay := w.backoff(eval.Attempts)
	if err := w.queue.Enqueue(ctx, evalID, delay); err != nil {
		log.Error("failed to re-enqueue job", zap.Error(err))
		return
	}
	log.Info("job re-enqueued", zap.Int("attempts", eval.Attempts), zap.Duration("delay", delay))
}

// backoff is min(base * 2^(attempts-1), max).
func (w *worker) backoff(attempts int) time.Duration {
	return retry.Delay(retry.Options{
		MaxAttempts:       w.opts.MaxAttempts,
		BaseDelay:         w.opts.BaseBackoff,
		MaxDelay:          w.opts.MaxBackoff,
		BackoffMultiplier: 2,
	}, attempts)
}

func (w *worker) pollRecoverableJobs(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.enqueueRecoverable(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enqueueRecoverable redelivers queued rows, stale processing rows and
// retryable failed rows whose backoff has elapsed.
func (w *worker) enqueueRecoverable(ctx context.Context) {
	jobs, err := w.evalRepo.FindRecoverable(ctx, repositories.RecoverableQuery{
		RetryableCode: CodeProcessingError,
		MaxAttempts:   w.opts.MaxAttempts,
		StaleBefore:   time.Now().Add(-w.opts.StaleAfter),
		Limit:         pollBatchSize,
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to fetch recoverable jobs", zap.Error(err))
		}
		return
	}

	enqueued := 0
	for _, job := range jobs {
		if job.Status == models.StatusFailed && time.Since(job.UpdatedAt) < w.backoff(job.Attempts) {
			continue
		}
		if err := w.queue.Enqueue(ctx, job.ID, 0); err != nil {
			w.logger.Warn("failed to enqueue recoverable job", zap.String("evaluation_id", job.ID.String()), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		w.logger.Info("recoverable jobs enqueued", zap.Int("count", enqueued))
	}
}
