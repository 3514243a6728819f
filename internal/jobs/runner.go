package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/metrics"
)

var (
	ErrQueueFull = errors.New("jobs: queue is full")
	ErrStopped   = errors.New("jobs: runner is stopped")
)

// Job is a unit of background work. Run may be called more than once for the
// same job, so implementations must tolerate repeats.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Runner executes queued jobs on a fixed pool of workers and retries failed
// runs with a linear backoff.
type Runner struct {
	jobs        chan Job
	workers     int
	maxAttempts int
	backoff     time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(workers, queueSize, maxAttempts int, backoff time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Runner{
		jobs:        make(chan Job, queueSize),
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (r *Runner) Start(ctx context.Context) {
	for i := 1; i <= r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	log.Info().Int("workers", r.workers).Msg("jobs: runner started")
}

// Enqueue never blocks: a full queue is reported to the caller.
func (r *Runner) Enqueue(job Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return ErrStopped
	}
	select {
	case r.jobs <- job:
		return nil
	default:
		log.Warn().Str("job", job.Name()).Msg("jobs: queue is full, dropping job")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.jobs)
	}
	r.mu.Unlock()

	r.wg.Wait()
	log.Info().Msg("jobs: runner stopped")
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("worker", id).Msg("jobs: worker stopping on context cancellation")
			return
		case job, ok := <-r.jobs:
			if !ok {
				return
			}
			r.run(ctx, id, job)
		}
	}
}

func (r *Runner) run(ctx context.Context, workerID int, job Job) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := job.Run(ctx)
		if err == nil {
			metrics.RecordJobRun(job.Name(), true)
			log.Info().Int("worker", workerID).Str("job", job.Name()).Int("attempt", attempt).Msg("jobs: job completed")
			return
		}

		metrics.RecordJobRun(job.Name(), false)
		logEvent := log.Warn().Err(err).Int("worker", workerID).Str("job", job.Name()).Int("attempt", attempt)
		if IsPermanent(err) {
			logEvent.Msg("jobs: job failed permanently")
			return
		}
		if attempt == r.maxAttempts {
			log.Error().Err(err).Str("job", job.Name()).Int("attempts", attempt).Msg("jobs: giving up on job")
			return
		}
		logEvent.Msg("jobs: job failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
}
