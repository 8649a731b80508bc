// Package jobscheduler runs work across serialised queues while limiting overall concurrency.
package jobscheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/logging"
)

type Config struct {
	Concurrency int `hcl:"concurrency,optional" help:"The maximum number of concurrent jobs to run (0 means number of cores)." default:"0"`
}

type queueJob struct {
	id    string
	queue string
	run   func(ctx context.Context) error
}

func (j *queueJob) String() string { return fmt.Sprintf("job-%s-%s", j.queue, j.id) }

// Scheduler runs jobs concurrently across multiple serialised queues.
//
// Each queue runs at most one job at a time, in submission order, but separate queues run concurrently.
type Scheduler interface {
	// WithQueuePrefix creates a Scheduler that prefixes all queue names with the given prefix.
	WithQueuePrefix(prefix string) Scheduler
	// Submit a job to the queue.
	Submit(queue, id string, run func(ctx context.Context) error)
	// SubmitPeriodicJob submits a job that runs immediately, and then again interval after each run completes,
	// until the scheduler is closed.
	SubmitPeriodicJob(queue, id string, interval time.Duration, run func(ctx context.Context) error)
}

type prefixedScheduler struct {
	prefix    string
	scheduler Scheduler
}

func (p *prefixedScheduler) Submit(queue, id string, run func(ctx context.Context) error) {
	p.scheduler.Submit(p.prefix+queue, id, run)
}

func (p *prefixedScheduler) SubmitPeriodicJob(queue, id string, interval time.Duration, run func(ctx context.Context) error) {
	p.scheduler.SubmitPeriodicJob(p.prefix+queue, id, interval, run)
}

func (p *prefixedScheduler) WithQueuePrefix(prefix string) Scheduler {
	return &prefixedScheduler{prefix: p.prefix + prefix + "-", scheduler: p.scheduler}
}

// RootScheduler owns the worker pool.
type RootScheduler struct {
	ctx           context.Context //nolint:containedctx
	cancel        context.CancelFunc
	workAvailable chan struct{}
	lock          sync.Mutex
	queue         []queueJob
	active        map[string]bool
}

var _ Scheduler = (*RootScheduler)(nil)

// New starts a scheduler whose workers run until ctx is cancelled or Close is called.
func New(ctx context.Context, config Config) *RootScheduler {
	if config.Concurrency <= 0 {
		config.Concurrency = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &RootScheduler{
		ctx:           ctx,
		cancel:        cancel,
		workAvailable: make(chan struct{}, config.Concurrency),
		active:        map[string]bool{},
	}
	for id := range config.Concurrency {
		go q.worker(id)
	}
	return q
}

// Close stops the workers. Queued jobs that have not started are dropped.
func (q *RootScheduler) Close() error {
	q.cancel()
	return nil
}

func (q *RootScheduler) WithQueuePrefix(prefix string) Scheduler {
	return &prefixedScheduler{prefix: prefix + "-", scheduler: q}
}

func (q *RootScheduler) Submit(queue, id string, run func(ctx context.Context) error) {
	q.lock.Lock()
	q.queue = append(q.queue, queueJob{queue: queue, id: id, run: run})
	q.lock.Unlock()
	q.signal()
}

func (q *RootScheduler) SubmitPeriodicJob(queue, id string, interval time.Duration, run func(ctx context.Context) error) {
	q.Submit(queue, id, func(ctx context.Context) error {
		err := run(ctx)
		go func() {
			select {
			case <-time.After(interval):
				q.SubmitPeriodicJob(queue, id, interval, run)
			case <-q.ctx.Done():
			}
		}()
		return errors.WithStack(err)
	})
}

// signal wakes a worker. Signals are hints, so a full channel means enough workers are already awake.
func (q *RootScheduler) signal() {
	select {
	case q.workAvailable <- struct{}{}:
	default:
	}
}

func (q *RootScheduler) worker(id int) {
	ctx := q.ctx
	logger := logging.FromContext(ctx).With("scheduler-worker", id)
	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "Worker terminated")
			return

		case <-q.workAvailable:
			for ctx.Err() == nil {
				job, ok := q.takeNextJob()
				if !ok {
					break
				}
				jlogger := logger.With("job", job.String())
				jlogger.DebugContext(ctx, "Running job")
				if err := job.run(ctx); err != nil {
					jlogger.ErrorContext(ctx, "Job failed", "error", err)
				}
				q.markQueueInactive(job.queue)
			}
		}
	}
}

func (q *RootScheduler) markQueueInactive(queue string) {
	q.lock.Lock()
	delete(q.active, queue)
	pending := len(q.queue) > 0
	q.lock.Unlock()
	if pending {
		q.signal()
	}
}

// Take the next job for any queue that is not already running a job.
func (q *RootScheduler) takeNextJob() (queueJob, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i, job := range q.queue {
		if !q.active[job.queue] {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			q.active[job.queue] = true
			return job, true
		}
	}
	return queueJob{}, false
}

// Batch submits a set of jobs to a Scheduler and waits for all of them.
type Batch struct {
	scheduler Scheduler
	wg        sync.WaitGroup
	lock      sync.Mutex
	errs      []error
}

func NewBatch(scheduler Scheduler) *Batch {
	return &Batch{scheduler: scheduler}
}

// Submit a job as part of the batch.
func (b *Batch) Submit(queue, id string, run func(ctx context.Context) error) {
	b.wg.Add(1)
	b.scheduler.Submit(queue, id, func(ctx context.Context) error {
		defer b.wg.Done()
		err := run(ctx)
		if err != nil {
			b.lock.Lock()
			b.errs = append(b.errs, errors.Errorf("%s: %w", id, err))
			b.lock.Unlock()
		}
		return err
	})
}

// Wait until every submitted job has finished and return their errors joined.
func (b *Batch) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	return errors.Join(b.errs...)
}
