package jobscheduler_test

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/jobscheduler"
	"github.com/block/ctfplug/internal/logging"
)

func eventually(t *testing.T, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	msg := "condition not met within timeout"
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	t.Fatal(msg)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	return ctx
}

func TestJobSchedulerBasic(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})

	var executed atomic.Bool
	scheduler.Submit("queue1", "job1", func(_ context.Context) error {
		executed.Store(true)
		return nil
	})

	eventually(t, time.Second, executed.Load, "job should execute")
}

func TestJobSchedulerConcurrency(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := 4
	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: concurrency})

	var (
		running       atomic.Int32
		maxConcurrent atomic.Int32
		jobsCompleted atomic.Int32
	)

	jobCount := 20
	for i := range jobCount {
		queueID := fmt.Sprintf("queue%d", i)
		jobID := fmt.Sprintf("job%d", i)
		scheduler.Submit(queueID, jobID, func(_ context.Context) error {
			current := running.Add(1)
			defer running.Add(-1)

			for {
				maxVal := maxConcurrent.Load()
				if current <= maxVal {
					break
				}
				if maxConcurrent.CompareAndSwap(maxVal, current) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
			jobsCompleted.Add(1)
			return nil
		})
	}

	eventually(t, 5*time.Second, func() bool {
		return jobsCompleted.Load() == int32(jobCount)
	}, "all jobs should complete")

	assert.True(t, maxConcurrent.Load() <= int32(concurrency),
		"max concurrent jobs (%d) should not exceed configured concurrency (%d)",
		maxConcurrent.Load(), concurrency)
}

func TestJobSchedulerQueueIsolation(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 4})

	var (
		queue1Running       atomic.Int32
		queue2Running       atomic.Int32
		maxQueue1Concurrent atomic.Int32
		maxQueue2Concurrent atomic.Int32
	)

	updateMax := func(running *atomic.Int32, maxVal *atomic.Int32) {
		current := running.Load()
		for {
			maxCurrent := maxVal.Load()
			if current <= maxCurrent {
				break
			}
			if maxVal.CompareAndSwap(maxCurrent, current) {
				break
			}
		}
	}

	jobID := "job1"
	scheduler.Submit("queue1", jobID, func(_ context.Context) error {
		queue1Running.Add(1)
		defer queue1Running.Add(-1)
		updateMax(&queue1Running, &maxQueue1Concurrent)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	scheduler.Submit("queue2", jobID, func(_ context.Context) error {
		queue2Running.Add(1)
		defer queue2Running.Add(-1)
		updateMax(&queue2Running, &maxQueue2Concurrent)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), maxQueue1Concurrent.Load(),
		"queue1 should never run more than 1 job concurrently")
	assert.Equal(t, int32(1), maxQueue2Concurrent.Load(),
		"queue2 should never run more than 1 job concurrently")
}

func TestJobSchedulerErrorHandling(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})

	var (
		failingJobExecuted atomic.Bool
		job2Executed       atomic.Bool
	)

	scheduler.Submit("queue1", "failing-job", func(_ context.Context) error {
		failingJobExecuted.Store(true)
		return errors.New("intentional error")
	})

	scheduler.Submit("queue2", "job2", func(_ context.Context) error {
		job2Executed.Store(true)
		return nil
	})

	eventually(t, time.Second, func() bool {
		return failingJobExecuted.Load() && job2Executed.Load()
	}, "jobs should execute despite errors")
}

func TestJobSchedulerClose(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 1})

	var (
		started   atomic.Bool
		cancelled atomic.Bool
		dropped   atomic.Bool
	)
	scheduler.Submit("queue1", "blocking", func(ctx context.Context) error {
		started.Store(true)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	scheduler.Submit("queue1", "dropped", func(context.Context) error {
		dropped.Store(true)
		return nil
	})

	eventually(t, time.Second, started.Load, "job should start")
	assert.NoError(t, scheduler.Close())
	eventually(t, time.Second, cancelled.Load, "running job should observe cancellation")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, dropped.Load(), "queued job should not run after Close")
}

func TestJobSchedulerQueuePrefix(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 4})
	challenges := scheduler.WithQueuePrefix("rescore").WithQueuePrefix("challenge")

	var running, maxRunning atomic.Int32
	batch := jobscheduler.NewBatch(challenges)
	for i := range 3 {
		batch.Submit("web1", fmt.Sprintf("job%d", i), func(context.Context) error {
			current := running.Add(1)
			defer running.Add(-1)
			if current > maxRunning.Load() {
				maxRunning.Store(current)
			}
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}
	assert.NoError(t, batch.Wait(t.Context()))
	assert.Equal(t, int32(1), maxRunning.Load(), "prefixed queue should still be serialised")
}

func TestBatch(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 4})
	batch := jobscheduler.NewBatch(scheduler)

	var completed atomic.Int32
	for i := range 10 {
		batch.Submit(fmt.Sprintf("queue%d", i%3), fmt.Sprintf("job%d", i), func(context.Context) error {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			return nil
		})
	}
	assert.NoError(t, batch.Wait(t.Context()))
	assert.Equal(t, int32(10), completed.Load())
}

func TestBatchErrors(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 2})
	batch := jobscheduler.NewBatch(scheduler)
	sentinel := errors.New("intentional error")

	batch.Submit("queue1", "ok", func(context.Context) error { return nil })
	batch.Submit("queue2", "failing", func(context.Context) error { return sentinel })

	err := batch.Wait(t.Context())
	assert.IsError(t, err, sentinel)
	assert.Contains(t, err.Error(), "failing")
}

func TestBatchWaitCancelled(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 1})
	batch := jobscheduler.NewBatch(scheduler)
	release := make(chan struct{})
	defer close(release)
	batch.Submit("queue1", "slow", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.IsError(t, batch.Wait(ctx), context.DeadlineExceeded)
}

func TestJobSchedulerPeriodicJob(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})

	var executionCount atomic.Int32

	scheduler.SubmitPeriodicJob("queue1", "periodic", 50*time.Millisecond, func(_ context.Context) error {
		executionCount.Add(1)
		return nil
	})

	eventually(t, 2*time.Second, func() bool {
		return executionCount.Load() >= 3
	}, "periodic job should execute multiple times")
}

func TestJobSchedulerPeriodicJobWithError(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 2})

	var executionCount atomic.Int32

	scheduler.SubmitPeriodicJob("queue1", "periodic-error", 50*time.Millisecond, func(_ context.Context) error {
		executionCount.Add(1)
		return errors.New("intentional error")
	})

	eventually(t, 2*time.Second, func() bool {
		return executionCount.Load() >= 3
	}, "periodic job should continue executing even after errors")
}

func TestJobSchedulerHighConcurrency(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := jobscheduler.New(ctx, jobscheduler.Config{Concurrency: 50})

	jobCount := 100
	var completed atomic.Int32

	for i := range jobCount {
		queueID := fmt.Sprintf("queue%d", i)
		jobID := fmt.Sprintf("job%d", i)
		scheduler.Submit(queueID, jobID, func(_ context.Context) error {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			return nil
		})
	}

	eventually(t, 5*time.Second, func() bool {
		return completed.Load() == int32(jobCount)
	}, "all jobs should complete")
}

func TestJobSchedulerQueueOrder(t *testing.T) {
	scheduler := jobscheduler.New(testContext(t), jobscheduler.Config{Concurrency: 8})
	batch := jobscheduler.NewBatch(scheduler)

	var (
		mu    sync.Mutex
		order = map[string][]int{}
	)
	for i := range 60 {
		queue := fmt.Sprintf("queue%d", i%4)
		batch.Submit(queue, fmt.Sprintf("job%d", i), func(context.Context) error {
			mu.Lock()
			order[queue] = append(order[queue], i)
			mu.Unlock()
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			return nil
		})
	}
	assert.NoError(t, batch.Wait(t.Context()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, len(order))
	for queue, jobs := range order {
		assert.True(t, slices.IsSorted(jobs), "queue %s ran out of order: %v", queue, jobs)
		assert.Equal(t, 15, len(jobs))
	}
}
