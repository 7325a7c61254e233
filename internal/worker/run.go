// Package worker pops render jobs off the Redis queue and runs them one at
// a time.
package worker

import (
	"context"
	"sync"
	"time"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/render"
	"framefarm/internal/status"
	"framefarm/internal/worker/processor"
	"framefarm/internal/worker/queue"
)

const (
	popTimeout = 30 * time.Second
	// frameQueueSize bounds frame row writes waiting on Postgres. Rows
	// dropped on overflow are rewritten from the final ledger.
	frameQueueSize = 4096
)

func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	q := queue.NewRedisQueue(d.RDB, d.Config.Redis.QueueName)

	reporter, frames := newReporter(processor.NewFrameStore(d.Pool, log), d.Reporter, frameQueueSize, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := frames.Close(ctx); err != nil {
			log.WithError(err).Warn("frame rows still queued at exit")
		}
	}()
	outputs := processor.NewOutputHandler(d.Pool, d.Storage, d.Config.Storage.CleanupLocal, log)
	orch := render.New(d.Market, reporter, outputs, render.OptionsFromConfig(d.Config), log)

	p := processor.New(processor.Deps{
		DB:           d.Pool,
		Renderer:     orch,
		Storage:      d.Storage,
		WorkRoot:     d.Config.Storage.LocalRoot,
		CleanupLocal: d.Config.Storage.CleanupLocal,
		Log:          log,
	})

	var running runningJob
	go func() {
		for id := range q.CancelRequests(ctx) {
			if running.stop(id) {
				log.WithJobID(id).Info("cancel requested")
			}
		}
	}()

	log.Info("worker started", "queue", d.Config.Redis.QueueName, "market", d.Config.Market.Kind)
	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return ctx.Err()
		}

		jobID, err := q.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return ctx.Err()
			}
			log.WithError(err).Warn("queue pop error, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if jobID == "" {
			continue
		}

		jobCtx, cancel := context.WithCancel(logger.ContextWithJobID(ctx, jobID))
		running.set(jobID, cancel)
		jobLog := log.WithJobID(jobID)
		jobLog.Info("processing job")
		start := time.Now()

		err = p.ProcessJob(jobCtx, jobID)
		running.set("", nil)
		cancel()
		if err != nil {
			jobLog.WithError(err).Error("job failed", "duration_ms", time.Since(start).Milliseconds())
		} else {
			jobLog.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		}
	}
}

// newReporter fans ledger status out to the frame store, the log and the
// optional external reporter. The frame store sits behind its own queue so
// database latency never reaches the event loop.
func newReporter(frames, extra ports.StatusReporter, queueSize int, log *logger.Logger) (status.Multi, *status.Async) {
	async := status.NewAsync(frames, queueSize, log)
	reporter := status.Multi{async, status.NewLogReporter(log)}
	if extra != nil {
		reporter = append(reporter, extra)
	}
	return reporter, async
}

// runningJob is the job the loop is processing, for cancel requests.
type runningJob struct {
	mu     sync.Mutex
	id     string
	cancel context.CancelFunc
}

func (r *runningJob) set(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.id, r.cancel = id, cancel
	r.mu.Unlock()
}

// stop cancels the job if it is the one running here.
func (r *runningJob) stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != id || r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}
