package render

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/tracing"
	"framefarm/internal/ports"
)

// dispatcher feeds frame tasks to sessions. Each slot holds at most one
// lease at a time and replaces it when its session fails; the number of
// slots is the worker bound.
type dispatcher struct {
	o       *Orchestrator
	job     Job
	loop    *eventLoop
	log     *logger.Logger
	deliver func(ports.ResultUpload)

	queue   chan FrameTask
	results chan frameResult

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
	leased   int
	leaseErr error
}

// run returns true when every frame reached a terminal outcome before ctx
// ended.
func (d *dispatcher) run(ctx context.Context, seq *FrameSequence) bool {
	n := seq.Len()
	d.queue = make(chan FrameTask, n)
	d.results = make(chan frameResult)
	for task := range seq.All() {
		d.queue <- task
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	slots := min(d.o.maxWorkers(), n)
	var g errgroup.Group
	for i := 0; i < slots; i++ {
		g.Go(func() error {
			d.slot(runCtx)
			return nil
		})
	}

	outstanding := n
	for outstanding > 0 {
		select {
		case <-ctx.Done():
			d.log.Warn("dispatch stopped", "outstanding", outstanding, "reason", ctx.Err().Error())
			d.shutdown(stop, &g)
			return false
		case r := <-d.results:
			if r.done {
				outstanding--
				continue
			}
			next := FrameTask{Frame: r.task.Frame, Attempt: r.task.Attempt + 1}
			d.log.Info("frame requeued", "frame", next.Frame, "attempt", next.Attempt)
			d.queue <- next
		}
	}
	d.shutdown(stop, &g)
	return true
}

func (d *dispatcher) shutdown(stop context.CancelFunc, g *errgroup.Group) {
	stop()
	if !waitGrace(func() { _ = g.Wait() }, d.o.opts.ShutdownGrace) {
		d.log.Warn("sessions still running after grace period")
	}
}

func (d *dispatcher) report(ctx context.Context) func(frameResult) {
	return func(r frameResult) {
		select {
		case d.results <- r:
		case <-ctx.Done():
		}
	}
}

// slot leases workers and runs sessions on them until ctx ends or the
// queue is drained. After a session fails, the replacement is only leased
// once a task is waiting for it; frames still in flight on other leases
// do not count.
func (d *dispatcher) slot(ctx context.Context) {
	backoff := d.o.opts.LeaseBackoff
	needTask := false
	for ctx.Err() == nil {
		var first *FrameTask
		if needTask {
			select {
			case task := <-d.queue:
				first = &task
			case <-ctx.Done():
				return
			}
		}

		lease, err := d.lease(ctx)
		if err != nil {
			if first != nil {
				// The queue holds at most one entry per outstanding frame,
				// so there is room to hand the task back.
				d.queue <- *first
			}
			if ctx.Err() != nil {
				return
			}
			d.log.WithError(err).Warn("lease failed", "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(2*backoff, d.o.opts.MaxLeaseBackoff)
			continue
		}
		backoff = d.o.opts.LeaseBackoff

		sctx, cancel := context.WithCancel(ctx)
		d.track(lease.ID, cancel)
		s := &session{
			lease:   lease,
			job:     d.job,
			opts:    d.o.opts,
			market:  d.o.market,
			publish: d.loop.Publish,
			deliver: d.deliver,
			now:     d.o.now,
			log:     d.log.WithComponent("session").WithLease(lease.ID, lease.ProviderName),
		}
		err = s.run(sctx, first, d.queue, d.report(ctx))
		d.untrack(lease.ID)
		cancel()
		d.release(ctx, lease)

		if err == nil {
			return
		}
		needTask = true
		if ctx.Err() == nil {
			d.log.WithError(err).Info("lease retired, waiting for work to lease a replacement", "lease_id", lease.ID, "frames", s.rendered)
		}
	}
}

func (d *dispatcher) lease(ctx context.Context) (ports.Lease, error) {
	ctx, span := tracing.StartSpan(ctx, "render.lease", tracing.JobID(d.job.ID))
	lease, err := d.o.market.LeaseWorker(ctx)
	tracing.End(span, err)

	d.mu.Lock()
	if err != nil {
		d.leaseErr = err
	} else {
		d.leased++
	}
	d.mu.Unlock()
	if err != nil {
		return ports.Lease{}, err
	}
	// Registered before the session can publish anything about it.
	d.loop.Publish(LeaseCreated(lease, d.o.now()))
	d.log.Info("worker leased", "lease_id", lease.ID, "provider", lease.ProviderName)
	return lease, nil
}

func (d *dispatcher) release(ctx context.Context, lease ports.Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.o.market.Release(rctx, lease); err != nil {
		d.log.WithError(err).Warn("release failed", "lease_id", lease.ID)
	}
}

func (d *dispatcher) track(leaseID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.sessions[leaseID] = cancel
	d.mu.Unlock()
}

func (d *dispatcher) untrack(leaseID string) {
	d.mu.Lock()
	delete(d.sessions, leaseID)
	d.mu.Unlock()
}

// retire cancels the session bound to leaseID, if it is still running.
func (d *dispatcher) retire(leaseID string) {
	d.mu.Lock()
	cancel, ok := d.sessions[leaseID]
	d.mu.Unlock()
	if ok {
		d.log.Warn("retiring session", "lease_id", leaseID)
		cancel()
	}
}

// leaseFailure is the last lease error when no lease ever succeeded.
func (d *dispatcher) leaseFailure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leased > 0 {
		return nil
	}
	return d.leaseErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
