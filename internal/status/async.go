package status

import (
	"context"
	"sync"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

// Async queues status calls and sends them from a single goroutine so the
// event loop never waits on the network. Calls are delivered in order.
// When the queue is full the call is dropped and logged.
type Async struct {
	next  ports.StatusReporter
	log   *logger.Logger
	queue chan func(context.Context) error

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next ports.StatusReporter, size int, log *logger.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:  next,
		log:   log.WithComponent("status"),
		queue: make(chan func(context.Context) error, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) ReportSubtask(_ context.Context, u ports.SubtaskUpdate) error {
	a.enqueue("subtask", func(ctx context.Context) error { return a.next.ReportSubtask(ctx, u) })
	return nil
}

func (a *Async) ReportJob(_ context.Context, u ports.JobUpdate) error {
	a.enqueue("job", func(ctx context.Context) error { return a.next.ReportJob(ctx, u) })
	return nil
}

func (a *Async) enqueue(kind string, call func(context.Context) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("status call after close dropped", "kind", kind)
		return
	}
	select {
	case a.queue <- call:
	default:
		a.log.Warn("status queue full, call dropped", "kind", kind)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for call := range a.queue {
		if err := call(context.Background()); err != nil {
			a.log.WithError(err).Warn("status delivery failed")
		}
	}
}

// Close stops accepting calls and waits for the queue to drain or ctx to
// end, whichever comes first.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.log.Warn("status queue not drained before deadline", "pending", len(a.queue))
		return ctx.Err()
	}
}
