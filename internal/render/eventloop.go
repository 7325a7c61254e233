package render

import (
	"context"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

// eventLoop is the single writer of a job's ledger. Sessions, the
// marketplace subscription and the orchestrator all publish onto events;
// the loop stops after it has handled JobFinished.
type eventLoop struct {
	ledger   *Ledger
	reporter ports.StatusReporter
	log      *logger.Logger
	events   chan Event
	done     chan struct{}

	// onInconsistent retires the session behind leaseID.
	onInconsistent func(leaseID string)
}

func newEventLoop(ledger *Ledger, reporter ports.StatusReporter, log *logger.Logger, buffer int) *eventLoop {
	return &eventLoop{
		ledger:   ledger,
		reporter: reporter,
		log:      log.WithComponent("event-loop"),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
	}
}

// Publish enqueues ev. It returns false once the loop has stopped.
func (l *eventLoop) Publish(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) Done() <-chan struct{} { return l.done }

func (l *eventLoop) run(ctx context.Context) {
	defer close(l.done)
	for ev := range l.events {
		l.handle(ctx, ev)
		if ev.Kind == EventJobFinished {
			return
		}
	}
}

func (l *eventLoop) handle(ctx context.Context, ev Event) {
	mut, call, err := Classify(ev, l.ledger)
	if err != nil {
		l.inconsistent(ev, err)
		return
	}
	if !mut.Empty() {
		if err := l.ledger.Apply(mut); err != nil {
			l.inconsistent(ev, err)
			return
		}
	}
	l.log.Debug("event applied", "event", ev.Kind.String(), "frame", ev.Frame, "lease_id", ev.Lease.ID)
	if call != nil {
		l.report(ctx, call)
	}
}

func (l *eventLoop) inconsistent(ev Event, err error) {
	l.log.WithError(err).Warn("inconsistent event dropped",
		"event", ev.Kind.String(),
		"frame", ev.Frame,
		"lease_id", ev.Lease.ID,
		"code", string(errors.GetCode(err)),
	)
	if ev.Lease.ID != "" && l.onInconsistent != nil {
		l.onInconsistent(ev.Lease.ID)
	}
}

func (l *eventLoop) report(ctx context.Context, call *StatusCall) {
	if l.reporter == nil {
		return
	}
	for _, u := range call.Subtasks {
		if err := l.reporter.ReportSubtask(ctx, u); err != nil {
			l.log.WithError(err).Warn("subtask status not delivered", "frame", u.Frame, "status", u.Status)
		}
	}
	if call.Job != nil {
		if err := l.reporter.ReportJob(ctx, *call.Job); err != nil {
			l.log.WithError(err).Warn("job status not delivered", "status", call.Job.Status)
		}
	}
}
