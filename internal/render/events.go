package render

import (
	"time"

	"framefarm/internal/ports"
)

type EventKind int

const (
	EventLeaseCreated EventKind = iota + 1
	EventTaskStarted
	EventTaskFinished
	EventWorkerFailed
	EventJobStarted
	EventJobExpired
	EventJobFinished
)

func (k EventKind) String() string {
	switch k {
	case EventLeaseCreated:
		return "LeaseCreated"
	case EventTaskStarted:
		return "TaskStarted"
	case EventTaskFinished:
		return "TaskFinished"
	case EventWorkerFailed:
		return "WorkerFailed"
	case EventJobStarted:
		return "JobStarted"
	case EventJobExpired:
		return "JobExpired"
	case EventJobFinished:
		return "JobFinished"
	default:
		return "Unknown"
	}
}

// JobEnd says why the dispatch loop stopped.
type JobEnd int

const (
	EndCompleted JobEnd = iota
	EndTimeout
	EndCancelled
)

type Outcome string

const (
	OutcomeFinished  Outcome = ports.StatusFinished
	OutcomeFailed    Outcome = ports.StatusFailed
	OutcomeCancelled Outcome = ports.StatusCancelled
)

// Event is a lifecycle notification. Every producer stamps At so the
// classifier never reads a clock.
type Event struct {
	Kind  EventKind
	At    time.Time
	Lease ports.Lease

	Frame      int
	Attempt    int
	OutputPath string

	Err    error  // WorkerFailed cause
	Reason string // JobExpired reason

	End     JobEnd        // JobFinished
	Elapsed time.Duration // JobFinished
}

func LeaseCreated(lease ports.Lease, at time.Time) Event {
	return Event{Kind: EventLeaseCreated, Lease: lease, At: at}
}

func TaskStarted(task FrameTask, leaseID string, at time.Time) Event {
	return Event{Kind: EventTaskStarted, Frame: task.Frame, Attempt: task.Attempt, Lease: ports.Lease{ID: leaseID}, At: at}
}

func TaskFinished(frame int, leaseID, outputPath string, at time.Time) Event {
	return Event{Kind: EventTaskFinished, Frame: frame, Lease: ports.Lease{ID: leaseID}, OutputPath: outputPath, At: at}
}

func WorkerFailed(leaseID string, cause error, at time.Time) Event {
	return Event{Kind: EventWorkerFailed, Lease: ports.Lease{ID: leaseID}, Err: cause, At: at}
}

func JobStarted(at time.Time) Event {
	return Event{Kind: EventJobStarted, At: at}
}

func JobExpired(reason string, at time.Time) Event {
	return Event{Kind: EventJobExpired, Reason: reason, At: at}
}

func JobFinished(end JobEnd, elapsed time.Duration, at time.Time) Event {
	return Event{Kind: EventJobFinished, End: end, Elapsed: elapsed, At: at}
}

// fromMarket converts a marketplace notification into a loop event.
func fromMarket(ev ports.MarketEvent, at time.Time) (Event, bool) {
	switch ev.Kind {
	case ports.EventLeaseCreated:
		return LeaseCreated(ev.Lease, at), true
	case ports.EventWorkerFailed:
		return WorkerFailed(ev.Lease.ID, ev.Err, at), true
	default:
		return Event{}, false
	}
}
