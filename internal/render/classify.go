package render

import (
	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

// StatusCall is the outbound status traffic one event produces.
type StatusCall struct {
	Subtasks []ports.SubtaskUpdate
	Job      *ports.JobUpdate
}

// Classify maps an event onto a ledger mutation and the status updates to
// send. It has no side effects. Events that hit a Finished or Failed entry
// return an empty mutation and a nil call. Lookups by unknown lease or
// frame return an INCONSISTENT_STATE error.
func Classify(ev Event, view LedgerView) (Mutation, *StatusCall, error) {
	switch ev.Kind {
	case EventLeaseCreated:
		if cur, ok := view.Lease(ev.Lease.ID); ok && cur == ev.Lease {
			return Mutation{}, nil, nil
		}
		lease := ev.Lease
		return Mutation{RegisterLease: &lease}, nil, nil

	case EventJobStarted:
		return Mutation{}, &StatusCall{Job: &ports.JobUpdate{
			JobID:  view.JobID(),
			Status: ports.StatusStarted,
			Total:  len(view.Entries()),
		}}, nil

	case EventTaskStarted:
		lease, entry, err := lookup(view, ev.Lease.ID, ev.Frame)
		if err != nil || entry.Status.Terminal() {
			return Mutation{}, nil, err
		}
		entry.Status = FrameComputing
		entry.LeaseID = lease.ID
		entry.StartedAt = ev.At
		entry.Attempt = max(ev.Attempt, entry.Attempt)
		return Mutation{Entries: []LedgerEntry{entry}}, subtask(view, entry, lease, ports.StatusComputing), nil

	case EventTaskFinished:
		lease, entry, err := lookup(view, ev.Lease.ID, ev.Frame)
		if err != nil || entry.Status.Terminal() {
			return Mutation{}, nil, err
		}
		if entry.Status != FrameComputing {
			return Mutation{}, nil, errors.Inconsistent("frame %d finished without being started", ev.Frame).
				WithField("lease_id", lease.ID)
		}
		entry.Status = FrameFinished
		entry.LeaseID = lease.ID
		entry.FinishedAt = ev.At
		entry.OutputPath = ev.OutputPath
		call := subtask(view, entry, lease, ports.StatusFinished)
		call.Subtasks[0].Elapsed = ev.At.Sub(entry.StartedAt)
		return Mutation{Entries: []LedgerEntry{entry}}, call, nil

	case EventWorkerFailed:
		lease, ok := view.Lease(ev.Lease.ID)
		if !ok {
			return Mutation{}, nil, errors.Inconsistent("worker failure for unknown lease %s", ev.Lease.ID)
		}
		entry, ok := view.InFlight(lease.ID)
		if !ok {
			return Mutation{}, nil, errors.Inconsistent("worker failure on lease %s with no frame in flight", lease.ID).
				WithField("lease_id", lease.ID)
		}
		entry.Status = FrameFailed
		entry.FinishedAt = ev.At
		entry.Reason = reason(ev.Err)
		mut := Mutation{Entries: []LedgerEntry{entry}}
		if !errors.IsCommandFailure(ev.Err) {
			return mut, nil, nil
		}
		call := subtask(view, entry, lease, ports.StatusFailed)
		call.Subtasks[0].Reason = entry.Reason
		return mut, call, nil

	case EventJobExpired:
		var mut Mutation
		call := &StatusCall{}
		for _, entry := range view.Entries() {
			if entry.Status.Terminal() {
				continue
			}
			wasComputing := entry.Status == FrameComputing
			entry.Status = FrameFailed
			entry.FinishedAt = ev.At
			entry.Reason = ev.Reason
			mut.Entries = append(mut.Entries, entry)
			if wasComputing {
				lease, _ := view.Lease(entry.LeaseID)
				call.Subtasks = append(call.Subtasks, ports.SubtaskUpdate{
					JobID:        view.JobID(),
					Frame:        entry.Frame,
					Status:       ports.StatusFailed,
					ProviderName: lease.ProviderName,
					ProviderID:   lease.ProviderID,
					Reason:       ev.Reason,
				})
			}
		}
		if len(call.Subtasks) == 0 {
			call = nil
		}
		return mut, call, nil

	case EventJobFinished:
		counts := CountEntries(view.Entries())
		outcome := decideOutcome(ev.End, counts)
		return Mutation{Outcome: outcome}, &StatusCall{Job: &ports.JobUpdate{
			JobID:     view.JobID(),
			Status:    string(outcome),
			Elapsed:   ev.Elapsed,
			Total:     counts.Total,
			Succeeded: counts.Finished,
			Failed:    counts.Failed,
		}}, nil
	}
	return Mutation{}, nil, errors.Inconsistent("unknown event kind %d", int(ev.Kind))
}

// decideOutcome: cancellation wins, then timeout or a job with nothing
// rendered fails, anything else finished with partial failures absorbed.
func decideOutcome(end JobEnd, c Counts) Outcome {
	switch {
	case end == EndCancelled:
		return OutcomeCancelled
	case end == EndTimeout:
		return OutcomeFailed
	case c.Total > 0 && c.Failed == c.Total:
		return OutcomeFailed
	default:
		return OutcomeFinished
	}
}

func lookup(view LedgerView, leaseID string, frame int) (ports.Lease, LedgerEntry, error) {
	lease, ok := view.Lease(leaseID)
	if !ok {
		return ports.Lease{}, LedgerEntry{}, errors.Inconsistent("unknown lease %s", leaseID).
			WithField("frame", frame)
	}
	entry, ok := view.Entry(frame)
	if !ok {
		return ports.Lease{}, LedgerEntry{}, errors.Inconsistent("unknown frame %d", frame).
			WithField("lease_id", leaseID)
	}
	return lease, entry, nil
}

func subtask(view LedgerView, entry LedgerEntry, lease ports.Lease, status string) *StatusCall {
	return &StatusCall{Subtasks: []ports.SubtaskUpdate{{
		JobID:        view.JobID(),
		Frame:        entry.Frame,
		Status:       status,
		ProviderName: lease.ProviderName,
		ProviderID:   lease.ProviderID,
	}}}
}

func reason(err error) string {
	if err == nil {
		return "unexpected error"
	}
	return err.Error()
}
