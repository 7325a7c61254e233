package render

import (
	"slices"
	"sync"
	"time"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

type FrameStatus string

const (
	FramePending   FrameStatus = "Pending"
	FrameComputing FrameStatus = "Computing"
	FrameFinished  FrameStatus = "Finished"
	FrameFailed    FrameStatus = "Failed"
)

// Terminal reports whether s is sticky.
func (s FrameStatus) Terminal() bool {
	return s == FrameFinished || s == FrameFailed
}

// Computing -> Computing restamps a frame that was handed out again.
// Pending -> Failed happens when the job expires before dispatch.
var allowedTransitions = map[FrameStatus]map[FrameStatus]struct{}{
	FramePending: {
		FrameComputing: {},
		FrameFailed:    {},
	},
	FrameComputing: {
		FrameComputing: {},
		FrameFinished:  {},
		FrameFailed:    {},
	},
	FrameFinished: {},
	FrameFailed:   {},
}

func CanTransition(from, to FrameStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func ValidateTransition(frame int, from, to FrameStatus) error {
	if !CanTransition(from, to) {
		return errors.Inconsistent("invalid frame transition %s -> %s", from, to).
			WithField("frame", frame)
	}
	return nil
}

type LedgerEntry struct {
	Frame      int         `json:"frame"`
	Attempt    int         `json:"attempt"`
	LeaseID    string      `json:"lease_id,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitzero"`
	FinishedAt time.Time   `json:"finished_at,omitzero"`
	Status     FrameStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	OutputPath string      `json:"output_path,omitempty"`
}

// LedgerView is the read side the classifier works against.
type LedgerView interface {
	JobID() string
	Lease(id string) (ports.Lease, bool)
	Entry(frame int) (LedgerEntry, bool)
	// InFlight returns the Computing entry bound to leaseID, if any.
	InFlight(leaseID string) (LedgerEntry, bool)
	Entries() []LedgerEntry
}

// Mutation is what the classifier asks the ledger to change. Entries
// replace the stored entry for the same frame.
type Mutation struct {
	RegisterLease *ports.Lease
	Entries       []LedgerEntry
	Outcome       Outcome
}

func (m Mutation) Empty() bool {
	return m.RegisterLease == nil && len(m.Entries) == 0 && m.Outcome == ""
}

// Ledger is the state of one job run: the lease table and one entry per
// frame. The event loop is its only writer; anybody may read.
type Ledger struct {
	mu       sync.RWMutex
	jobID    string
	frames   []int
	entries  map[int]*LedgerEntry
	leases   map[string]ports.Lease
	inflight map[string]int
	outcome  Outcome
}

func NewLedger(jobID string, frames []int) *Ledger {
	l := &Ledger{
		jobID:    jobID,
		frames:   slices.Clone(frames),
		entries:  make(map[int]*LedgerEntry, len(frames)),
		leases:   make(map[string]ports.Lease),
		inflight: make(map[string]int),
	}
	slices.Sort(l.frames)
	for _, f := range l.frames {
		l.entries[f] = &LedgerEntry{Frame: f, Status: FramePending}
	}
	return l
}

func (l *Ledger) JobID() string { return l.jobID }

func (l *Ledger) Lease(id string) (ports.Lease, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lease, ok := l.leases[id]
	return lease, ok
}

func (l *Ledger) Entry(frame int) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[frame]
	if !ok {
		return LedgerEntry{}, false
	}
	return *e, true
}

func (l *Ledger) InFlight(leaseID string) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	frame, ok := l.inflight[leaseID]
	if !ok {
		return LedgerEntry{}, false
	}
	return *l.entries[frame], true
}

// Entries returns a snapshot ordered by frame.
func (l *Ledger) Entries() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LedgerEntry, 0, len(l.frames))
	for _, f := range l.frames {
		out = append(out, *l.entries[f])
	}
	return out
}

func (l *Ledger) Outcome() Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outcome
}

// Apply validates every entry transition before changing anything.
func (l *Ledger) Apply(m Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, next := range m.Entries {
		cur, ok := l.entries[next.Frame]
		if !ok {
			return errors.Inconsistent("unknown frame %d", next.Frame)
		}
		if err := ValidateTransition(next.Frame, cur.Status, next.Status); err != nil {
			return err
		}
	}

	if m.RegisterLease != nil {
		l.leases[m.RegisterLease.ID] = *m.RegisterLease
	}
	for _, next := range m.Entries {
		cur := l.entries[next.Frame]
		if cur.Status == FrameComputing && l.inflight[cur.LeaseID] == cur.Frame {
			delete(l.inflight, cur.LeaseID)
		}
		*cur = next
		if next.Status == FrameComputing {
			l.inflight[next.LeaseID] = next.Frame
		}
	}
	if m.Outcome != "" {
		l.outcome = m.Outcome
	}
	return nil
}

type Counts struct {
	Total     int
	Pending   int
	Computing int
	Finished  int
	Failed    int
}

func CountEntries(entries []LedgerEntry) Counts {
	c := Counts{Total: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case FramePending:
			c.Pending++
		case FrameComputing:
			c.Computing++
		case FrameFinished:
			c.Finished++
		case FrameFailed:
			c.Failed++
		}
	}
	return c
}
