package ports

import (
	"context"
	"time"
)

// Subtask and job statuses understood by the status backend.
const (
	StatusStarted   = "Started"
	StatusComputing = "Computing"
	StatusFinished  = "Finished"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// SubtaskUpdate is the per-frame status notification.
type SubtaskUpdate struct {
	JobID        string
	Frame        int
	Status       string
	ProviderName string
	ProviderID   string
	// Elapsed is zero when unknown; only Finished carries it.
	Elapsed time.Duration
	Reason  string
}

// JobUpdate is the job-level status notification.
type JobUpdate struct {
	JobID     string
	Status    string
	Elapsed   time.Duration
	Total     int
	Succeeded int
	Failed    int
}

// ResultUpload hands a rendered frame to whoever keeps the results.
type ResultUpload struct {
	JobID string
	Frame int
	Path  string
}

// StatusReporter receives ledger transitions. Implementations are best
// effort: callers log returned errors and move on.
type StatusReporter interface {
	ReportSubtask(ctx context.Context, u SubtaskUpdate) error
	ReportJob(ctx context.Context, u JobUpdate) error
}

type ResultSink interface {
	UploadResult(ctx context.Context, r ResultUpload) error
}
