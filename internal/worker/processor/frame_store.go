package processor

import (
	"context"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/render"
)

// FrameStore persists ledger transitions into job_frames so the API can
// show per-frame progress. Terminal rows only accept a repeat of their own
// status, which fills in provider and timing without regressing.
type FrameStore struct {
	db  DB
	log *logger.Logger
}

var _ ports.StatusReporter = (*FrameStore)(nil)

func NewFrameStore(db DB, log *logger.Logger) *FrameStore {
	return &FrameStore{db: db, log: log.WithComponent("frame_store")}
}

func (s *FrameStore) ReportSubtask(ctx context.Context, u ports.SubtaskUpdate) error {
	var elapsed any
	if u.Elapsed > 0 {
		elapsed = u.Elapsed.Milliseconds()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO job_frames (job_id, frame, status, provider_name, provider_id, elapsed_ms, reason, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT (job_id, frame) DO UPDATE SET
		     status        = EXCLUDED.status,
		     provider_name = COALESCE(EXCLUDED.provider_name, job_frames.provider_name),
		     provider_id   = COALESCE(EXCLUDED.provider_id, job_frames.provider_id),
		     elapsed_ms    = COALESCE(EXCLUDED.elapsed_ms, job_frames.elapsed_ms),
		     reason        = COALESCE(EXCLUDED.reason, job_frames.reason),
		     updated_at    = NOW()
		 WHERE job_frames.status NOT IN ('Finished','Failed') OR job_frames.status = EXCLUDED.status`,
		u.JobID, u.Frame, u.Status, NullIfEmpty(u.ProviderName), NullIfEmpty(u.ProviderID), elapsed, NullIfEmpty(u.Reason),
	)
	if err != nil {
		return errors.Wrapf(err, "frame_store.subtask", "job %s frame %d", u.JobID, u.Frame)
	}
	return nil
}

// SaveLedger writes the final state of every frame in one statement. Status
// calls skip frames that fail outside a command (a lost worker, a frame
// still pending at the deadline), so this is what makes job_frames agree
// with the ledger once the job is over.
func (s *FrameStore) SaveLedger(ctx context.Context, jobID string, entries []render.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	frames := make([]int, len(entries))
	statuses := make([]string, len(entries))
	reasons := make([]string, len(entries))
	for i, e := range entries {
		frames[i] = e.Frame
		statuses[i] = string(e.Status)
		reasons[i] = e.Reason
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO job_frames (job_id, frame, status, reason, updated_at)
		 SELECT $1, f.frame, f.status, NULLIF(f.reason, ''), NOW()
		 FROM unnest($2::int[], $3::text[], $4::text[]) AS f(frame, status, reason)
		 ON CONFLICT (job_id, frame) DO UPDATE SET
		     status     = EXCLUDED.status,
		     reason     = COALESCE(EXCLUDED.reason, job_frames.reason),
		     updated_at = NOW()
		 WHERE job_frames.status NOT IN ('Finished','Failed') OR job_frames.status = EXCLUDED.status`,
		jobID, frames, statuses, reasons,
	)
	if err != nil {
		return errors.Wrapf(err, "frame_store.ledger", "job %s", jobID)
	}
	s.log.WithJobID(jobID).Debug("frame states saved", "frames", len(entries))
	return nil
}

// ReportJob records frame counts. The job status column is owned by the
// processor, which also knows about failures outside the ledger.
func (s *FrameStore) ReportJob(ctx context.Context, u ports.JobUpdate) error {
	var err error
	if u.Status == ports.StatusStarted {
		_, err = s.db.Exec(ctx, `UPDATE jobs SET frames_total=$2 WHERE id=$1`, u.JobID, u.Total)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE jobs SET frames_total=$2, frames_succeeded=$3, frames_failed=$4 WHERE id=$1`,
			u.JobID, u.Total, u.Succeeded, u.Failed,
		)
	}
	if err != nil {
		return errors.Wrapf(err, "frame_store.job", "job %s", u.JobID)
	}
	return nil
}
