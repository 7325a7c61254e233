package repositories

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"framefarm/internal/httpkit"
	"framefarm/internal/models"
	"framefarm/internal/pkg/errors"
)

// Job statuses stored in jobs.status.
const (
	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobDone      = "DONE"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

type JobRepository struct {
	db DB
}

func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a QUEUED job. FramesTotal is filled from the request range.
func (r *JobRepository) Create(ctx context.Context, j *models.Job) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO jobs (id, status, scene_id, params_json, frames_total)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, j.ID, JobQueued, nullIfEmpty(j.SceneID), string(j.Params), j.FramesTotal).Scan(&j.CreatedAt)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.Newf(errors.CodeAlreadyExists, "job %s already exists", j.ID)
		}
		if httpkit.IsForeignKeyViolation(err) {
			return errors.NotFound("scene", j.SceneID)
		}
		return errors.Wrap(err, "jobs.create", "insert job")
	}
	j.Status = JobQueued
	return nil
}

func (r *JobRepository) List(ctx context.Context, status string, limit int) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, status, COALESCE(scene_id,''), frames_total, frames_succeeded, frames_failed,
		       COALESCE(error_text,''), created_at, started_at, finished_at
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list", "query jobs")
	}
	defer rows.Close()

	out := make([]models.Job, 0, limit)
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.Status, &j.SceneID, &j.FramesTotal, &j.FramesSucceeded, &j.FramesFailed,
			&j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "jobs.list", "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Get returns the job with its per-frame snapshot.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var (
		j      models.Job
		params string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, status, COALESCE(scene_id,''), params_json::text, frames_total, frames_succeeded, frames_failed,
		       COALESCE(error_text,''), created_at, started_at, finished_at
		FROM jobs WHERE id=$1
	`, id).Scan(&j.ID, &j.Status, &j.SceneID, &params, &j.FramesTotal, &j.FramesSucceeded, &j.FramesFailed,
		&j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.get", "query job")
	}
	j.Params = json.RawMessage(params)

	rows, err := r.db.Query(ctx, `
		SELECT frame, status, COALESCE(provider_name,''), COALESCE(provider_id,''), COALESCE(elapsed_ms,0),
		       COALESCE(reason,''), COALESCE(output_asset_id,''), updated_at
		FROM job_frames WHERE job_id=$1 ORDER BY frame ASC
	`, id)
	if err != nil {
		if httpkit.IsUndefinedTable(err) {
			return &j, nil
		}
		return nil, errors.Wrap(err, "jobs.get", "query frames")
	}
	defer rows.Close()
	for rows.Next() {
		var f models.JobFrame
		if err := rows.Scan(&f.Frame, &f.Status, &f.ProviderName, &f.ProviderID, &f.ElapsedMS,
			&f.Reason, &f.OutputAssetID, &f.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "jobs.get", "scan frame")
		}
		j.Frames = append(j.Frames, f)
	}
	return &j, rows.Err()
}

// FrameOutput returns the stored artifact of one rendered frame.
func (r *JobRepository) FrameOutput(ctx context.Context, jobID string, frame int) (*models.Asset, error) {
	var a models.Asset
	err := r.db.QueryRow(ctx, `
		SELECT a.id, a.kind, a.provider, a.object_key, a.mime, a.size_bytes, a.created_at
		FROM job_frames f JOIN assets a ON a.id = f.output_asset_id
		WHERE f.job_id=$1 AND f.frame=$2
	`, jobID, frame).Scan(&a.ID, &a.Kind, &a.Provider, &a.ObjectKey, &a.Mime, &a.SizeBytes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("frame output", jobID).WithField("frame", frame)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.frame_output", "query frame output")
	}
	return &a, nil
}

// SetStatus moves a job to status, optionally only from one of the given
// statuses. It reports whether a row changed.
func (r *JobRepository) SetStatus(ctx context.Context, id, status, errText string, from ...string) (bool, error) {
	if from == nil {
		from = []string{}
	}
	finished := status == JobDone || status == JobFailed || status == JobCancelled
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status=$2,
		    error_text=COALESCE($3, error_text),
		    finished_at=CASE WHEN $4 THEN NOW() ELSE finished_at END
		WHERE id=$1 AND (cardinality($5::text[]) = 0 OR status = ANY($5))
	`, id, status, nullIfEmpty(errText), finished, from)
	if err != nil {
		return false, errors.Wrap(err, "jobs.set_status", "update job status")
	}
	return tag.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
