package processor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/render"
)

// Renderer runs one render job to completion.
type Renderer interface {
	Run(ctx context.Context, job render.Job) (*render.Summary, error)
}

type Deps struct {
	DB           DB
	Renderer     Renderer
	Storage      ports.StorageProvider
	WorkRoot     string
	CleanupLocal bool
	Log          *logger.Logger
}

// Job statuses stored in jobs.status.
const (
	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobDone      = "DONE"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

type Processor struct {
	db       DB
	renderer Renderer
	log      *logger.Logger

	jobParser    *JobParser
	inputHandler *InputHandler
	cleanup      *Cleanup
	frames       *FrameStore
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	return &Processor{
		db:           d.DB,
		renderer:     d.Renderer,
		log:          log,
		jobParser:    NewJobParser(d.DB),
		inputHandler: NewInputHandler(d.Storage, d.WorkRoot),
		cleanup:      NewCleanup(d.WorkRoot, d.CleanupLocal, log),
		frames:       NewFrameStore(d.DB, log),
	}
}

// ProcessJob renders a queued job end to end. It returns an error when the
// job did not finish every frame.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	log.Debug("fetching job params")
	paramsJSON, err := p.fetchJobParams(ctx, jobID)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}

	parsed, err := p.jobParser.Parse(ctx, paramsJSON)
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.parse", "failed to parse job params"))
	}

	claimed, err := p.markJobRunning(ctx, jobID)
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.status", "failed to mark job as running"))
	}
	if !claimed {
		log.Info("job is no longer queued, skipping")
		return nil
	}

	log.Debug("materializing scene", "object_key", parsed.SceneKey)
	scenePath, err := p.inputHandler.Materialize(ctx, jobID, parsed.SceneKey, parsed.Params.SceneName)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}
	defer p.cleanup.CleanupJob(jobID)

	job := parsed.Params.Job(jobID)
	job.SceneRef = scenePath
	job.OutputDir = p.inputHandler.OutputDir(jobID)

	log.Info("starting render", "start", job.StartFrame, "end", job.EndFrame, "scene", job.SceneName)
	summary, err := p.renderer.Run(ctx, job)
	if summary == nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.render", "render did not start"))
	}
	if serr := p.frames.SaveLedger(context.WithoutCancel(ctx), jobID, summary.Frames); serr != nil {
		log.WithError(serr).Warn("failed to save final frame states")
	}
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.render", "render failed"))
	}
	return p.finishJob(ctx, summary)
}

func (p *Processor) fetchJobParams(ctx context.Context, jobID string) (string, error) {
	var paramsJSON string
	err := p.db.QueryRow(ctx, `SELECT params_json::text FROM jobs WHERE id=$1`, jobID).Scan(&paramsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("job", jobID)
	}
	if err != nil {
		return "", errors.Wrap(err, "processor.fetch", "failed to fetch job params")
	}
	return paramsJSON, nil
}

// markJobRunning claims a QUEUED job. It reports false when the job was
// cancelled (or claimed by another worker) in the meantime.
func (p *Processor) markJobRunning(ctx context.Context, jobID string) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE jobs SET status=$2, started_at=NOW(), finished_at=NULL, error_text=NULL WHERE id=$1 AND status=$3`,
		jobID, JobRunning, JobQueued,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// finishJob maps the run outcome onto jobs.status. Writes survive a
// cancelled ctx so a worker shutdown still records CANCELLED.
func (p *Processor) finishJob(ctx context.Context, s *render.Summary) error {
	ctx = context.WithoutCancel(ctx)
	status, cause := JobDone, error(nil)
	switch s.Outcome {
	case render.OutcomeCancelled:
		status = JobCancelled
		cause = errors.New(errors.CodeCanceled, "job cancelled")
	case render.OutcomeFailed:
		status = JobFailed
		cause = errors.Newf(errors.CodeJobTimeout, "%d of %d frames did not finish", s.Total-s.Succeeded, s.Total)
	}

	var errText any
	if cause != nil {
		errText = cause.Error()
	}
	_, err := p.db.Exec(ctx,
		`UPDATE jobs SET status=$2, finished_at=NOW(), frames_total=$3, frames_succeeded=$4, frames_failed=$5, error_text=$6
		 WHERE id=$1`,
		s.JobID, status, s.Total, s.Succeeded, s.Failed, errText,
	)
	if err != nil {
		return errors.Wrap(err, "processor.finish", "failed to record outcome")
	}

	p.log.WithJobID(s.JobID).Info("job outcome",
		"status", status,
		"frames", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"elapsed", s.Elapsed,
	)
	return cause
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	msg := fmt.Sprint(cause)
	var ffErr *errors.Error
	if errors.As(cause, &ffErr) {
		log.Error("job failed", "code", string(ffErr.Code), "op", ffErr.Op, "message", ffErr.Message)
	} else {
		log.Error("job failed", "error", msg)
	}

	_, _ = p.db.Exec(context.WithoutCancel(ctx),
		`UPDATE jobs SET status=$2, finished_at=NOW(), error_text=$3 WHERE id=$1`,
		jobID, JobFailed, truncate(msg, 2000),
	)
	return cause
}
