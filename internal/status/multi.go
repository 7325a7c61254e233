package status

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

// Multi fans every call out to all reporters concurrently and joins the
// errors, so one slow or broken backend does not hide the others.
type Multi []ports.StatusReporter

func (m Multi) ReportSubtask(ctx context.Context, u ports.SubtaskUpdate) error {
	return m.each(ctx, func(ctx context.Context, r ports.StatusReporter) error { return r.ReportSubtask(ctx, u) })
}

func (m Multi) ReportJob(ctx context.Context, u ports.JobUpdate) error {
	return m.each(ctx, func(ctx context.Context, r ports.StatusReporter) error { return r.ReportJob(ctx, u) })
}

func (m Multi) each(ctx context.Context, fn func(context.Context, ports.StatusReporter) error) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, r := range m {
		g.Go(func() error {
			errs[i] = fn(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LogReporter writes every transition to the log. Used alone when no
// backend is configured and alongside the backend otherwise.
type LogReporter struct {
	log *logger.Logger
}

func NewLogReporter(log *logger.Logger) *LogReporter {
	return &LogReporter{log: log.WithComponent("status")}
}

func (r *LogReporter) ReportSubtask(_ context.Context, u ports.SubtaskUpdate) error {
	args := []any{"status", u.Status, "provider", u.ProviderName}
	if u.Elapsed > 0 {
		args = append(args, "elapsed", u.Elapsed)
	}
	if u.Reason != "" {
		args = append(args, "reason", u.Reason)
	}
	r.log.WithJobID(u.JobID).WithFrame(u.Frame).Info("subtask status", args...)
	return nil
}

func (r *LogReporter) ReportJob(_ context.Context, u ports.JobUpdate) error {
	r.log.WithJobID(u.JobID).Info("job status",
		"status", u.Status,
		"elapsed", u.Elapsed,
		"frames_total", u.Total,
		"frames_succeeded", u.Succeeded,
		"frames_failed", u.Failed,
	)
	return nil
}
