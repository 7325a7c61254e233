package render

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/tracing"
	"framefarm/internal/ports"
)

// Remote layout inside the provider's VM image.
const (
	RemoteInputDir  = "/golem/input"
	RemoteOutputDir = "/golem/output"
)

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionUploading
	SessionRendering
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionUploading:
		return "uploading"
	case SessionRendering:
		return "rendering"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// frameResult tells the dispatcher what became of a task. A task that is
// not done goes back on the queue.
type frameResult struct {
	task FrameTask
	done bool
}

// session drives one lease. It processes tasks strictly one at a time.
type session struct {
	lease   ports.Lease
	job     Job
	opts    Options
	market  ports.Marketplace
	publish func(Event) bool
	deliver func(ports.ResultUpload)
	now     func() time.Time
	log     *logger.Logger

	state    SessionState
	uploaded bool
	rendered int
}

// run renders first, when given, then pulls tasks until the queue closes,
// ctx ends or a batch fails. Only the batch failure is returned as an error
// the caller should act on; the lease is retired either way.
func (s *session) run(ctx context.Context, first *FrameTask, queue <-chan FrameTask, report func(frameResult)) error {
	defer s.setState(SessionClosed)
	if first != nil {
		if err := s.do(ctx, *first, report); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-queue:
			if !ok {
				return nil
			}
			if err := s.do(ctx, task, report); err != nil {
				return err
			}
		}
	}
}

func (s *session) do(ctx context.Context, task FrameTask, report func(frameResult)) error {
	done, err := s.render(ctx, task)
	report(frameResult{task: task, done: done})
	return err
}

func (s *session) render(ctx context.Context, task FrameTask) (bool, error) {
	log := s.log.WithFrame(task.Frame)
	ctx, span := tracing.StartSpan(ctx, "render.frame",
		tracing.JobID(s.job.ID), tracing.Frame(task.Frame),
		tracing.LeaseID(s.lease.ID), tracing.Provider(s.lease.ProviderName))

	s.publish(TaskStarted(task, s.lease.ID, s.now()))

	batch := s.buildBatch(task.Frame)
	if s.uploaded {
		s.setState(SessionRendering)
	} else {
		s.setState(SessionUploading)
	}
	started := s.now()
	artifacts, err := s.market.SubmitBatch(ctx, s.lease, batch)
	tracing.End(span, err)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or retired: nothing to blame on the frame.
			log.Info("frame abandoned", "attempt", task.Attempt)
			return false, ctx.Err()
		}
		log.WithError(err).Warn("batch failed", "attempt", task.Attempt, "timeout", batch.Timeout)
		s.publish(WorkerFailed(s.lease.ID, err, s.now()))
		return true, err
	}

	s.uploaded = true
	s.rendered++
	s.setState(SessionIdle)

	output := s.outputPath(task.Frame)
	if len(artifacts.Files) > 0 {
		output = artifacts.Files[0]
	}
	log.Info("frame accepted", "output", output, "elapsed", s.now().Sub(started))
	s.publish(TaskFinished(task.Frame, s.lease.ID, output, s.now()))
	if s.deliver != nil {
		s.deliver(ports.ResultUpload{JobID: s.job.ID, Frame: task.Frame, Path: output})
	}
	if s.opts.ShowUsage {
		s.sampleUsage(ctx, log)
	}
	return true, nil
}

// buildBatch assembles the commands for one frame. The first batch of a
// session also uploads the scene and gets the long timeout, which covers
// the provider pulling the VM image.
func (s *session) buildBatch(frame int) ports.Batch {
	remoteScene := path.Join(RemoteInputDir, s.job.SceneName)
	var cmds []ports.Command
	timeout := s.opts.BatchTimeout
	if !s.uploaded {
		cmds = append(cmds, ports.Command{Kind: ports.CommandUpload, Src: s.job.SceneRef, Dst: remoteScene})
		timeout = s.opts.FirstBatchTimeout
	}
	cmds = append(cmds,
		ports.Command{Kind: ports.CommandRun, Args: []string{"/bin/bash", "-c", blenderCommand(s.job, remoteScene, frame)}},
		ports.Command{
			Kind: ports.CommandDownload,
			Src:  path.Join(RemoteOutputDir, fmt.Sprintf("output%d%s", frame, s.job.OutputExtension)),
			Dst:  s.outputPath(frame),
		},
	)
	return ports.Batch{Frame: frame, Commands: cmds, Timeout: timeout}
}

func (s *session) outputPath(frame int) string {
	dir := s.opts.OutputDir
	if s.job.OutputDir != "" {
		dir = s.job.OutputDir
	}
	return filepath.Join(dir, fmt.Sprintf("output_%d%s", frame, s.job.OutputExtension))
}

func blenderCommand(job Job, remoteScene string, frame int) string {
	var b strings.Builder
	b.WriteString("blender -b ")
	b.WriteString(remoteScene)
	if expr := sceneOverrides(job); expr != "" {
		b.WriteString(" --python-expr ")
		b.WriteString(strconv.Quote(expr))
	}
	fmt.Fprintf(&b, " -o %s/output# -F %s -t 0 -f %d", RemoteOutputDir, job.OutputFormat, frame)
	return b.String()
}

// sceneOverrides renders the optional resolution ("1920x1080") and sample
// count as a python expression run before the frame.
func sceneOverrides(job Job) string {
	var stmts []string
	if w, h, ok := parseResolution(job.Resolution); ok {
		stmts = append(stmts,
			fmt.Sprintf("s.render.resolution_x=%d", w),
			fmt.Sprintf("s.render.resolution_y=%d", h),
			"s.render.resolution_percentage=100",
		)
	}
	if job.Samples > 0 {
		stmts = append(stmts, fmt.Sprintf("s.cycles.samples=%d", job.Samples))
	}
	if len(stmts) == 0 {
		return ""
	}
	return "import bpy; s=bpy.context.scene; " + strings.Join(stmts, "; ")
}

func parseResolution(raw string) (int, int, bool) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func (s *session) sampleUsage(ctx context.Context, log *logger.Logger) {
	ur, ok := s.market.(ports.UsageReporter)
	if !ok {
		return
	}
	usage, err := ur.Usage(ctx, s.lease)
	if err != nil {
		log.WithError(err).Debug("usage not available")
		return
	}
	log.Info("provider usage", "state", usage.State, "usage", usage.Counters, "cost", usage.Cost)
}

func (s *session) setState(next SessionState) {
	if s.state == next {
		return
	}
	s.log.Debug("session state", "from", s.state.String(), "to", next.String())
	s.state = next
}
