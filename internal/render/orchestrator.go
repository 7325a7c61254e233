package render

import (
	"context"
	"sync"
	"time"

	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/tracing"
	"framefarm/internal/ports"
)

type Options struct {
	PerFrame          time.Duration
	InitOverhead      time.Duration
	MinTimeout        time.Duration
	MaxTimeout        time.Duration
	FirstBatchTimeout time.Duration
	BatchTimeout      time.Duration
	// ShutdownGrace bounds the wait for sessions and result uploads once
	// dispatch has stopped.
	ShutdownGrace time.Duration
	// MaxWorkers overrides the marketplace bound when positive.
	MaxWorkers int
	// MaxFrames caps the frames of one job; DefaultMaxFrames when zero.
	MaxFrames int
	OutputDir string
	ShowUsage bool
	// LeaseBackoff is the first pause after a failed lease attempt; it
	// doubles up to MaxLeaseBackoff.
	LeaseBackoff    time.Duration
	MaxLeaseBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		PerFrame:          DefaultPerFrame,
		InitOverhead:      DefaultInitOverhead,
		MinTimeout:        DefaultMinTimeout,
		MaxTimeout:        DefaultMaxTimeout,
		FirstBatchTimeout: 10 * time.Minute,
		BatchTimeout:      time.Minute,
		ShutdownGrace:     30 * time.Second,
		OutputDir:         "/requestor/output",
		LeaseBackoff:      time.Second,
		MaxLeaseBackoff:   30 * time.Second,
		MaxFrames:         DefaultMaxFrames,
	}
}

func OptionsFromConfig(cfg config.Config) Options {
	o := DefaultOptions()
	r := cfg.Render
	o.PerFrame = r.PerFrame
	o.InitOverhead = r.InitOverhead
	o.MinTimeout = r.MinTimeout
	o.MaxTimeout = r.MaxTimeout
	o.FirstBatchTimeout = r.FirstBatchTimeout
	o.BatchTimeout = r.BatchTimeout
	o.ShutdownGrace = r.ShutdownGrace
	o.OutputDir = r.OutputDir
	o.ShowUsage = r.ShowUsage
	if r.MaxFrames > 0 {
		o.MaxFrames = r.MaxFrames
	}
	o.MaxWorkers = cfg.Market.MaxWorkers
	return o
}

// Summary is the final view of a job run.
type Summary struct {
	JobID     string        `json:"job_id"`
	Outcome   Outcome       `json:"outcome"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	Timeout   time.Duration `json:"timeout"`
	Frames    []LedgerEntry `json:"frames"`
}

// Orchestrator runs jobs against a marketplace. One Orchestrator may run
// several jobs; each Run owns its own ledger.
type Orchestrator struct {
	market   ports.Marketplace
	reporter ports.StatusReporter
	results  ports.ResultSink
	opts     Options
	log      *logger.Logger
	now      func() time.Time
}

// New builds an orchestrator. reporter and results may be nil.
func New(market ports.Marketplace, reporter ports.StatusReporter, results ports.ResultSink, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		market:   market,
		reporter: reporter,
		results:  results,
		opts:     opts,
		log:      log.WithComponent("orchestrator"),
		now:      time.Now,
	}
}

func (o *Orchestrator) maxWorkers() int {
	if o.opts.MaxWorkers > 0 {
		return o.opts.MaxWorkers
	}
	if n := o.market.MaxWorkers(); n > 0 {
		return n
	}
	return 1
}

// Run renders every frame of job and blocks until each frame is terminal
// or the planned deadline passes. Timeouts and cancellation are reported
// through Summary.Outcome. The returned error is non-nil only when the job
// never started (invalid parameters) or no worker could ever be leased; in
// the latter case the summary is returned as well.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Summary, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	seq, err := NewFrameSequence(job.StartFrame, job.EndFrame, o.opts.MaxFrames)
	if err != nil {
		return nil, err
	}

	log := o.log.WithJobID(job.ID)
	timeout := PlanTimeout(seq.Len(), o.opts.PerFrame, o.opts.InitOverhead, o.opts.MinTimeout, o.opts.MaxTimeout)
	started := o.now()
	log.Info("job starting", "frames", seq.Len(), "timeout", timeout, "max_workers", o.maxWorkers())

	ctx, span := tracing.StartSpan(ctx, "render.job", tracing.JobID(job.ID), tracing.Frames(seq.Len()))
	defer span.End()

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ledger := NewLedger(job.ID, seq.Frames())
	// Status delivery must outlive the job deadline so the terminal status
	// still goes out.
	loop := newEventLoop(ledger, o.reporter, log, 4*seq.Len()+16)
	go loop.run(context.WithoutCancel(ctx))
	loop.Publish(JobStarted(o.now()))

	o.market.Subscribe(jobCtx, func(me ports.MarketEvent) {
		if ev, ok := fromMarket(me, o.now()); ok {
			loop.Publish(ev)
		}
	})

	uploads := &uploader{sink: o.results, log: log}
	d := &dispatcher{
		o:        o,
		job:      job,
		loop:     loop,
		log:      log,
		deliver:  uploads.deliver,
		sessions: make(map[string]context.CancelFunc),
	}
	loop.onInconsistent = d.retire
	completed := d.run(jobCtx, seq)

	end := EndCompleted
	switch {
	case completed:
	case ctx.Err() != nil:
		end = EndCancelled
		loop.Publish(JobExpired("cancelled", o.now()))
	default:
		end = EndTimeout
		loop.Publish(JobExpired(errors.JobTimeout(job.ID, timeout).Error(), o.now()))
	}

	if !uploads.wait(o.opts.ShutdownGrace) {
		log.Warn("result uploads still running after grace period")
	}

	elapsed := o.now().Sub(started)
	loop.Publish(JobFinished(end, elapsed, o.now()))
	<-loop.Done()

	entries := ledger.Entries()
	counts := CountEntries(entries)
	summary := &Summary{
		JobID:     job.ID,
		Outcome:   ledger.Outcome(),
		Total:     counts.Total,
		Succeeded: counts.Finished,
		Failed:    counts.Failed,
		Elapsed:   elapsed,
		Timeout:   timeout,
		Frames:    entries,
	}
	log.Info("job done",
		"outcome", string(summary.Outcome),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", elapsed,
	)

	if leaseErr := d.leaseFailure(); leaseErr != nil {
		err := errors.WrapWithCode(leaseErr, errors.CodeUnavailable, "render.Run", "no worker could be leased")
		tracing.End(span, err)
		return summary, err
	}
	return summary, nil
}

// uploader hands results to the sink without blocking sessions.
type uploader struct {
	sink ports.ResultSink
	log  *logger.Logger
	wg   sync.WaitGroup
}

func (u *uploader) deliver(r ports.ResultUpload) {
	if u.sink == nil {
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.sink.UploadResult(context.Background(), r); err != nil {
			u.log.WithFrame(r.Frame).WithError(err).Warn("result upload failed", "path", r.Path)
		}
	}()
}

func (u *uploader) wait(grace time.Duration) bool {
	return waitGrace(u.wg.Wait, grace)
}

// waitGrace runs wait and reports whether it returned within grace.
func waitGrace(wait func(), grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
