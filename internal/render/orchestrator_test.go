package render

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

type submitted struct {
	lease ports.Lease
	batch ports.Batch
}

type fakeMarket struct {
	mu        sync.Mutex
	workers   int
	leaseErr  error
	submitFn  func(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error)
	leases    int
	released  []string
	submitted []submitted
	sink      func(ports.MarketEvent)
}

func (m *fakeMarket) LeaseWorker(ctx context.Context) (ports.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseErr != nil {
		return ports.Lease{}, m.leaseErr
	}
	m.leases++
	return ports.Lease{
		ID:           fmt.Sprintf("lease-%d", m.leases),
		ProviderID:   fmt.Sprintf("0xprov%d", m.leases),
		ProviderName: fmt.Sprintf("provider-%d", m.leases),
	}, nil
}

func (m *fakeMarket) SubmitBatch(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, submitted{lease: lease, batch: b})
	fn := m.submitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, lease, b)
	}
	return ports.Artifacts{Frame: b.Frame, Files: []string{b.Commands[len(b.Commands)-1].Dst}}, nil
}

func (m *fakeMarket) Subscribe(ctx context.Context, sink func(ports.MarketEvent)) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

func (m *fakeMarket) Release(ctx context.Context, lease ports.Lease) error {
	m.mu.Lock()
	m.released = append(m.released, lease.ID)
	m.mu.Unlock()
	return nil
}

func (m *fakeMarket) MaxWorkers() int { return m.workers }

type fakeReporter struct {
	mu       sync.Mutex
	subtasks []ports.SubtaskUpdate
	jobs     []ports.JobUpdate
	uploads  []ports.ResultUpload
}

func (r *fakeReporter) ReportSubtask(_ context.Context, u ports.SubtaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subtasks = append(r.subtasks, u)
	return nil
}

func (r *fakeReporter) ReportJob(_ context.Context, u ports.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, u)
	return nil
}

func (r *fakeReporter) UploadResult(_ context.Context, u ports.ResultUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, u)
	return nil
}

func (r *fakeReporter) subtaskCount(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.subtasks {
		if u.Status == status {
			n++
		}
	}
	return n
}

func testJob(start, end int) Job {
	return Job{
		ID:              "job-1",
		StartFrame:      start,
		EndFrame:        end,
		SceneRef:        "/tmp/cubes.blend",
		SceneName:       "cubes.blend",
		OutputFormat:    "PNG",
		OutputExtension: ".png",
		Budget:          DefaultBudget,
	}
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.OutputDir = t.TempDir()
	opts.LeaseBackoff = 5 * time.Millisecond
	opts.MaxLeaseBackoff = 20 * time.Millisecond
	opts.ShutdownGrace = 2 * time.Second
	return opts
}

// shortDeadline makes PlanTimeout return d for any frame count.
func shortDeadline(opts Options, d time.Duration) Options {
	opts.PerFrame = 0
	opts.InitOverhead = 0
	opts.MinTimeout = d
	opts.MaxTimeout = d
	return opts
}

func assertOneTerminalJobStatus(t *testing.T, rep *fakeReporter, want string) ports.JobUpdate {
	t.Helper()
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.jobs) != 2 {
		t.Fatalf("expected Started plus one terminal status, got %+v", rep.jobs)
	}
	if rep.jobs[0].Status != ports.StatusStarted {
		t.Errorf("first job status = %s, want Started", rep.jobs[0].Status)
	}
	if rep.jobs[1].Status != want {
		t.Errorf("terminal job status = %s, want %s", rep.jobs[1].Status, want)
	}
	return rep.jobs[1]
}

func TestRunAllFramesSucceed(t *testing.T) {
	market := &fakeMarket{workers: 2}
	rep := &fakeReporter{}
	o := New(market, rep, rep, testOptions(t), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(0, 6))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeFinished || summary.Succeeded != 6 || summary.Failed != 0 || summary.Total != 6 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.Timeout != 15*time.Minute {
		t.Errorf("expected planned timeout 15m, got %s", summary.Timeout)
	}
	for _, e := range summary.Frames {
		if e.Status != FrameFinished || e.OutputPath == "" {
			t.Errorf("frame %d not finished: %+v", e.Frame, e)
		}
	}

	final := assertOneTerminalJobStatus(t, rep, ports.StatusFinished)
	if final.Total != 6 || final.Succeeded != 6 || final.Failed != 0 {
		t.Errorf("unexpected final counts: %+v", final)
	}
	if n := rep.subtaskCount(ports.StatusComputing); n != 6 {
		t.Errorf("expected 6 Computing updates, got %d", n)
	}
	if n := rep.subtaskCount(ports.StatusFinished); n != 6 {
		t.Errorf("expected 6 Finished updates, got %d", n)
	}
	if len(rep.uploads) != 6 {
		t.Errorf("expected 6 result uploads, got %d", len(rep.uploads))
	}

	market.mu.Lock()
	defer market.mu.Unlock()
	if market.leases > 2 {
		t.Errorf("expected at most 2 leases, got %d", market.leases)
	}
	if len(market.released) != market.leases {
		t.Errorf("every lease should be released: leased=%d released=%v", market.leases, market.released)
	}
	firstSeen := map[string]bool{}
	for _, s := range market.submitted {
		hasUpload := s.batch.Commands[0].Kind == ports.CommandUpload
		if !firstSeen[s.lease.ID] {
			firstSeen[s.lease.ID] = true
			if !hasUpload || s.batch.Timeout != 10*time.Minute {
				t.Errorf("first batch on %s should upload with the long timeout: %+v", s.lease.ID, s.batch)
			}
			continue
		}
		if hasUpload || s.batch.Timeout != time.Minute {
			t.Errorf("later batch on %s should not upload and use 1m: %+v", s.lease.ID, s.batch)
		}
	}
}

func TestRunAbsorbsFrameFailure(t *testing.T) {
	market := &fakeMarket{workers: 2}
	market.submitFn = func(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error) {
		if b.Frame == 2 {
			return ports.Artifacts{}, errors.CommandFailed(lease.ID, "blender", fmt.Errorf("exit status 1"))
		}
		return ports.Artifacts{Frame: b.Frame}, nil
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, testOptions(t), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(0, 6))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeFinished || summary.Succeeded != 5 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if e := summary.Frames[2]; e.Status != FrameFailed || !strings.Contains(e.Reason, "command failed") {
		t.Errorf("frame 2 should have failed with the command error: %+v", e)
	}
	if n := rep.subtaskCount(ports.StatusFailed); n != 1 {
		t.Errorf("expected one Failed subtask update, got %d", n)
	}
	assertOneTerminalJobStatus(t, rep, ports.StatusFinished)

	market.mu.Lock()
	defer market.mu.Unlock()
	if len(market.released) != market.leases {
		t.Errorf("every lease should be released: leased=%d released=%v", market.leases, market.released)
	}
}

func TestRunEveryFrameFails(t *testing.T) {
	market := &fakeMarket{workers: 1}
	market.submitFn = func(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error) {
		return ports.Artifacts{}, errors.BatchTimeout(lease.ID, b.Frame, b.Timeout)
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, testOptions(t), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(10, 13))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeFailed || summary.Failed != 3 || summary.Succeeded != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	assertOneTerminalJobStatus(t, rep, ports.StatusFailed)

	market.mu.Lock()
	defer market.mu.Unlock()
	if market.leases < 3 {
		t.Errorf("each failure should retire the lease and lease a replacement, got %d leases", market.leases)
	}
	if len(market.released) != market.leases {
		t.Errorf("every lease should be released: leased=%d released=%v", market.leases, market.released)
	}
}

func TestRunNoReplacementWithoutQueuedWork(t *testing.T) {
	market := &fakeMarket{workers: 2}
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	market.submitFn = func(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error) {
		if b.Frame == 1 {
			once.Do(func() { close(inFlight) })
			select {
			case <-release:
			case <-ctx.Done():
				return ports.Artifacts{}, ctx.Err()
			}
			return ports.Artifacts{Frame: b.Frame}, nil
		}
		// Fail only once the other frame is running elsewhere, so the
		// queue is empty when this lease is retired.
		<-inFlight
		return ports.Artifacts{}, errors.BatchTimeout(lease.ID, b.Frame, b.Timeout)
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, testOptions(t), logger.Discard())

	type result struct {
		summary *Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := o.Run(context.Background(), testJob(0, 2))
		done <- result{s, err}
	}()

	<-inFlight
	deadline := time.Now().Add(2 * time.Second)
	for rep.subtaskCount(ports.StatusFailed) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	market.mu.Lock()
	leases := market.leases
	market.mu.Unlock()
	if leases != 2 {
		t.Errorf("expected no replacement lease while the queue is empty, got %d leases", leases)
	}

	close(release)
	r := <-done
	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if r.summary.Succeeded != 1 || r.summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", r.summary)
	}
	market.mu.Lock()
	defer market.mu.Unlock()
	if market.leases != 2 || len(market.released) != 2 {
		t.Errorf("leased=%d released=%v", market.leases, market.released)
	}
}

func TestRunTimeoutFailsOutstandingFrames(t *testing.T) {
	market := &fakeMarket{workers: 2}
	market.submitFn = func(ctx context.Context, _ ports.Lease, _ ports.Batch) (ports.Artifacts, error) {
		<-ctx.Done()
		return ports.Artifacts{}, ctx.Err()
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, shortDeadline(testOptions(t), 100*time.Millisecond), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(0, 4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeFailed || summary.Failed != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, e := range summary.Frames {
		if e.Status != FrameFailed || !strings.Contains(e.Reason, "timed out") {
			t.Errorf("frame %d: expected Failed(timeout), got %+v", e.Frame, e)
		}
	}
	final := assertOneTerminalJobStatus(t, rep, ports.StatusFailed)
	if final.Failed != 4 {
		t.Errorf("expected 4 failed in final status, got %+v", final)
	}
	if n := rep.subtaskCount(ports.StatusFailed); n > 2 {
		t.Errorf("only frames that were computing get a Failed update, got %d", n)
	}
}

func TestRunCancelled(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	market := &fakeMarket{workers: 1}
	market.submitFn = func(ctx context.Context, _ ports.Lease, _ ports.Batch) (ports.Artifacts, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ports.Artifacts{}, ctx.Err()
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, testOptions(t), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	summary, err := o.Run(ctx, testJob(0, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome != OutcomeCancelled {
		t.Errorf("expected Cancelled, got %s", summary.Outcome)
	}
	assertOneTerminalJobStatus(t, rep, ports.StatusCancelled)
}

func TestRunInvalidRange(t *testing.T) {
	opts := testOptions(t)
	opts.MaxFrames = 50
	tests := []struct {
		name       string
		start, end int
	}{
		{"empty", 5, 5},
		{"overflowing", math.MinInt, math.MaxInt},
		{"above max frames", 0, 51},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReporter{}
			o := New(&fakeMarket{workers: 1}, rep, nil, opts, logger.Discard())

			summary, err := o.Run(context.Background(), testJob(tt.start, tt.end))
			if !errors.Is(err, errors.ErrInvalidRange) {
				t.Fatalf("expected invalid range, got %v", err)
			}
			if summary != nil {
				t.Errorf("unexpected summary: %+v", summary)
			}
			if len(rep.jobs) != 0 || len(rep.subtasks) != 0 {
				t.Error("a job that never started must not report status")
			}
		})
	}
}

func TestRunNoWorkerAvailable(t *testing.T) {
	market := &fakeMarket{workers: 3, leaseErr: fmt.Errorf("no offers")}
	rep := &fakeReporter{}
	o := New(market, rep, nil, shortDeadline(testOptions(t), 80*time.Millisecond), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(0, 2))
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if summary == nil || summary.Outcome != OutcomeFailed || summary.Failed != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestRunMarketWorkerFailure(t *testing.T) {
	market := &fakeMarket{workers: 1}
	market.submitFn = func(ctx context.Context, lease ports.Lease, b ports.Batch) (ports.Artifacts, error) {
		if b.Frame == 0 {
			market.mu.Lock()
			sink := market.sink
			market.mu.Unlock()
			// The provider drops mid-batch; the market reports it and the
			// batch then fails in-band.
			sink(ports.MarketEvent{Kind: ports.EventWorkerFailed, Lease: lease, Err: errors.WorkerLost(lease.ID, fmt.Errorf("agreement terminated"))})
			return ports.Artifacts{}, errors.WorkerLost(lease.ID, fmt.Errorf("agreement terminated"))
		}
		return ports.Artifacts{Frame: b.Frame}, nil
	}
	rep := &fakeReporter{}
	o := New(market, rep, nil, testOptions(t), logger.Discard())

	summary, err := o.Run(context.Background(), testJob(0, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Frames[0].Status != FrameFailed {
		t.Errorf("frame 0 should have failed: %+v", summary.Frames[0])
	}
	if summary.Succeeded != 2 || summary.Outcome != OutcomeFinished {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if n := rep.subtaskCount(ports.StatusFailed); n != 0 {
		t.Errorf("worker loss is not reported as a subtask failure, got %d", n)
	}
}

func TestSessionRequeuesAbandonedFrame(t *testing.T) {
	market := &fakeMarket{workers: 1}
	market.submitFn = func(ctx context.Context, _ ports.Lease, _ ports.Batch) (ports.Artifacts, error) {
		<-ctx.Done()
		return ports.Artifacts{}, ctx.Err()
	}
	var events []Event
	s := &session{
		lease:   ports.Lease{ID: "lease-1", ProviderName: "p"},
		job:     testJob(0, 1),
		opts:    testOptions(t),
		market:  market,
		publish: func(ev Event) bool { events = append(events, ev); return true },
		now:     time.Now,
		log:     logger.Discard(),
	}

	ctx, retire := context.WithCancel(context.Background())
	queue := make(chan FrameTask, 1)
	queue <- FrameTask{Frame: 0, Attempt: 1}

	var results []frameResult
	done := make(chan error, 1)
	go func() {
		done <- s.run(ctx, nil, queue, func(r frameResult) { results = append(results, r) })
	}()
	time.Sleep(20 * time.Millisecond)
	retire()

	if err := <-done; err == nil {
		t.Fatal("expected retired session to return an error")
	}
	if len(results) != 1 || results[0].done {
		t.Fatalf("abandoned frame should go back on the queue, got %+v", results)
	}
	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if slices.Contains(kinds, EventWorkerFailed) {
		t.Errorf("a retired session must not blame the frame: %v", kinds)
	}
	if s.state != SessionClosed {
		t.Errorf("expected closed session, got %s", s.state)
	}
}

func TestBuildBatch(t *testing.T) {
	job := testJob(0, 10)
	job.Resolution = "1920x1080"
	job.Samples = 64
	opts := testOptions(t)
	s := &session{job: job, opts: opts}

	first := s.buildBatch(7)
	if len(first.Commands) != 3 || first.Commands[0].Kind != ports.CommandUpload {
		t.Fatalf("first batch should upload then run then download: %+v", first.Commands)
	}
	if first.Commands[0].Dst != "/golem/input/cubes.blend" {
		t.Errorf("unexpected upload destination %q", first.Commands[0].Dst)
	}
	run := first.Commands[1].Args[2]
	for _, want := range []string{
		"blender -b /golem/input/cubes.blend",
		"-o /golem/output/output# -F PNG -t 0 -f 7",
		"resolution_x=1920",
		"cycles.samples=64",
	} {
		if !strings.Contains(run, want) {
			t.Errorf("render command %q missing %q", run, want)
		}
	}
	dl := first.Commands[2]
	if dl.Src != "/golem/output/output7.png" || !strings.HasSuffix(dl.Dst, "output_7.png") {
		t.Errorf("unexpected download: %+v", dl)
	}

	s.uploaded = true
	next := s.buildBatch(8)
	if len(next.Commands) != 2 || next.Timeout != opts.BatchTimeout {
		t.Errorf("later batch should skip upload: %+v", next)
	}

	s.job.OutputDir = "/work/job_1/frames"
	if got := s.buildBatch(9).Commands[1].Dst; got != "/work/job_1/frames/output_9.png" {
		t.Errorf("per-job output dir not honoured: %s", got)
	}
}
