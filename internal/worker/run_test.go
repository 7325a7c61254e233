package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

func TestRunningJobStop(t *testing.T) {
	var r runningJob
	if r.stop("job_1") {
		t.Error("nothing is running yet")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.set("job_1", cancel)

	if r.stop("job_2") {
		t.Error("a cancel for another job must be ignored")
	}
	if ctx.Err() != nil {
		t.Fatal("job cancelled by a foreign request")
	}
	if !r.stop("job_1") {
		t.Error("expected the running job to stop")
	}
	if ctx.Err() == nil {
		t.Error("job context not cancelled")
	}

	r.set("", nil)
	if r.stop("job_1") {
		t.Error("finished job cannot be stopped")
	}
}

// stuckStore blocks every write until release is closed.
type stuckStore struct {
	release chan struct{}
	writes  atomic.Int32
}

func (s *stuckStore) ReportSubtask(context.Context, ports.SubtaskUpdate) error {
	<-s.release
	s.writes.Add(1)
	return nil
}

func (s *stuckStore) ReportJob(context.Context, ports.JobUpdate) error {
	<-s.release
	s.writes.Add(1)
	return nil
}

func TestReporterDoesNotWaitOnFrameStore(t *testing.T) {
	store := &stuckStore{release: make(chan struct{})}
	reporter, frames := newReporter(store, nil, 16, logger.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range 5 {
			_ = reporter.ReportSubtask(context.Background(), ports.SubtaskUpdate{JobID: "job_1", Frame: f, Status: ports.StatusStarted})
		}
		_ = reporter.ReportJob(context.Background(), ports.JobUpdate{JobID: "job_1", Status: ports.StatusStarted, Total: 5})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("status calls blocked on a stalled frame store")
	}

	close(store.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := frames.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.writes.Load(); got != 6 {
		t.Errorf("expected 6 queued writes delivered, got %d", got)
	}
}
