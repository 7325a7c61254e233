package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"framefarm/internal/render"
)

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	content := `{"startframe":1,"endframe":4,"scene_file":"/requestor/scene/cubes.blend","scene_name":"cubes.blend","output_format":"png","output_extension":"png"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	job, err := loadJob(path, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "task_1" || job.FrameCount() != 3 || job.OutputExtension != ".png" || job.OutputFormat != "PNG" {
		t.Errorf("unexpected job %+v", job)
	}

	if _, err := loadJob(filepath.Join(t.TempDir(), "missing.json"), "x"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		outcome render.Outcome
		want    int
	}{
		{render.OutcomeFinished, exitOK},
		{render.OutcomeFailed, exitFailed},
		{render.OutcomeCancelled, exitCancelled},
	}
	for _, tt := range tests {
		if got := exitCode(&render.Summary{Outcome: tt.outcome}); got != tt.want {
			t.Errorf("%s: exit %d, want %d", tt.outcome, got, tt.want)
		}
	}
}

func TestRenderSummary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := renderSummary(&render.Summary{
		JobID:     "task_1",
		Outcome:   render.OutcomeFinished,
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Elapsed:   90 * time.Second,
		Timeout:   7 * time.Minute,
		Frames: []render.LedgerEntry{
			{Frame: 1, Status: render.FrameFinished, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
			{Frame: 2, Status: render.FrameFailed, Reason: "exit status 1"},
		},
	})

	for _, want := range []string{"task_1", "Finished", "2 frames: 1 finished, 1 failed", "1.5s", "exit status 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
