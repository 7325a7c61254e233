package localexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

func newPool(t *testing.T, providers int) *Pool {
	t.Helper()
	return New(Options{Root: t.TempDir(), Providers: providers, CostPerCPUSecond: 0.5}, logger.Discard())
}

func renderBatch(t *testing.T, script string, timeout time.Duration) (ports.Batch, string) {
	t.Helper()
	dir := t.TempDir()
	scene := filepath.Join(dir, "scene.blend")
	if err := os.WriteFile(scene, []byte("blend-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "output_5.png")
	return ports.Batch{
		Frame:   5,
		Timeout: timeout,
		Commands: []ports.Command{
			{Kind: ports.CommandUpload, Src: scene, Dst: "/golem/input/scene.blend"},
			{Kind: ports.CommandRun, Args: []string{"/bin/sh", "-c", script}},
			{Kind: ports.CommandDownload, Src: "/golem/output/output5.png", Dst: out},
		},
	}, out
}

func TestSubmitRewritesRemotePaths(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()

	lease, err := p.LeaseWorker(ctx)
	if err != nil {
		t.Fatal(err)
	}
	batch, out := renderBatch(t, "cat /golem/input/scene.blend > /golem/output/output5.png", 5*time.Second)
	arts, err := p.SubmitBatch(ctx, lease, batch)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(arts.Files) != 1 || arts.Files[0] != out {
		t.Errorf("unexpected artifacts %+v", arts)
	}
	if b, _ := os.ReadFile(out); string(b) != "blend-data" {
		t.Errorf("output = %q", b)
	}

	usage, err := p.Usage(ctx, lease)
	if err != nil || usage.State != "Ready" {
		t.Errorf("unexpected usage %+v (%v)", usage, err)
	}
	if err := p.Release(ctx, lease); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Usage(ctx, lease); !errors.IsNotFound(err) {
		t.Errorf("released lease should be gone, got %v", err)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		code    errors.Code
	}{
		{"non-zero exit", "echo boom >&2; exit 3", 5 * time.Second, errors.CodeCommandFailed},
		{"missing output", "true", 5 * time.Second, errors.CodeCommandFailed},
		{"batch deadline", "sleep 5", 100 * time.Millisecond, errors.CodeBatchTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPool(t, 1)
			lease, err := p.LeaseWorker(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			defer p.Release(context.Background(), lease)

			batch, _ := renderBatch(t, tt.script, tt.timeout)
			_, err = p.SubmitBatch(context.Background(), lease, batch)
			if !errors.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestLeaseBlocksWhenPoolExhausted(t *testing.T) {
	p := newPool(t, 1)
	first, err := p.LeaseWorker(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.LeaseWorker(ctx); err == nil {
		t.Fatal("expected second lease to wait for a free provider")
	}

	_ = p.Release(context.Background(), first)
	second, err := p.LeaseWorker(context.Background())
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if second.ID == first.ID || second.ProviderName == first.ProviderName {
		t.Errorf("expected a fresh lease, got %+v", second)
	}
}

func TestEventsAndFail(t *testing.T) {
	p := newPool(t, 1)
	events := make(chan ports.MarketEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Subscribe(ctx, func(ev ports.MarketEvent) { events <- ev })

	lease, err := p.LeaseWorker(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev := <-events; ev.Kind != ports.EventLeaseCreated || ev.Lease.ID != lease.ID {
		t.Errorf("unexpected event %+v", ev)
	}

	batch, _ := renderBatch(t, "sleep 5", 10*time.Second)
	errc := make(chan error, 1)
	go func() {
		_, err := p.SubmitBatch(context.Background(), lease, batch)
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	p.Fail(lease.ID, context.Canceled)

	ev := <-events
	if ev.Kind != ports.EventWorkerFailed || !errors.IsCode(ev.Err, errors.CodeWorkerLost) {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case err := <-errc:
		if !errors.IsCode(err, errors.CodeWorkerLost) {
			t.Errorf("expected WORKER_LOST from the running batch, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("batch did not stop after provider failure")
	}
}

func TestRemotePath(t *testing.T) {
	ws := &workspace{dir: "/tmp/lease-1"}
	tests := map[string]string{
		"/golem/output/output1.png": "/tmp/lease-1/golem/output/output1.png",
		"relative.txt":              "/tmp/lease-1/relative.txt",
		"../../etc/passwd":          "/tmp/lease-1/etc/passwd",
	}
	for in, want := range tests {
		if got := ws.remote(in); got != want {
			t.Errorf("remote(%q) = %q, want %q", in, got, want)
		}
	}
	if got := ws.rewrite("blender -b /golem/input/a.blend -o /golem/output/output#"); strings.Contains(got, " /golem/") {
		t.Errorf("rewrite left remote paths: %s", got)
	}
}
