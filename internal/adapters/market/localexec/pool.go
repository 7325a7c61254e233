// Package localexec emulates a provider market with local processes. Each
// lease gets a private directory standing in for the provider VM, and any
// "/golem/" path in a command is rewritten into it.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/util"
)

const remoteRoot = "/golem/"

type Options struct {
	// Root holds the per-lease directories.
	Root string
	// Providers is how many leases may be held at once.
	Providers  int
	MaxWorkers int
	// CostPerCPUSecond prices usage samples.
	CostPerCPUSecond float64
}

func OptionsFromConfig(c config.MarketConfig) Options {
	return Options{Root: c.LocalRoot, Providers: c.LocalProviders, MaxWorkers: c.MaxWorkers}
}

type workspace struct {
	lease  ports.Lease
	dir    string
	cancel context.CancelFunc
	ctx    context.Context
	cpu    time.Duration
	state  string
}

type Pool struct {
	opts Options
	sem  *semaphore.Weighted
	log  *logger.Logger

	mu     sync.Mutex
	leases map[string]*workspace
	sinks  map[int]func(ports.MarketEvent)
	nextID int
	serial int
}

var (
	_ ports.Marketplace   = (*Pool)(nil)
	_ ports.UsageReporter = (*Pool)(nil)
)

func New(opts Options, log *logger.Logger) *Pool {
	if opts.Providers <= 0 {
		opts.Providers = 1
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = opts.Providers
	}
	if opts.Root == "" {
		opts.Root = os.TempDir()
	}
	return &Pool{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Providers)),
		log:    log.WithComponent("localexec"),
		leases: make(map[string]*workspace),
		sinks:  make(map[int]func(ports.MarketEvent)),
	}
}

func (p *Pool) MaxWorkers() int { return p.opts.MaxWorkers }

// LeaseWorker blocks until a local provider slot frees up.
func (p *Pool) LeaseWorker(ctx context.Context) (ports.Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return ports.Lease{}, err
	}

	id := util.NewID("lease")
	dir, err := os.MkdirTemp(p.opts.Root, "framefarm-"+id+"-")
	if err != nil {
		p.sem.Release(1)
		return ports.Lease{}, errors.Wrap(err, "localexec.lease", "create workspace")
	}
	for _, sub := range []string{"input", "output"} {
		if err := os.MkdirAll(filepath.Join(dir, "golem", sub), 0o755); err != nil {
			os.RemoveAll(dir)
			p.sem.Release(1)
			return ports.Lease{}, errors.Wrap(err, "localexec.lease", "create workspace")
		}
	}

	p.mu.Lock()
	p.serial++
	lease := ports.Lease{
		ID:           id,
		ProviderID:   fmt.Sprintf("local-%d", p.serial),
		ProviderName: fmt.Sprintf("localhost-%d", p.serial),
	}
	wctx, cancel := context.WithCancel(context.Background())
	p.leases[id] = &workspace{lease: lease, dir: dir, ctx: wctx, cancel: cancel, state: "Ready"}
	p.mu.Unlock()

	p.log.WithLease(lease.ID, lease.ProviderName).Debug("lease created", "dir", dir)
	p.emit(ports.MarketEvent{Kind: ports.EventLeaseCreated, Lease: lease})
	return lease, nil
}

func (p *Pool) Release(_ context.Context, lease ports.Lease) error {
	p.mu.Lock()
	ws, ok := p.leases[lease.ID]
	delete(p.leases, lease.ID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	ws.cancel()
	p.sem.Release(1)
	return os.RemoveAll(ws.dir)
}

// Fail simulates the provider disappearing: running commands are killed
// and subscribers receive WorkerFailed.
func (p *Pool) Fail(leaseID string, cause error) {
	p.mu.Lock()
	ws, ok := p.leases[leaseID]
	if ok {
		ws.state = "Terminated"
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ws.cancel()
	p.emit(ports.MarketEvent{Kind: ports.EventWorkerFailed, Lease: ws.lease, Err: errors.WorkerLost(leaseID, cause)})
}

func (p *Pool) Subscribe(ctx context.Context, sink func(ports.MarketEvent)) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.sinks[id] = sink
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.sinks, id)
		p.mu.Unlock()
	}()
}

func (p *Pool) emit(ev ports.MarketEvent) {
	p.mu.Lock()
	sinks := make([]func(ports.MarketEvent), 0, len(p.sinks))
	for _, s := range p.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()
	for _, s := range sinks {
		s(ev)
	}
}

func (p *Pool) Usage(_ context.Context, lease ports.Lease) (ports.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws, ok := p.leases[lease.ID]
	if !ok {
		return ports.Usage{}, errors.NotFound("lease", lease.ID)
	}
	cpu := ws.cpu.Seconds()
	return ports.Usage{
		State:    ws.state,
		Counters: map[string]float64{"golem.usage.cpu_sec": cpu},
		Cost:     cpu * p.opts.CostPerCPUSecond,
	}, nil
}

func (p *Pool) SubmitBatch(ctx context.Context, lease ports.Lease, batch ports.Batch) (ports.Artifacts, error) {
	p.mu.Lock()
	ws, ok := p.leases[lease.ID]
	p.mu.Unlock()
	if !ok {
		return ports.Artifacts{}, errors.WorkerLost(lease.ID, fmt.Errorf("lease not held"))
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ws.ctx, cancel)
	defer stop()
	if batch.Timeout > 0 {
		var tcancel context.CancelFunc
		bctx, tcancel = context.WithTimeout(bctx, batch.Timeout)
		defer tcancel()
	}

	out := ports.Artifacts{Frame: batch.Frame}
	for _, cmd := range batch.Commands {
		var err error
		switch cmd.Kind {
		case ports.CommandUpload:
			err = copyFile(cmd.Src, ws.remote(cmd.Dst))
		case ports.CommandDownload:
			if err = copyFile(ws.remote(cmd.Src), cmd.Dst); err != nil {
				err = errors.CommandFailed(lease.ID, "download "+cmd.Src, err)
				break
			}
			out.Files = append(out.Files, cmd.Dst)
		case ports.CommandRun:
			err = p.run(bctx, ws, cmd.Args)
		default:
			err = errors.Validation("unknown command kind: " + string(cmd.Kind))
		}
		if err == nil && bctx.Err() != nil {
			err = bctx.Err()
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return out, ctx.Err()
			case ws.ctx.Err() != nil:
				return out, errors.WorkerLost(lease.ID, err)
			case bctx.Err() == context.DeadlineExceeded:
				return out, errors.BatchTimeout(lease.ID, batch.Frame, batch.Timeout)
			}
			return out, err
		}
	}
	return out, nil
}

func (p *Pool) run(ctx context.Context, ws *workspace, args []string) error {
	if len(args) == 0 {
		return errors.Validation("empty command")
	}
	rewritten := make([]string, len(args))
	for i, a := range args {
		rewritten[i] = ws.rewrite(a)
	}

	cmd := exec.CommandContext(ctx, rewritten[0], rewritten[1:]...)
	cmd.Dir = ws.dir
	// Grandchildren may hold stderr open after the shell is killed.
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()

	if cmd.ProcessState != nil {
		p.mu.Lock()
		ws.cpu += cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		p.mu.Unlock()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return errors.CommandFailed(ws.lease.ID, strings.Join(args, " "), err)
	}
	return nil
}

// rewrite maps every /golem/ reference in s into the lease directory.
func (ws *workspace) rewrite(s string) string {
	return strings.ReplaceAll(s, remoteRoot, filepath.Join(ws.dir, "golem")+"/")
}

func (ws *workspace) remote(p string) string {
	if strings.HasPrefix(p, remoteRoot) {
		return ws.rewrite(p)
	}
	return filepath.Join(ws.dir, filepath.Clean("/"+p))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "localexec.copy", "open "+src)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "localexec.copy", "create "+dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
