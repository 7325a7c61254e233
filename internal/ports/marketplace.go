package ports

import (
	"context"
	"time"
)

// Lease is one agreement with a remote provider. It is created by the
// marketplace and only referenced afterwards.
type Lease struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
}

type CommandKind string

const (
	// CommandUpload copies a local file (Src) into the remote context (Dst).
	CommandUpload CommandKind = "upload"
	// CommandRun executes Args inside the remote context.
	CommandRun CommandKind = "run"
	// CommandDownload copies a remote file (Src) to a local path (Dst).
	CommandDownload CommandKind = "download"
)

type Command struct {
	Kind CommandKind `json:"kind"`
	Src  string      `json:"src,omitempty"`
	Dst  string      `json:"dst,omitempty"`
	Args []string    `json:"args,omitempty"`
}

// Batch is the unit submitted to a lease: the commands run in order and
// the whole batch must complete within Timeout.
type Batch struct {
	Frame    int           `json:"frame"`
	Commands []Command     `json:"commands"`
	Timeout  time.Duration `json:"timeout"`
}

// Artifacts lists the local files produced by the download commands.
type Artifacts struct {
	Frame int      `json:"frame"`
	Files []string `json:"files"`
}

type MarketEventKind string

const (
	EventLeaseCreated MarketEventKind = "lease_created"
	EventWorkerFailed MarketEventKind = "worker_failed"
)

type MarketEvent struct {
	Kind  MarketEventKind
	Lease Lease
	// Err is set for EventWorkerFailed.
	Err error
}

// Marketplace is everything the orchestrator needs from the provider
// market. SubmitBatch errors carry the BATCH_TIMEOUT or COMMAND_FAILED
// codes when the remote work itself failed.
type Marketplace interface {
	LeaseWorker(ctx context.Context) (Lease, error)
	SubmitBatch(ctx context.Context, lease Lease, batch Batch) (Artifacts, error)
	// Subscribe registers sink and returns immediately. Events are pushed
	// from the adapter's own goroutines until ctx ends.
	Subscribe(ctx context.Context, sink func(MarketEvent))
	Release(ctx context.Context, lease Lease) error
	MaxWorkers() int
}

// Usage is a point-in-time sample of what a lease consumed.
type Usage struct {
	State    string             `json:"state"`
	Counters map[string]float64 `json:"counters"`
	Cost     float64            `json:"cost"`
}

// UsageReporter is implemented by marketplaces that can report activity
// usage and cost.
type UsageReporter interface {
	Usage(ctx context.Context, lease Lease) (Usage, error)
}
