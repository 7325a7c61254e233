// Package httpmarket talks to a marketplace gateway over HTTP. The gateway
// owns negotiation with providers; this client only leases, runs batches
// and relays lifecycle events.
package httpmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"framefarm/internal/config"
	wire "framefarm/internal/contracts/market/v1"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

const longPoll = 30 * time.Second

type Options struct {
	BaseURL      string
	SubnetTag    string
	MaxWorkers   int
	PollInterval time.Duration
	// HTTPClient carries no timeout of its own; every call is bounded by
	// its context.
	HTTPClient *http.Client
}

func OptionsFromConfig(c config.MarketConfig) Options {
	return Options{
		BaseURL:      c.BaseURL,
		SubnetTag:    c.SubnetTag,
		MaxWorkers:   c.MaxWorkers,
		PollInterval: c.PollInterval,
	}
}

type Client struct {
	opts   Options
	client *http.Client
	log    *logger.Logger
}

var (
	_ ports.Marketplace   = (*Client)(nil)
	_ ports.UsageReporter = (*Client)(nil)
)

func New(opts Options, log *logger.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1000
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{opts: opts, client: opts.HTTPClient, log: log.WithComponent("httpmarket")}
}

func (c *Client) MaxWorkers() int { return c.opts.MaxWorkers }

func (c *Client) LeaseWorker(ctx context.Context) (ports.Lease, error) {
	var res wire.LeaseResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/leases", wire.LeaseRequest{SubnetTag: c.opts.SubnetTag}, &res)
	if err != nil {
		return ports.Lease{}, errors.Wrap(err, "market.lease", "lease worker")
	}
	return fromWire(res.Lease), nil
}

func (c *Client) Release(ctx context.Context, lease ports.Lease) error {
	err := c.doJSON(ctx, http.MethodDelete, leasePath(lease.ID, ""), nil, nil)
	if errors.IsCode(err, errors.CodeWorkerLost) {
		return nil
	}
	return err
}

func (c *Client) Usage(ctx context.Context, lease ports.Lease) (ports.Usage, error) {
	var res wire.UsageResponse
	if err := c.doJSON(ctx, http.MethodGet, leasePath(lease.ID, "/usage"), nil, &res); err != nil {
		return ports.Usage{}, err
	}
	return ports.Usage{State: res.State, Counters: res.Counters, Cost: res.Cost}, nil
}

// SubmitBatch runs the commands in order under the batch timeout. A batch
// deadline becomes BATCH_TIMEOUT, a non-zero exit COMMAND_FAILED and a
// lost connection WORKER_LOST.
func (c *Client) SubmitBatch(ctx context.Context, lease ports.Lease, batch ports.Batch) (ports.Artifacts, error) {
	bctx := ctx
	if batch.Timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, batch.Timeout)
		defer cancel()
	}

	out := ports.Artifacts{Frame: batch.Frame}
	for _, cmd := range batch.Commands {
		var err error
		switch cmd.Kind {
		case ports.CommandUpload:
			err = c.upload(bctx, lease, cmd.Src, cmd.Dst)
		case ports.CommandRun:
			err = c.exec(bctx, lease, cmd.Args, batch.Timeout)
		case ports.CommandDownload:
			if err = c.download(bctx, lease, cmd.Src, cmd.Dst); err == nil {
				out.Files = append(out.Files, cmd.Dst)
			}
		default:
			err = errors.Validation("unknown command kind: " + string(cmd.Kind))
		}
		if err != nil {
			if ctx.Err() == nil && bctx.Err() == context.DeadlineExceeded {
				return out, errors.BatchTimeout(lease.ID, batch.Frame, batch.Timeout)
			}
			return out, err
		}
	}
	return out, nil
}

func (c *Client) upload(ctx context.Context, lease ports.Lease, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "market.upload", "open source")
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.filesURL(lease.ID, dst), f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	res, err := c.send(req, lease.ID)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

func (c *Client) download(ctx context.Context, lease ports.Lease, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.filesURL(lease.ID, src), nil)
	if err != nil {
		return err
	}
	res, err := c.send(req, lease.ID)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "market.download", "create output dir")
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "market.download", "create output")
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.WorkerLost(lease.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (c *Client) exec(ctx context.Context, lease ports.Lease, args []string, timeout time.Duration) error {
	var res wire.ExecResponse
	err := c.doJSON(ctx, http.MethodPost, leasePath(lease.ID, "/exec"),
		wire.ExecRequest{Args: args, TimeoutMS: timeout.Milliseconds()}, &res)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		cause := fmt.Errorf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 512))
		return errors.CommandFailed(lease.ID, strings.Join(args, " "), cause)
	}
	return nil
}

// Subscribe long-polls the gateway event feed until ctx ends. Transport
// errors back off by PollInterval.
func (c *Client) Subscribe(ctx context.Context, sink func(ports.MarketEvent)) {
	go func() {
		cursor := ""
		for ctx.Err() == nil {
			var res wire.EventsResponse
			q := url.Values{"wait": {fmt.Sprint(int(longPoll.Seconds()))}}
			if cursor != "" {
				q.Set("after", cursor)
			}
			if err := c.doJSON(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &res); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.WithError(err).Debug("event poll failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.opts.PollInterval):
				}
				continue
			}
			if res.Cursor != "" {
				cursor = res.Cursor
			}
			for _, ev := range res.Events {
				if me, ok := marketEvent(ev); ok {
					sink(me)
				}
			}
		}
	}()
}

func marketEvent(ev wire.Event) (ports.MarketEvent, bool) {
	lease := fromWire(ev.Lease)
	switch ev.Kind {
	case wire.EventLeaseCreated:
		return ports.MarketEvent{Kind: ports.EventLeaseCreated, Lease: lease}, true
	case wire.EventWorkerFailed:
		cause := fmt.Errorf("%s", ev.Error)
		return ports.MarketEvent{Kind: ports.EventWorkerFailed, Lease: lease, Err: errors.WorkerLost(lease.ID, cause)}, true
	default:
		return ports.MarketEvent{}, false
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.send(req, leaseFromPath(path))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "market.decode", method+" "+path)
	}
	return nil
}

// send performs req and maps failures to coded errors. On success the
// caller owns res.Body.
func (c *Client) send(req *http.Request, leaseID string) (*http.Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		if leaseID != "" {
			return nil, errors.WorkerLost(leaseID, err)
		}
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "market.http", req.URL.Path)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}
	defer res.Body.Close()

	var e wire.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	switch {
	case leaseID != "" && (res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone):
		return nil, errors.WorkerLost(leaseID, fmt.Errorf("gateway http %d: %s", res.StatusCode, msg))
	case res.StatusCode == http.StatusServiceUnavailable:
		return nil, errors.Unavailable("marketplace").WithField("reason", msg)
	default:
		return nil, errors.Newf(errors.CodeInternal, "gateway http %d: %s", res.StatusCode, msg)
	}
}

func (c *Client) filesURL(leaseID, remote string) string {
	return c.opts.BaseURL + leasePath(leaseID, "/files") + "?" + url.Values{"path": {remote}}.Encode()
}

func leasePath(id, suffix string) string {
	return "/v1/leases/" + url.PathEscape(id) + suffix
}

// leaseFromPath extracts {id} from /v1/leases/{id}/... so transport
// failures on lease routes are reported as WORKER_LOST.
func leaseFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, "/v1/leases/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	id, _ = url.PathUnescape(id)
	return id
}

func fromWire(l wire.Lease) ports.Lease {
	return ports.Lease{ID: l.ID, ProviderID: l.ProviderID, ProviderName: l.ProviderName}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
