// Command render runs one render job from a JSON parameter file, the way
// the per-task container does: ping the container manager, render, report
// to the status backend, ping again on the way out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"framefarm/internal/adapters/market"
	"framefarm/internal/config"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/render"
	"framefarm/internal/status"
	"framefarm/internal/util"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		paramsPath string
		taskID     string
		showUsage  bool
		subnetTag  string
		maxWorkers int
	)
	flag.StringVar(&paramsPath, "j", "", "path to the job parameter file (JSON)")
	flag.StringVar(&paramsPath, "jpath", "", "alias for -j")
	flag.StringVar(&taskID, "id", util.Env("TASKID", ""), "task id reported to the status backend")
	flag.BoolVar(&showUsage, "show-usage", false, "log provider usage and cost after each batch")
	flag.StringVar(&subnetTag, "subnet-tag", "", "marketplace subnet to lease from")
	flag.IntVar(&maxWorkers, "max-workers", 0, "cap on concurrent workers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return exitUsage
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		Output:      os.Stderr,
		ServiceName: util.Env("SERVICE_NAME", "framefarm-render"),
	})

	if paramsPath == "" {
		log.Error("missing -j parameter file")
		flag.Usage()
		return exitUsage
	}
	if taskID == "" {
		taskID = util.NewID("task")
	}
	if showUsage {
		cfg.Render.ShowUsage = true
	}
	if subnetTag != "" {
		cfg.Market.SubnetTag = subnetTag
	}
	if maxWorkers > 0 {
		cfg.Market.MaxWorkers = maxWorkers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container := status.NewContainerManager(cfg.Status.ManagerURL, cfg.Status.Timeout)
	if err := container.PingReady(ctx, taskID); err != nil {
		log.WithError(err).Warn("container manager ready ping failed")
	}
	defer func() {
		if err := container.PingShutdown(context.WithoutCancel(ctx), taskID); err != nil {
			log.WithError(err).Warn("container manager shutdown ping failed")
		}
	}()

	job, err := loadJob(paramsPath, taskID)
	if err != nil {
		log.WithError(err).Error("cannot read job parameters", "path", paramsPath)
		return exitUsage
	}

	mkt, err := market.New(cfg.Market, log)
	if err != nil {
		log.WithError(err).Error("cannot set up marketplace")
		return exitUsage
	}

	reporter := status.Multi{status.NewLogReporter(log)}
	var results ports.ResultSink
	if cfg.Status.BaseURL != "" {
		backend := status.NewHTTPReporter(cfg.Status.BaseURL, cfg.Status.Timeout)
		async := status.NewAsync(backend, cfg.Status.QueueSize, log)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Render.ShutdownGrace)
			defer cancel()
			if err := async.Close(closeCtx); err != nil {
				log.WithError(err).Warn("status queue not drained")
			}
		}()
		reporter = append(reporter, async)
		results = backend
	}

	orch := render.New(mkt, reporter, results, render.OptionsFromConfig(cfg), log)
	summary, err := orch.Run(ctx, job)
	if summary != nil {
		fmt.Println(renderSummary(summary))
	}
	if err != nil {
		log.WithError(err).Error("render did not run")
		if summary == nil {
			return exitFailed
		}
	}
	return exitCode(summary)
}

func loadJob(path, taskID string) (render.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return render.Job{}, err
	}
	defer f.Close()
	params, err := render.DecodeParams(f)
	if err != nil {
		return render.Job{}, err
	}
	return params.Job(taskID), nil
}

func exitCode(s *render.Summary) int {
	switch s.Outcome {
	case render.OutcomeFinished:
		return exitOK
	case render.OutcomeCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}
