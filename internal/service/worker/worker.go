// Package worker wires and runs the lifeline background process: the
// notification dispatcher, the deadline scheduler and the retention cron.
// Any number of workers may run side by side; leases and queue groups keep
// them from duplicating work.
package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lifeline-sos/lifeline/internal/channel"
	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/config"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository/postgres"
	"github.com/lifeline-sos/lifeline/internal/service/dispatcher"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
	"github.com/lifeline-sos/lifeline/internal/service/scheduler"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

// Options controls the lifeline-worker process.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
}

// Run starts the worker and blocks until the context is cancelled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "lifeline-worker")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	redis, err := coordination.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redis.Close()

	log, err := eventlog.NewNATSLog(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect event log: %w", err)
	}
	defer log.Close()

	var directory contacts.Directory
	if cfg.DirectoryURL != "" {
		directory = contacts.NewHTTPDirectory(cfg.DirectoryURL, cfg.DirectoryTimeout)
	} else {
		directory = contacts.NewStatic()
	}

	clk := clock.Real{}

	orch := orchestrator.NewService(store, log, directory, ws.NewHub(), clk, orchestrator.Config{
		EscalationInitialDelay: cfg.Escalation.InitialDelay,
		MaxCountdownSeconds:    cfg.MaxCountdownSeconds,
	})

	dispatch := dispatcher.NewService(store, log, redis, buildAdapters(cfg), clk, dispatcher.Config{
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryBackoff: cfg.Dispatch.RetryBackoff,
		DedupWindow:  cfg.Dispatch.DedupWindow,
	})

	sched := scheduler.NewService(store, orch, redis, log, clk, scheduler.Config{
		TickInterval:       cfg.Escalation.TickInterval,
		EscalationInterval: cfg.Escalation.Interval,
	})

	retention := newRetentionJob(store, clk, cfg.Retention.Window)

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Retention.CronSpec, func() { retention.run(ctx) }); err != nil {
		return fmt.Errorf("schedule retention job: %w", err)
	}

	jobs.Start()

	logger.InfoKV(ctx, "Lifeline worker started", "retention_cron", cfg.Retention.CronSpec)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return dispatch.Run(groupCtx) })
	group.Go(func() error { return sched.Run(groupCtx) })

	err = group.Wait()

	<-jobs.Stop().Done()
	logger.Info(ctx, "Lifeline worker stopped")

	return err
}

// buildAdapters assembles the gateway channels. The dispatcher attempts
// every applicable one per contact; the socket channel runs in the API
// process, where the hub's subscribers live.
func buildAdapters(cfg *config.Config) []channel.Adapter {
	var adapters []channel.Adapter

	if cfg.PushGateway.URL != "" {
		adapters = append(adapters, channel.NewPush(cfg.PushGateway.URL, cfg.PushGateway.Timeout, cfg.PushGateway.SendsPerSecond))
	}

	if cfg.SMSGateway.URL != "" {
		adapters = append(adapters, channel.NewSMS(cfg.SMSGateway.URL, cfg.SMSGateway.Timeout, cfg.SMSGateway.SendsPerSecond))
	}

	if cfg.EmailGateway.URL != "" {
		adapters = append(adapters, channel.NewEmail(cfg.EmailGateway.URL, cfg.EmailGateway.Timeout, cfg.EmailGateway.SendsPerSecond))
	}

	return adapters
}
