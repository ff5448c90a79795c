// Package server wires and runs the lifeline API process: the HTTP surface,
// the emergency state machine, location fan-out and the real-time hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lifeline-sos/lifeline/internal/api"
	"github.com/lifeline-sos/lifeline/internal/channel"
	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/config"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository/postgres"
	"github.com/lifeline-sos/lifeline/internal/service/dispatcher"
	"github.com/lifeline-sos/lifeline/internal/service/location"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

// Options controls the lifeline-server process.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ListenAddress overrides the configured HTTP listen address when set.
	ListenAddress string
}

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Run starts the API server and blocks until the context is cancelled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "lifeline-server")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	listenAddress := cfg.ListenAddress
	if opts.ListenAddress != "" {
		listenAddress = opts.ListenAddress
	}

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.CreateTables(ctx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

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
		logger.Warn(ctx, "No contact directory configured, emergencies will carry empty contact snapshots")

		directory = contacts.NewStatic()
	}

	clk := clock.Real{}
	hub := ws.NewHub()

	orch := orchestrator.NewService(store, log, directory, hub, clk, orchestrator.Config{
		EscalationInitialDelay: cfg.Escalation.InitialDelay,
		MaxCountdownSeconds:    cfg.MaxCountdownSeconds,
	})

	loc := location.NewService(store, log, redis, hub, clk, location.Config{
		TrailWindow: cfg.TrailWindow,
	})

	// Socket notifications ride the same activation and escalation events as
	// the gateway channels, but deliver through this process's hub, so they
	// consume under their own queue group.
	socketDispatch := dispatcher.NewService(store, log, redis,
		[]channel.Adapter{channel.NewSocket(hub)}, clk, dispatcher.Config{
			Group:       "socket",
			MaxAttempts: 1,
			DedupWindow: cfg.Dispatch.DedupWindow,
		})

	go func() {
		if err := socketDispatch.Run(ctx); err != nil {
			logger.ErrorKV(ctx, "Socket dispatcher stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              listenAddress,
		Handler:           api.NewServer(orch, loc, hub).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoKV(ctx, "Lifeline server listening", "listen_address", listenAddress)

	// Done channel is closed after Shutdown finishes to ensure we block
	// until in-flight requests drain before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorKV(ctx, "HTTP shutdown failed", "error", err)
		}

		close(done)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve HTTP: %w", err)
	}

	<-done
	logger.Info(ctx, "HTTP server stopped")

	return nil
}
