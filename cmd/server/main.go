package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"changehub/internal/app"
	"changehub/internal/dispatcher"
	dispatchermetrics "changehub/internal/dispatcher/metrics"
	"changehub/internal/platform/config"
	"changehub/internal/platform/httpserver"
	"changehub/internal/platform/logger"
)

// main wires the record API, the operator API and, in memory mode, an
// embedded dispatcher. Business logic lives in the internal service packages.
func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	storage, err := app.OpenStorage(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			log.Warn("failed to close database", "error", err)
		}
	}()

	notifier, closeNotifier, err := app.OpenNotifier(ctx, cfg, storage, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeNotifier() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api := app.NewAPI(cfg.Server, storage, notifier, reg, log)
	if err := api.Routes.Seed(ctx, cfg.Routes); err != nil {
		return err
	}

	var embedded *dispatcher.Dispatcher
	if cfg.InMemory() {
		deliverer, closeDeliverer, err := app.NewDeliverer(cfg, log)
		if err != nil {
			return err
		}
		defer closeDeliverer()

		opts := append(app.DispatcherOptions(cfg.Dispatcher),
			dispatcher.WithLogger(log),
			dispatcher.WithMetrics(dispatchermetrics.New(reg)),
		)
		embedded = dispatcher.New(storage.Changes, api.Routes, deliverer, notifier, opts...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(ctx, httpserver.New(cfg.Server.Addr, api.Handler), cfg.Server.ShutdownTimeout, log)
	})
	if embedded != nil {
		log.Info("running embedded dispatcher", "instance_id", embedded.InstanceID())
		g.Go(func() error {
			return embedded.Run(ctx)
		})
	}

	return g.Wait()
}
