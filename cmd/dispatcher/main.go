package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"changehub/internal/app"
	"changehub/internal/dispatcher"
	dispatchermetrics "changehub/internal/dispatcher/metrics"
	"changehub/internal/platform/config"
	"changehub/internal/platform/httpserver"
	"changehub/internal/platform/logger"
	"changehub/internal/platform/metrics"
	routingservice "changehub/internal/routing/service"
)

// main runs one dispatcher instance against the shared change log. Any
// number of instances may run side by side.
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
		log.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
	log.Info("dispatcher exited")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.InMemory() {
		return errors.New("dispatcher requires database.url; the server embeds a dispatcher in memory mode")
	}

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

	deliverer, closeDeliverer, err := app.NewDeliverer(cfg, log)
	if err != nil {
		return err
	}
	defer closeDeliverer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	routes := routingservice.New(storage.Routes, routingservice.WithLogger(log))
	opts := append(app.DispatcherOptions(cfg.Dispatcher),
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(dispatchermetrics.New(reg)),
	)
	d := dispatcher.New(storage.Changes, routes, deliverer, notifier, opts...)

	ops := chi.NewRouter()
	ops.Method(http.MethodGet, "/healthz", app.HealthHandler(storage.Checks...))
	ops.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(ctx, httpserver.New(cfg.Server.OpsAddr, ops), cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		log.Info("dispatcher starting", "instance_id", d.InstanceID(), "notify", cfg.Notify.Backend)
		return d.Run(ctx)
	})
	return g.Wait()
}
