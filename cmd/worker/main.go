package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"studio/internal/bootstrap"
	"studio/internal/infra"
	"studio/internal/storage"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":9102", "address for the /metrics endpoint (empty disables it)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.LedgerDriver == infra.DriverMemory {
		logger.Fatal().Msg("worker: the memory ledger lives inside cmd/api; use LEDGER_DRIVER=postgres")
	}
	types, err := bootstrap.JobTypes(cfg.Worker.Types)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid WORKER_TYPES")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: backend setup failed")
	}
	defer backend.Close()

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage init failed")
	}
	provider, err := bootstrap.NewProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: provider init failed")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g, gctx := errgroup.WithContext(ctx)
	runtimes, err := bootstrap.StartWorkers(gctx, g, backend, bootstrap.Workers{
		Config:   cfg.Worker,
		Types:    types,
		Store:    store,
		Provider: provider,
		Registry: reg,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: setup failed")
	}
	for _, rt := range runtimes {
		logger.Info().Str("worker_id", rt.WorkerID()).Msg("worker: runtime registered")
	}

	if metricsAddr != "" {
		srv := infra.NewSideServer(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker: shutdown complete")
}
