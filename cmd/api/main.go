package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"studio/internal/bootstrap"
	"studio/internal/compiler"
	"studio/internal/http/handlers"
	"studio/internal/http/httpapi"
	"studio/internal/infra"
	"studio/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: backend setup failed")
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g, gctx := errgroup.WithContext(ctx)

	// The memory ledger is only reachable from this process, so its workers
	// run here too.
	if backend.InProcess {
		types, err := bootstrap.JobTypes(cfg.Worker.Types)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: invalid WORKER_TYPES")
		}
		store, err := storage.NewFileStore(cfg.StoragePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: storage init failed")
		}
		provider, err := bootstrap.NewProvider(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: provider init failed")
		}
		if _, err := bootstrap.StartWorkers(gctx, g, backend, bootstrap.Workers{
			Config:   cfg.Worker,
			Types:    types,
			Store:    store,
			Provider: provider,
			Registry: reg,
		}, logger); err != nil {
			logger.Fatal().Err(err).Msg("api: worker setup failed")
		}
		logger.Info().Int("runtimes", len(types)).Msg("api: embedded workers started")
	}

	app := handlers.NewApp(compiler.New(backend.Ledger, backend.Publisher, logger), backend.Ledger, logger)
	app.Ping = backend.Ping

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
		Gatherer:        reg,
	})
	server := infra.NewHTTPServer(cfg, router)

	g.Go(func() error {
		logger.Info().Msgf("API listening on %s", server.Addr())
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
