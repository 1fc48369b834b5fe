// Package bootstrap assembles the ledger, notifier, provider and worker
// runtimes selected by the configuration. cmd/api and cmd/worker share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"studio/internal/adapter/repo"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/ledger"
	"studio/internal/notify"
	"studio/internal/processors"
	"studio/internal/providers"
	"studio/internal/providers/genai"
	"studio/internal/storage"
	"studio/internal/worker"
)

// busBuffer is the per-subscriber queue of the in-process notifier.
const busBuffer = 64

// Backend is the shared state of one process: the ledger and the dispatch
// notifier on both ends.
type Backend struct {
	Ledger     domain.Ledger
	Publisher  notify.Publisher
	Subscriber notify.Subscriber
	// InProcess is set when the ledger lives in this process, so workers
	// must run embedded.
	InProcess bool

	pool  *pgxpool.Pool
	redis *goredis.Client
}

// Open connects the backends named by cfg.LedgerDriver and cfg.NotifierDriver.
func Open(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Backend, error) {
	b := &Backend{}

	var runner *infra.SQLRunner
	if cfg.LedgerDriver == infra.DriverPostgres || cfg.NotifierDriver == infra.DriverPostgres {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		runner = infra.NewSQLRunner(pool, logger)
	}

	switch cfg.LedgerDriver {
	case infra.DriverMemory:
		b.Ledger = ledger.NewMemory()
		b.InProcess = true
	default:
		b.Ledger = repo.NewLedgerRepository(runner)
	}

	switch cfg.NotifierDriver {
	case infra.DriverMemory:
		bus := notify.NewBus(busBuffer)
		b.Publisher, b.Subscriber = bus, bus
	case infra.DriverRedis:
		client, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = client
		r := notify.NewRedis(client, cfg.NotifyChannel, logger)
		b.Publisher, b.Subscriber = r, r
	default:
		b.Publisher = notify.NewPostgresPublisher(runner, cfg.NotifyChannel)
		b.Subscriber = notify.NewPostgresSubscriber(cfg.DatabaseURL, cfg.NotifyChannel, logger)
	}

	logger.Info().
		Str("ledger", cfg.LedgerDriver).
		Str("notifier", cfg.NotifierDriver).
		Msg("bootstrap: backends ready")
	return b, nil
}

// Ping checks every remote backend in use.
func (b *Backend) Ping(ctx context.Context) error {
	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// NewProvider builds the generation client, rate limited to cfg.ProviderRate
// calls per second when positive.
func NewProvider(cfg *infra.Config, logger infra.Logger) (providers.Provider, error) {
	client, err := genai.NewClient(genai.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &logger,
	})
	if err != nil {
		return nil, err
	}
	if client.Synthetic() {
		logger.Warn().Msg("bootstrap: GEMINI_API_KEY not set, generating synthetic outputs")
	}
	if cfg.ProviderRate <= 0 {
		return client, nil
	}
	burst := int(cfg.ProviderRate)
	if burst < 1 {
		burst = 1
	}
	return providers.Throttled(client, rate.NewLimiter(rate.Limit(cfg.ProviderRate), burst)), nil
}

// JobTypes parses the configured worker types; empty means all of them.
func JobTypes(names []string) ([]domain.JobType, error) {
	if len(names) == 0 {
		return append([]domain.JobType(nil), domain.JobTypes...), nil
	}
	out := make([]domain.JobType, 0, len(names))
	seen := make(map[domain.JobType]bool, len(names))
	for _, n := range names {
		t := domain.JobType(n)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown worker type %q", n)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Workers describes the runtimes to start in one process.
type Workers struct {
	Config   infra.WorkerConfig
	Types    []domain.JobType
	Store    *storage.FileStore
	Provider providers.Provider
	Registry prometheus.Registerer
}

// StartWorkers launches one runtime per job type on g, plus a subscriber
// goroutine that wakes them on every dispatch event. The returned runtimes
// stop when ctx is done.
func StartWorkers(ctx context.Context, g *errgroup.Group, b *Backend, w Workers, logger infra.Logger) ([]*worker.Runtime, error) {
	metrics, err := worker.NewMetrics(w.Registry)
	if err != nil {
		return nil, err
	}
	procs := processors.All(processors.Env{
		Ledger:   b.Ledger,
		Provider: w.Provider,
		Store:    w.Store,
		Logger:   logger,
	})

	runtimes := make([]*worker.Runtime, 0, len(w.Types))
	for _, t := range w.Types {
		rt := worker.New(b.Ledger, procs[t], logger,
			worker.WithConcurrency(w.Config.Concurrency),
			worker.WithPollInterval(w.Config.PollInterval),
			worker.WithLivenessTimeout(w.Config.LivenessTimeout),
			worker.WithHeartbeatInterval(w.Config.HeartbeatInterval),
			worker.WithMetrics(metrics),
		)
		runtimes = append(runtimes, rt)
		g.Go(func() error { return rt.Run(ctx) })
	}

	g.Go(func() error {
		err := b.Subscriber.Subscribe(ctx, func(evt notify.Event) {
			logger.Debug().Str("manifest_id", evt.ManifestID).Msg("bootstrap: dispatch event")
			for _, rt := range runtimes {
				rt.Wake()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// workers keep polling without it
			logger.Error().Err(err).Msg("bootstrap: dispatch subscriber stopped")
		}
		return nil
	})

	return runtimes, nil
}
