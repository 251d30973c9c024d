package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/penf-triage/config"
	"github.com/otherjamesbrown/penf-triage/pkg/api"
	"github.com/otherjamesbrown/penf-triage/pkg/batch"
	"github.com/otherjamesbrown/penf-triage/pkg/classify"
	"github.com/otherjamesbrown/penf-triage/pkg/db"
	"github.com/otherjamesbrown/penf-triage/pkg/decision"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/observability"
	"github.com/otherjamesbrown/penf-triage/pkg/queue"
	"github.com/otherjamesbrown/penf-triage/pkg/scoring"
	"github.com/otherjamesbrown/penf-triage/pkg/source"
	"github.com/otherjamesbrown/penf-triage/pkg/store"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Serve command flags.
var (
	serveConfigPath string
	serveMigrate    bool
)

// NewServeCommand creates the 'serve' command that runs the triage service.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the triage service",
		Long: `Run the triage service: HTTP API, intake queue worker and batch
delivery scheduler, all in one process.

The service needs PostgreSQL for workflow state and Redis for the intake
queue. Configuration is read from the config file (--config or the default
location), then overridden by PENF_TRIAGE_* and DB_* environment variables.

Examples:
  # Run with the default configuration
  penf-triage serve

  # Run with an explicit config file, applying migrations on boot
  penf-triage serve --config ./deploy/config.yaml --migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the service config file")
	cmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply pending database migrations on startup")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadServiceConfig(serveConfigPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&cfg.Logging)
	logging.SetGlobal(logger)

	pool, err := db.ConnectWithRetry(ctx, cfg.DB, 5, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	if serveMigrate {
		result, err := db.RunMigrations(ctx, pool, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("Migrations applied",
			logging.F("applied", len(result.Applied)),
			logging.F("skipped", len(result.Skipped)))
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewTriageMetrics(registry)
	if _, err := db.RegisterPoolStatsCollector(pool, "penf_triage", cfg.Logging.ServiceName, registry); err != nil {
		logger.Warn("Pool stats collector not registered", logging.Err(err))
	}

	st := store.NewPostgres(pool)
	dispatcher := notify.NewWebhookDispatcher(cfg.DispatcherConfigFor(), logger)

	engine := triage.NewEngine(st, triage.Deps{
		Source:     source.NewHTTPSource(cfg.SourceConfigFor()),
		Classifier: classify.NewHTTPGateway(cfg.ClassifierConfigFor(), logger),
		Scorer:     scoring.NewScorer(),
		Dispatcher: dispatcher,
	},
		triage.WithConfig(cfg.EngineConfigFor()),
		triage.WithLogger(logger),
		triage.WithMetrics(metrics))

	decisions := decision.NewHandler(engine, st, decision.StaticIdentities(cfg.Identities),
		decision.WithLogger(logger),
		decision.WithMetrics(metrics))

	scheduler := batch.NewScheduler(st, dispatcher, cfg.BatchConfigFor(),
		batch.WithLogger(logger),
		batch.WithMetrics(metrics))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	intake := queue.NewRedisQueue(redisClient, cfg.QueueConfigFor())
	worker := queue.NewWorker(intake, engine, decisions, cfg.WorkerConfigFor(), logger)

	handlers := api.NewHandlers(engine, decisions, scheduler, st, logger)
	handlers.Ready = func(ctx context.Context) error {
		return readiness(ctx, pool, redisClient)
	}
	server := api.New(cfg.APIConfigFor(), handlers, logger, api.WithGatherer(registry))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Service stopped")
	return nil
}

// readiness checks both backing stores for the health endpoint.
func readiness(ctx context.Context, pool *pgxpool.Pool, redisClient *redis.Client) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
