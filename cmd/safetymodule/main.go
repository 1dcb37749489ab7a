package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"SafetyLedger/internal/config"
	"SafetyLedger/internal/core"
	"SafetyLedger/internal/ingestion"
	"SafetyLedger/internal/observability"
	"SafetyLedger/internal/persistence"
	"SafetyLedger/internal/projection"
	"SafetyLedger/internal/query"
	"SafetyLedger/internal/server"
	"SafetyLedger/internal/token"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const submitTimeout = 10 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "safetymodule",
		Short:         "Safety module ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "safetymodule: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	componentLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}
	logger := componentLogger("safetymodule")
	logger.Info().Msg("safety module starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.Migrations(), componentLogger("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	store, closeStore, err := openSnapshotStore(cfg.Snapshot, snapMgr)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Channels ---
	// persist blocks for backpressure, projections drop when full
	persistChan := make(chan core.CoreOutput, cfg.Processor.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Processor.ProjectionChanSize)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Core ---
	drip, err := cfg.Module.DripModel()
	if err != nil {
		return err
	}
	vault := token.NewVault(false)
	oracle := token.NewStaticOracle()
	for _, t := range cfg.Module.TriggerAddresses() {
		// the trigger decision is made upstream; a Trigger command is the signal
		oracle.Fire(t)
	}

	processor, err := core.NewProcessor(
		cfg.Module.CoreConfig(),
		core.Dependencies{
			Tokens:    token.NewFactory(),
			Vault:     vault,
			DripModel: drip,
			Oracle:    oracle,
			Access:    cfg.Module.Roles(),
			Logger:    componentLogger("core"),
			Metrics:   metrics,
		},
		core.ProcessorConfig{
			StartSequence:       1,
			GenesisTime:         cfg.Processor.GenesisTime,
			IdempotencyCapacity: cfg.Processor.IdempotencyLRUCapacity,
		},
		persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
	)
	if err != nil {
		return fmt.Errorf("build processor: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	if err := recoverState(ctx, store, snapMgr, processor, vault, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	history := projection.NewRedemptionHistory()
	if n, err := projection.LoadRedemptionHistory(ctx, db, history); err != nil {
		logger.Warn().Err(err).Msg("redemption history not loaded")
	} else {
		logger.Info().Int("redemptions", n).Msg("redemption history loaded")
	}

	errChan := make(chan error, 10)
	var workers, ingest sync.WaitGroup

	// Workers outlive the ingestion context so they can drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()

	// --- Snapshots ---
	snaps := newSnapshotter(processor, store, cfg.Snapshot, metrics, componentLogger("snapshot"))
	snaps.durable.Store(processor.Sequence() - 1)
	snaps.last.Store(processor.Sequence() - 1)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Processor.PersistBatchSize,
		cfg.Processor.PersistFlushTimeout, metrics, componentLogger("persistence"))
	persistWorker.OnFlush(snaps.flushed)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection fan-out: projection worker and publisher
	projWorkerChan := make(chan core.CoreOutput, cfg.Processor.ProjectionChanSize)
	var publishChan chan core.CoreOutput
	outputs := []chan<- core.CoreOutput{projWorkerChan}
	names := []string{"projection"}
	if cfg.NATS.Enabled {
		publishChan = make(chan core.CoreOutput, cfg.Processor.ProjectionChanSize)
		outputs = append(outputs, publishChan)
		names = append(names, "publish")
	}
	workers.Add(1)
	go func() {
		defer workers.Done()
		fanOut(projectionChan, outputs, names, metrics)
	}()

	projWorker := projection.NewProjectionWorker(db, projWorkerChan, history, componentLogger("projection"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := projWorker.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 3. Dispatcher: the only goroutine calling Process
	rawChan := make(chan ingestion.RawCommand, 1)
	dispatcher := ingestion.NewDispatcher(processor, rawChan, componentLogger("dispatcher"))
	ingest.Add(1)
	go func() {
		defer ingest.Done()
		dispatcher.Run(ingestCtx)
	}()

	// 4. NATS command subscriber and event publisher
	var subscriber *ingestion.CommandSubscriber
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		natsLogger := componentLogger("nats")
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()

		subjects := []string{cfg.NATS.CommandSubject, cfg.NATS.EventSubject + ".>"}
		if err := ingestion.EnsureStream(ctx, js, cfg.NATS.Stream, subjects, natsLogger); err != nil {
			return err
		}

		subscriber = ingestion.NewCommandSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(ingestCtx, ingestion.SubscriberConfig{
			Stream:       cfg.NATS.Stream,
			Subject:      cfg.NATS.CommandSubject,
			ConsumerName: cfg.NATS.Durable,
		}); err != nil {
			return err
		}

		publisher := ingestion.NewEventPublisher(js, cfg.NATS.EventSubject, publishChan, natsLogger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := publisher.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("event publisher: %w", err)
			}
		}()

		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
	}

	healthChecker.AddCheck("postgres", db.PingContext)

	// 5. Periodic snapshots
	ingest.Add(1)
	go func() {
		defer ingest.Done()
		snaps.Run(ingestCtx)
	}()

	// 6. gRPC health + HTTP gateway
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  query.NewQueryService(processor, db, history),
		Submitter:     dispatcher,
		Triggers:      cfg.Module.TriggerAddresses(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        componentLogger("server"),
		TakeSnapshot:  snaps.Take,
		SubmitTimeout: submitTimeout,
	})
	if err != nil {
		return err
	}
	ingest.Add(2)
	go func() {
		defer ingest.Done()
		if err := grpcServer.StartGRPC(ingestCtx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		defer ingest.Done()
		if err := grpcServer.StartHTTPGateway(ingestCtx); err != nil {
			errChan <- err
		}
	}()

	// 7. Prometheus metrics
	ingest.Add(1)
	go func() {
		defer ingest.Done()
		if err := serveMetrics(ingestCtx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", processor.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("safety module ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, drain outputs, flush, take a final snapshot
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelIngest()
	ingest.Wait()

	close(persistChan)
	close(projectionChan)
	workers.Wait()

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinal()
	if seq, err := snaps.Take(finalCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot taken")
	}

	logger.Info().Msg("safety module stopped")
	return runErr
}

// snapshotStore is implemented by the Postgres snapshot table and the
// LevelDB store.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) error
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
}

func openSnapshotStore(cfg config.SnapshotConfig, snapMgr *persistence.SnapshotManager) (snapshotStore, func(), error) {
	if cfg.Store == config.SnapshotStoreLevelDB {
		ls, err := persistence.OpenLevelSnapshotStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot store: %w", err)
		}
		return ls, func() { ls.Close() }, nil
	}
	return snapMgr, func() {}, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
