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

	"SynthLedger/internal/config"
	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/projection"
	"SynthLedger/internal/query"
	"SynthLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var logger = observability.NewLogger("main")

func main() {
	cfg := config.DefaultConfig()
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Bool("in_memory", cfg.InMemory).Msg("SynthLedger starting")

	engineCfg, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load engine config")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// coreCtx outlives ingestCtx so the final snapshot can still reach the
	// engine and the persistence worker can drain.
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()
	ingestCtx, cancelIngest := context.WithCancel(coreCtx)
	defer cancelIngest()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Tokens and price feeds ---
	tokens, err := buildTokens(engineCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build tokens")
	}

	// --- Postgres ---
	var (
		db        *sql.DB
		snapMgr   *persistence.SnapshotManager
		dbChecker core.DBIdempotencyChecker
	)
	if !cfg.InMemory {
		db, err = openPostgres(coreCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer db.Close()
		snapMgr = persistence.NewSnapshotManager(db)
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	}

	// --- Channels ---
	// persist blocks (backpressure), projection drops
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.Record, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Engine ---
	params, err := engineCfg.Params()
	if err != nil {
		logger.Fatal().Err(err).Msg("risk params")
	}
	maxAge, err := engineCfg.MaxAge()
	if err != nil {
		logger.Fatal().Err(err).Msg("oracle max age")
	}

	engineConfig := core.Config{
		Assets:         tokens.symbols,
		Feeds:          tokens.feeds,
		Decimals:       tokens.decimals,
		Params:         &params,
		Custody:        tokens.custody,
		Debt:           tokens.debt.As(tokens.custody),
		Collateral:     tokens.handles(),
		Adapter:        oracle.NewAdapter(maxAge),
		DedupCapacity:  cfg.IdempotencyLRUCapacity,
		DedupDB:        dbChecker,
		Metrics:        metrics,
		ProjectionChan: projectionCoreChan,
	}
	if !cfg.InMemory {
		engineConfig.PersistChan = persistCoreChan
	}
	engine, err := core.New(engineConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}

	// --- Recovery: snapshot + replay ---
	lastSeq := int64(-1)
	snapSeq := int64(-1)
	if snapMgr != nil {
		snapSeq, lastSeq, err = recoverEngine(coreCtx, engine, snapMgr, metrics)
		if err != nil {
			logger.Fatal().Err(err).Msg("recovery failed")
		}
	}
	tokens.reseedCustody(engine)

	// --- Workers ---
	var wg sync.WaitGroup
	errChan := make(chan error, 16)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runner := core.NewRunner(engine, cfg.RunnerQueueSize, metrics)
	spawn("runner", func() error { return runner.Run(coreCtx) })

	var (
		persistWorker *persistence.PersistenceWorker
		snapshotter   *persistence.Snapshotter
		queryService  *query.QueryService
	)
	if db != nil {
		persistWorker = persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		persistWorker.SetDurableSequence(lastSeq)
		spawn("persistence", func() error { return persistWorker.Run(coreCtx) })

		snapshotter = persistence.NewSnapshotter(runner, snapMgr, persistWorker.DurableSequence, metrics)
		snapshotter.SetLastSequence(snapSeq)
		spawn("snapshots", func() error {
			return snapshotter.Run(ingestCtx, cfg.SnapshotInterval, cfg.SnapshotCheckPeriod)
		})

		queryService = query.NewQueryService(db)
	}

	history := projection.NewLiquidationHistory(cfg.LiquidationHistorySize)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, history, metrics)
	spawn("projection", func() error { return projWorker.Run(coreCtx) })

	spawn("bridge", func() error {
		bridgeCoreOutputs(coreCtx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
		return nil
	})

	dispatcher := ingestion.NewDispatcher(runner, metrics)
	units := ingestion.Units{Collateral: engineCfg.CollateralDecimals(), Debt: engineCfg.DebtDecimals}

	// --- NATS ---
	var natsSubscriber *ingestion.NATSSubscriber
	if !cfg.InMemory {
		var nc *nats.Conn
		nc, natsSubscriber, err = startNATS(ingestCtx, cfg, dispatcher, units, tokens.streams, publishChan, metrics, spawn)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats")
		}
		defer nc.Close()
	}

	spawn("liquidation-scan", func() error {
		return runLiquidationScan(ingestCtx, runner, cfg.LiquidationScanPeriod)
	})

	// --- gRPC + HTTP ---
	deps := &server.ServerDeps{
		Engine:        runner,
		Dispatcher:    dispatcher,
		Units:         units,
		QueryService:  queryService,
		History:       history,
		DB:            db,
		SnapshotMgr:   snapMgr,
		Snapshotter:   snapshotter,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
	}
	if engineCfg.Faucet {
		deps.Faucet = tokens.faucet
		logger.Warn().Msg("token faucet enabled")
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, deps)
	spawn("grpc", func() error { return grpcServer.StartGRPC(ingestCtx) })
	spawn("http", func() error { return grpcServer.StartHTTPGateway(ingestCtx) })
	spawn("metrics", func() error { return serveMetrics(ingestCtx, cfg.MetricsAddr) })

	grpcServer.SetReady(true)
	logger.Info().
		Int64("sequence", lastSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("SynthLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, snapshot, then let the workers drain
	grpcServer.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancelIngest()

	if snapshotter != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := snapshotter.TakeSnapshot(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Msg("final snapshot saved")
		}
		shutdownCancel()
	}

	cancelCore()
	wg.Wait()
	logger.Info().Msg("SynthLedger shutdown complete")
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// recoverEngine restores the latest verified snapshot and replays the event
// log after it. Returns the snapshot sequence and the last replayed sequence.
func recoverEngine(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) (int64, int64, error) {
	start := time.Now()
	snapSeq := int64(-1)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		st, err := snap.ToState()
		if err != nil {
			return 0, 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return 0, 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		snapSeq = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	const pageSize = 1000
	replayed := 0
	from := snapSeq + 1
	for {
		items, err := snapMgr.LoadReplayFrom(ctx, from, pageSize)
		if err != nil {
			return 0, 0, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, it := range items {
			if err := engine.ReplayBatch(it.Envelope, it.Batch); err != nil {
				return 0, 0, err
			}
		}
		replayed += len(items)
		if len(items) < pageSize {
			break
		}
		from = items[len(items)-1].Envelope.Sequence + 1
	}

	if snap != nil && replayed == 0 {
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actual := engine.StateHash(); actual != expected {
			return 0, 0, fmt.Errorf("state hash mismatch after restore: expected %x, got %x", expected, actual)
		}
	}

	last := engine.Sequence() - 1
	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().Int("replayed", replayed).Int64("sequence", last).Dur("took", time.Since(start)).Msg("recovery complete")
	return snapSeq, last, nil
}

// bridgeCoreOutputs fans engine outputs out to the persistence worker,
// the projection worker and the outbound publisher.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case out := <-persistIn:
			select {
			case persistOut <- persistence.FromCoreOutput(out):
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- ingestion.NewPublishableEvent(out):
			default:
				metrics.PublishDrops.Inc()
			}

		case out := <-projectionIn:
			select {
			case projectionOut <- projection.FromCoreOutput(out):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

func startNATS(
	ctx context.Context,
	cfg config.Config,
	dispatcher *ingestion.Dispatcher,
	units ingestion.Units,
	feeds map[string]*oracle.StreamFeed,
	publishChan <-chan ingestion.PublishableEvent,
	metrics *observability.Metrics,
	spawn func(string, func() error),
) (*nats.Conn, *ingestion.NATSSubscriber, error) {
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}

	commands := make(chan ingestion.RawMessage, 4096)
	prices := make(chan ingestion.RawMessage, 1024)

	sub := ingestion.NewNATSSubscriber(js)
	if err := sub.Subscribe(ctx, ingestion.CommandSubjects, commands); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := sub.Subscribe(ctx, ingestion.PriceSubjects, prices); err != nil {
		sub.Stop()
		nc.Close()
		return nil, nil, err
	}

	cmdProc := ingestion.NewCommandProcessor(dispatcher, units)
	priceProc := ingestion.NewPriceProcessor(feeds, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)

	spawn("nats-commands", func() error { return cmdProc.Run(ctx, commands) })
	spawn("nats-prices", func() error { return priceProc.Run(ctx, prices) })
	spawn("nats-publisher", func() error { return publisher.Run(ctx) })

	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	return nc, sub, nil
}

// runLiquidationScan logs participants below the minimum health factor.
// Liquidation itself is left to external liquidators.
func runLiquidationScan(ctx context.Context, engine server.Engine, period time.Duration) error {
	if period <= 0 {
		return nil
	}
	scanLog := observability.NewLogger("liquidation-scan")
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var entries []query.AtRiskEntry
			err := engine.Query(ctx, func(e *core.Engine) error {
				entries = query.AtRisk(ctx, e)
				return nil
			})
			if err != nil {
				continue
			}
			logAtRisk(scanLog, entries)
		}
	}
}

func logAtRisk(l zerolog.Logger, entries []query.AtRiskEntry) {
	for _, e := range entries {
		l.Info().
			Str("participant", e.Participant.String()).
			Str("health_factor", e.HealthFactor).
			Str("debt", e.Debt).
			Msg("position liquidatable")
	}
}

func serveMetrics(ctx context.Context, addr string) error {
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
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
