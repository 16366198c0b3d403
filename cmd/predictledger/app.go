package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PredictLedger/internal/config"
	"PredictLedger/internal/coordination"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/query"
	"PredictLedger/internal/server"
)

// drainTimeout bounds how long shutdown waits for the workers to flush.
const drainTimeout = 30 * time.Second

type app struct {
	cfg     *config.Config
	metrics *observability.Metrics
	health  *observability.HealthChecker
	log     zerolog.Logger

	db       *sql.DB
	nc       *nats.Conn
	js       jetstream.JetStream
	primary  persistence.SnapshotStore
	archives []persistence.SnapshotStore
	closers  []func() error
}

func newApp(cfg *config.Config, metrics *observability.Metrics, log zerolog.Logger) *app {
	return &app{
		cfg:     cfg,
		metrics: metrics,
		health:  observability.NewHealthChecker(),
		log:     log,
	}
}

// Run connects the infrastructure, waits for the engine lease when Redis
// is configured, and serves until ctx is done.
func (a *app) Run(ctx context.Context) error {
	defer a.close()

	if err := a.connect(ctx); err != nil {
		return err
	}

	metricsSrv := a.metricsServer()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if a.cfg.RedisAddr == "" {
		return ignoreCanceled(a.lead(ctx))
	}

	rdb, err := coordination.Connect(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rdb.Close)
	a.health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	lock := coordination.NewLeaderLock(rdb, a.cfg.LeaderKey, a.cfg.LeaderTTL(), a.metrics,
		a.component("leader"))
	a.log.Info().Str("key", a.cfg.LeaderKey).Msg("waiting for engine lease")
	return ignoreCanceled(lock.Run(ctx, a.lead))
}

// connect opens every configured backend. Components whose address is
// empty stay disabled.
func (a *app) connect(ctx context.Context) error {
	if a.cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		a.closers = append(a.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		a.db = db
		a.health.AddCheck("postgres", db.PingContext)

		n, err := persistence.NewMigrator(db, a.component("migrator")).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.log.Info().Int("applied", n).Msg("migrations up to date")
	}

	switch a.cfg.SnapshotBackend {
	case config.SnapshotBackendPostgres:
		a.primary = persistence.NewPostgresSnapshotStore(a.db)
	case config.SnapshotBackendSQLite:
		store, err := persistence.NewSQLiteSnapshotStore(a.cfg.SQLitePath, 10)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.primary = store
	}

	if a.cfg.S3.Bucket != "" {
		archiver, err := persistence.NewS3Archiver(ctx, persistence.S3Config{
			Endpoint:       a.cfg.S3.Endpoint,
			Region:         a.cfg.S3.Region,
			Bucket:         a.cfg.S3.Bucket,
			Prefix:         a.cfg.S3.Prefix,
			AccessKey:      a.cfg.S3.AccessKey,
			SecretKey:      a.cfg.S3.SecretKey,
			ForcePathStyle: a.cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		a.archives = append(a.archives, archiver)
		a.health.AddCheck("s3", archiver.Health)
	}

	if a.cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(a.cfg.NATSURL, a.component("nats"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		a.nc, a.js = nc, js
		a.health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js, a.log); err != nil {
			return err
		}
	}
	return nil
}

// lead builds the engine, recovers it, and runs every goroutine until ctx
// is done. Shutdown order: stop the surfaces that call the engine, close
// the output channels, let the workers drain.
func (a *app) lead(ctx context.Context) error {
	var persistCh, projectionCh, publishCh chan core.CoreOutput
	if a.db != nil {
		persistCh = make(chan core.CoreOutput, a.cfg.PersistChanSize)
		projectionCh = make(chan core.CoreOutput, a.cfg.ProjectionChanSize)
	}
	if a.js != nil {
		publishCh = make(chan core.CoreOutput, a.cfg.PublishChanSize)
	}

	var receipts *persistence.PostgresReceiptStore
	deps := core.Deps{
		Outputs: core.Outputs{Persist: persistCh, Projection: projectionCh, Publish: publishCh},
		Metrics: a.metrics,
		Logger:  ptr(a.component("engine")),
	}
	if a.db != nil {
		receipts = persistence.NewPostgresReceiptStore(a.db, a.metrics)
		deps.ReceiptStore = receipts
	}
	engine, err := core.NewEngine(a.cfg.EngineConfig(), deps)
	if err != nil {
		return err
	}

	if err := a.recover(ctx, engine, receipts); err != nil {
		return err
	}

	// --- Workers: drained after the surfaces stop ---
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	workers, workCtx := errgroup.WithContext(drainCtx)

	var snap *persistence.Snapshotter
	if a.primary != nil {
		snap = persistence.NewSnapshotter(engine, a.primary, a.archives, a.cfg.SnapshotInterval(),
			a.metrics, a.component("snapshot"))
	}

	if a.db != nil {
		pw := persistence.NewPersistenceWorker(persistence.NewAuditLogWriter(a.db), persistCh,
			a.cfg.PersistBatchSize, a.cfg.PersistFlushTimeout(), a.metrics, a.component("persistence"))
		if snap != nil {
			pw.WithCheckpoint(snap)
		}
		workers.Go(func() error { return pw.Run(workCtx) })

		proj := projection.NewProjectionWorker(a.db, projectionCh, a.metrics, a.component("projection"))
		workers.Go(func() error { return proj.Run(workCtx) })
	}
	if a.js != nil {
		pub := ingestion.NewOutboundPublisher(a.js, publishCh, a.component("publisher"))
		workers.Go(func() error { return pub.Run(workCtx) })
	}

	if err := a.seedAccounts(ctx, engine); err != nil {
		cancelDrain()
		return err
	}

	// --- Surfaces ---
	limiter := ingestion.NewSenderLimiter(a.cfg.RateLimitPerSender, a.cfg.RateLimitBurst, a.metrics)
	serverDeps := server.Deps{
		Ledger:  engine,
		Limiter: limiter,
		Health:  a.health,
		Metrics: a.metrics,
		Logger:  a.component("server"),
	}
	if a.db != nil {
		serverDeps.History = query.NewHistoryService(a.db)
	}
	srv, err := server.New(":"+strconv.Itoa(a.cfg.GRPCPort), ":"+strconv.Itoa(a.cfg.Port), serverDeps)
	if err != nil {
		cancelDrain()
		return err
	}
	a.health.AddCheck("engine", func(context.Context) error {
		if halted, reason := engine.Halted(); halted {
			return errors.New(reason)
		}
		return nil
	})

	serving, serveCtx := errgroup.WithContext(ctx)

	if a.js != nil {
		submissions := make(chan ingestion.Submission, 4096)
		sub := ingestion.NewEnvelopeSubscriber(a.js, submissions, a.metrics, a.component("subscriber"))
		if err := sub.Subscribe(serveCtx); err != nil {
			cancelDrain()
			return err
		}
		intake := ingestion.NewIntake(engine, limiter, submissions, a.metrics, a.component("intake"))
		serving.Go(func() error {
			defer sub.Stop()
			return ignoreCanceled(intake.Run(serveCtx))
		})
	}

	serving.Go(func() error { return srv.StartGRPC(serveCtx) })
	serving.Go(func() error { return srv.StartHTTP(serveCtx) })

	if snap != nil {
		serving.Go(func() error { return ignoreCanceled(snap.Run(serveCtx)) })
	}

	serving.Go(func() error {
		a.housekeeping(serveCtx, limiter, persistCh, projectionCh, publishCh)
		return nil
	})

	a.health.SetReady(true)
	srv.SetServing(true)
	a.log.Info().
		Int64("sequence", engine.Sequence()).
		Str("state_hash", engine.StateHashHex()).
		Int("http_port", a.cfg.Port).
		Int("grpc_port", a.cfg.GRPCPort).
		Msg("predictledger ready")

	serveErr := serving.Wait()
	a.health.SetReady(false)
	srv.SetServing(false)
	a.log.Info().Msg("surfaces stopped, draining workers")

	// Nothing calls the engine past this point.
	closeIfOpen(persistCh)
	closeIfOpen(projectionCh)
	closeIfOpen(publishCh)
	timer := time.AfterFunc(drainTimeout, cancelDrain)
	defer timer.Stop()

	workErr := workers.Wait()
	a.log.Info().Int64("sequence", engine.Sequence()).Msg("shutdown complete")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return ignoreCanceled(workErr)
}

// recover restores the newest snapshot and refuses to start when the
// audit log is ahead of it. Every audit batch is checkpointed first, so a
// gap here means the snapshot store lost data and serving would fork the
// sequence.
func (a *app) recover(ctx context.Context, engine *core.Engine, receipts *persistence.PostgresReceiptStore) error {
	var stores []persistence.SnapshotStore
	if a.primary != nil {
		stores = append(stores, a.primary)
	}
	stores = append(stores, a.archives...)

	if rec, from := persistence.LoadNewest(ctx, a.log, stores...); rec != nil {
		if err := engine.Restore(rec.Data); err != nil {
			return fmt.Errorf("restore snapshot %d from %s: %w", rec.Sequence, from, err)
		}
		if got := engine.StateHashHex(); got != rec.StateHash {
			return fmt.Errorf("state hash mismatch after restore: snapshot %s, engine %s", rec.StateHash, got)
		}
		a.log.Info().Int64("sequence", rec.Sequence).Str("backend", from).Msg("restored snapshot")
	} else {
		a.log.Info().Msg("no snapshot found, cold start")
	}

	if a.db == nil {
		return nil
	}
	latest, err := persistence.NewAuditLogWriter(a.db).LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("audit log head: %w", err)
	}
	if latest > engine.Sequence() {
		return fmt.Errorf("audit log at sequence %d is ahead of the restored state at %d", latest, engine.Sequence())
	}

	recent, err := receipts.RecentReceipts(ctx, a.cfg.ReplayCacheSize)
	if err != nil {
		return fmt.Errorf("warm receipts: %w", err)
	}
	engine.WarmReceipts(recent)
	a.log.Info().Int("receipts", len(recent)).Msg("replay cache warmed")
	return nil
}

func (a *app) seedAccounts(ctx context.Context, engine *core.Engine) error {
	for _, s := range a.cfg.SeedAccounts {
		acct, created, err := engine.SeedAccount(ctx, s.PublicKey, s.DisplayName, s.BalanceCents)
		if err != nil {
			return fmt.Errorf("seed account %q: %w", s.DisplayName, err)
		}
		if created {
			a.log.Info().Str("address", acct.Address).Str("name", acct.DisplayName).Msg("seeded test account")
		}
	}
	return nil
}

// housekeeping refreshes channel gauges and forgets idle senders.
func (a *app) housekeeping(ctx context.Context, limiter *ingestion.SenderLimiter, chans ...chan core.CoreOutput) {
	names := []string{"persist", "projection", "publish"}
	gauges := time.NewTicker(5 * time.Second)
	defer gauges.Stop()
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			for i, ch := range chans {
				if ch != nil {
					a.metrics.SetChannelMetrics(names[i], len(ch), cap(ch))
				}
			}
		case <-prune.C:
			if n := limiter.Prune(10 * time.Minute); n > 0 {
				a.log.Debug().Int("senders", n).Msg("pruned idle rate limiters")
			}
		}
	}
}

func (a *app) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.health.LivenessHandler)
	mux.HandleFunc("/readyz", a.health.ReadinessHandler)
	return &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *app) component(name string) zerolog.Logger {
	return observability.NewLoggerWithLevel(name, a.cfg.Level())
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

func closeIfOpen(ch chan core.CoreOutput) {
	if ch != nil {
		close(ch)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ptr[T any](v T) *T { return &v }
