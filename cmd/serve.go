package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"jobmate/scoring-service/internal/api"
	"jobmate/scoring-service/internal/config"
	"jobmate/scoring-service/internal/cv"
	"jobmate/scoring-service/internal/db"
	"jobmate/scoring-service/internal/grpcserver"
	"jobmate/scoring-service/internal/scorer"
	"jobmate/scoring-service/internal/scoring"
	"jobmate/scoring-service/internal/secrets"
	"jobmate/scoring-service/internal/store"
	"jobmate/scoring-service/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the gRPC health service and the sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("port", "", "HTTP port (overrides SCORING_PORT)")
	serveCmd.Flags().Bool("reconcile-missing", false, "move batch jobs without a result to error")
	_ = v.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("scoring.reconcile-missing", serveCmd.Flags().Lookup("reconcile-missing"))
}

// backends are the connections shared by every command.
type backends struct {
	pool  *pgxpool.Pool
	rdb   *redis.Client
	store *store.Store
}

func (b *backends) Close() {
	_ = b.rdb.Close()
	b.pool.Close()
}

func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	log.Info("connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	log.Info("connecting to Redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	st, err := store.New(ctx, pool)
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, fmt.Errorf("score store: %w", err)
	}
	return &backends{pool: pool, rdb: rdb, store: st}, nil
}

func serve(parent context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	apiKey, err := secrets.Resolve(secrets.Source{
		Name:     "scorer api key",
		Value:    cfg.Scorer.APIKey,
		File:     cfg.Scorer.APIKeyFile,
		Optional: true,
	}, cfg.Scorer.EncryptionSecret)
	if err != nil {
		return err
	}

	events := scoring.NewRedisPublisher(b.rdb, log)
	deps := scoring.Deps{
		Store:  b.store,
		CV:     cv.NewPostgresSource(b.pool).Builder(),
		Scorer: scorer.New(cfg.Scorer.URL, cfg.Scorer.Timeout, scorer.WithAPIKey(apiKey), scorer.WithLogger(log)),
		Locker: scoring.NewRedisLocker(b.rdb, cfg.Scoring.LockTTL, log),
		Events: events,
		Log:    log,
	}

	h := api.NewHandler(b.store,
		scoring.NewBatch(deps, cfg.Scoring.ReconcileMissing),
		scoring.NewStream(deps, cfg.Scoring.JobTimeout),
		scoring.NewAggregator(b.store),
		log,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: score streams stay open for as long as scoring takes.
		IdleTimeout: 60 * time.Second,
	}

	health := grpcserver.NewHealth(map[string]db.Pinger{
		"postgres": b.pool,
		"redis":    db.RedisPinger{Client: b.rdb},
	}, log)
	grpcSrv := grpcserver.NewServer(health, log)

	health.Check(ctx)

	// The health tick runs even when sweeping is disabled.
	swCfg := sweeperConfig(cfg)
	if !cfg.Sweeper.Enabled {
		swCfg.Schedule = ""
	}
	sw := sweeper.New(b.store, events, health, swCfg, log)
	if err := sw.Start(ctx); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("listening", zap.String("version", version), zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			errc <- fmt.Errorf("gRPC listen: %w", err)
			return
		}
		log.Info("gRPC health listening", zap.String("port", cfg.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	log.Info("shutting down")
	health.Shutdown()
	sw.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	log.Info("stopped")
	return runErr
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	return sweeper.Config{
		Schedule:      cfg.Sweeper.Schedule,
		RetentionDays: cfg.Sweeper.RetentionDays,
		StuckAfter:    cfg.Sweeper.StuckAfter,
		HealthEvery:   cfg.Sweeper.HealthEvery,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": app,
		"version": version,
	})
}
