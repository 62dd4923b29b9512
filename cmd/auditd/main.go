// auditd is the compliance auditor service: the HTTP façade plus the
// background scheduler executing audits off the request path.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/blobstore"
	"compliance-auditor/internal/config"
	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/embedding"
	"compliance-auditor/internal/httpapi"
	"compliance-auditor/internal/logging"
	"compliance-auditor/internal/observability/tracing"
	"compliance-auditor/internal/questions"
	"compliance-auditor/internal/runner"
	"compliance-auditor/internal/scheduler"
	"compliance-auditor/internal/scoring"
	"compliance-auditor/internal/store"
	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "compliance-auditor", logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid DATABASE_URL", zap.Error(err))
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping PostgreSQL", zap.Error(err))
	}
	logger.Info("connected to PostgreSQL")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse Redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis")

	blobs, err := blobstore.Open(cfg.DataRoot, logger)
	if err != nil {
		logger.Fatal("failed to open data root", zap.Error(err))
	}

	st := store.NewPostgres(pool)

	embedder := embedding.NewHTTPClient(
		cfg.EmbeddingAPIBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel,
		blobstore.EmbeddingCacheDir(cfg.DataRoot))
	vectors := vectorstore.NewPGStore(pool, embedder, logger)

	estimator := tokenest.New(cfg.ContextTokenizer)

	var client analysis.Client
	if cfg.LLMAPIKey != "" {
		llmClient, err := analysis.NewLLMClient(analysis.LLMConfigFrom(cfg), logger)
		if err != nil {
			logger.Warn("LLM client unavailable, using echo client", zap.Error(err))
			client = analysis.EchoClient{}
		} else {
			client = llmClient
		}
	} else {
		logger.Warn("no LLM API key configured, using echo client")
		client = analysis.EchoClient{}
	}

	runnerCfg := runner.Config{
		ChunkProcessingDelay:      cfg.ChunkProcessingDelay,
		RefinementMaxAttempts:     cfg.RefinementMaxAttempts,
		RefinementManualWindow:    cfg.RefinementManualWindow,
		RefinementTokenMultiplier: cfg.RefinementTokenMultiplier,
		RefinementIncludeEvidence: cfg.RefinementIncludeEvidence,
		Recursive:                 cfg.UseRecursiveRAG,
	}
	newRunner := func() *runner.Runner {
		base := contextbuild.New(st, vectors, cfg.ContextBuilder(), estimator, logger)
		var builder runner.ContextBuilder = base
		if cfg.UseRecursiveRAG {
			builder = contextbuild.NewRecursive(base, cfg.RecursiveMaxDepth, cfg.RecursiveMaxReferences, true, logger)
		}
		return runner.New(st, builder, client, runnerCfg, logger)
	}

	sched := scheduler.New(rdb, st, newRunner, 2, logger)
	sched.Start(ctx)

	questionGen := questions.New(st, analysis.LLMConfigFrom(cfg), logger)
	server := httpapi.New(st, blobs, sched, scoring.NewTracker(st, logger), questionGen, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	sched.Stop()
	logger.Info("shutdown complete")
	os.Exit(0)
}

// runMigrations applies the linear migration chain at startup. The
// pgx/v5 migrate driver registers the pgx5 scheme, so the standard
// postgres:// connection string is rewritten for it.
func runMigrations(databaseURL string) error {
	migrateURL := databaseURL
	if rest, ok := strings.CutPrefix(migrateURL, "postgres://"); ok {
		migrateURL = "pgx5://" + rest
	} else if rest, ok := strings.CutPrefix(migrateURL, "postgresql://"); ok {
		migrateURL = "pgx5://" + rest
	}
	migrator, err := migrate.New("file://migrations", migrateURL)
	if err != nil {
		return err
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
