// auditctl runs a single audit synchronously from the command line,
// sharing the exact pipeline the HTTP/background paths use.
//
// Usage:
//
//	auditctl run --audit-id <id|external-id> [--max-chunks N] [--evidence]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/blobstore"
	"compliance-auditor/internal/config"
	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/embedding"
	"compliance-auditor/internal/logging"
	"compliance-auditor/internal/runner"
	"compliance-auditor/internal/store"
	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: auditctl run --audit-id <id> [--max-chunks N] [--evidence]")
		os.Exit(2)
	}

	flags := flag.NewFlagSet("run", flag.ExitOnError)
	auditID := flags.String("audit-id", "", "audit id or external id (required)")
	maxChunks := flags.Int("max-chunks", 0, "limit the number of chunks processed (0 = unbounded)")
	evidence := flags.Bool("evidence", false, "include evidence context")
	flags.Parse(os.Args[2:])

	if *auditID == "" {
		fmt.Fprintln(os.Stderr, "--audit-id is required")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
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

	st := store.NewPostgres(pool)
	embedder := embedding.NewHTTPClient(
		cfg.EmbeddingAPIBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel,
		blobstore.EmbeddingCacheDir(cfg.DataRoot))
	vectors := vectorstore.NewPGStore(pool, embedder, logger)
	estimator := tokenest.New(cfg.ContextTokenizer)

	var client analysis.Client = analysis.EchoClient{}
	if cfg.LLMAPIKey != "" {
		if llmClient, err := analysis.NewLLMClient(analysis.LLMConfigFrom(cfg), logger); err == nil {
			client = llmClient
		} else {
			logger.Warn("LLM client unavailable, using echo client", zap.Error(err))
		}
	}

	base := contextbuild.New(st, vectors, cfg.ContextBuilder(), estimator, logger)
	var builder runner.ContextBuilder = base
	if cfg.UseRecursiveRAG {
		builder = contextbuild.NewRecursive(base, cfg.RecursiveMaxDepth, cfg.RecursiveMaxReferences, true, logger)
	}

	r := runner.New(st, builder, client, runner.Config{
		ChunkProcessingDelay:      cfg.ChunkProcessingDelay,
		RefinementMaxAttempts:     cfg.RefinementMaxAttempts,
		RefinementManualWindow:    cfg.RefinementManualWindow,
		RefinementTokenMultiplier: cfg.RefinementTokenMultiplier,
		RefinementIncludeEvidence: cfg.RefinementIncludeEvidence,
		Recursive:                 cfg.UseRecursiveRAG,
	}, logger)

	opts := runner.Options{}
	if *maxChunks > 0 {
		opts.MaxChunks = maxChunks
	}
	if *evidence {
		opts.IncludeEvidence = evidence
	}

	result, err := r.Run(ctx, *auditID, opts)
	if err != nil {
		logger.Fatal("audit run failed", zap.Error(err))
	}
	fmt.Printf("processed=%d remaining=%d status=%s\n", result.Processed, result.Remaining, result.Status)
}
