package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/divanvisagie/reservoir/internal/api"
	"github.com/divanvisagie/reservoir/internal/cache"
	"github.com/divanvisagie/reservoir/internal/config"
	"github.com/divanvisagie/reservoir/internal/embedding"
	"github.com/divanvisagie/reservoir/internal/graph"
	"github.com/divanvisagie/reservoir/internal/logging"
	"github.com/divanvisagie/reservoir/internal/pipeline"
	"github.com/divanvisagie/reservoir/internal/queue"
	"github.com/divanvisagie/reservoir/internal/tokens"
)

func main() {
	cfg := config.Load()

	level, err := logrus.ParseLevel(os.Getenv("RESERVOIR_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logging.Init(level)
	appLogger := logging.New("reservoir")
	appLogger.Info("Logger initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Graph store (required).
	graphClient, err := graph.NewClient(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword,
		cfg.GraphPoolSize, cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerResetTimeout)
	if err != nil {
		appLogger.Fatal("connecting to neo4j: " + err.Error())
	}
	defer graphClient.Close(context.Background())
	if err := graphClient.EnsureIndexes(ctx, cfg.EmbeddingDimensions); err != nil {
		appLogger.Fatal("ensuring graph indexes: " + err.Error())
	}
	store := graph.NewStore(graphClient, cfg.KSim, cfg.SimTau, cfg.EmbeddingDimensions)
	appLogger.Info("Graph store ready")

	// Embedding client.
	embedder := embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel,
		cfg.EmbeddingDimensions, cfg.EmbeddingPoolSize,
		cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerResetTimeout)

	// Recency cache (optional: a dead Redis degrades to store-only reads).
	var recencyCache *cache.RecencyCache
	if rc, err := cache.NewRecencyCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		appLogger.WithError(err).Warn("redis unavailable, recency cache disabled")
	} else {
		recencyCache = rc
		defer recencyCache.Close()
		appLogger.Info("Recency cache ready")
	}

	// Embedding repair queue (optional: without brokers, a failed embedding
	// simply stays absent).
	var repairQueue *queue.EmbeddingRepairQueue
	if len(cfg.KafkaBrokers) > 0 {
		rq, err := queue.NewEmbeddingRepairQueue(ctx, cfg.KafkaBrokers)
		if err != nil {
			appLogger.WithError(err).Warn("kafka unavailable, embedding repair disabled")
		} else {
			repairQueue = rq
			defer repairQueue.Close()

			worker := queue.NewRepairWorker(cfg.KafkaBrokers, embedder, store, logging.New("embedding-repair"))
			defer worker.Close()
			go worker.Run(ctx)
			appLogger.Info("Embedding repair worker started")
		}
	}

	upstream := pipeline.NewUpstream(cfg.OpenAIBaseURL, cfg.OllamaBaseURL, cfg.UpstreamTimeout,
		cfg.UpstreamPoolSize, cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerResetTimeout)

	p := pipeline.New(cfg, tokens.New(), embedder, store, recencyCache, repairQueue, upstream, logging.New("pipeline"))
	handler := api.NewHandler(p, store, upstream, graphClient, logging.New("api"))
	router := api.SetupRouter(handler)
	appLogger.Info("Router setup completed")

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		appLogger.Info("Starting server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("server failed: " + err.Error())
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("graceful shutdown did not complete")
	}
}
