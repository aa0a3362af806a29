// Package main implements the loreweaver worker: the process that binds
// the single JetStream consumer (spec §5: MaxAckPending=1, no duplicate
// concurrent processing of the same job) and drives the orchestrator's
// stage-handler cascade until shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loreweaver-ai/loreweaver/engine/events"
	"github.com/loreweaver-ai/loreweaver/engine/gateway"
	"github.com/loreweaver-ai/loreweaver/engine/graph"
	"github.com/loreweaver-ai/loreweaver/engine/orchestrator"
	"github.com/loreweaver-ai/loreweaver/engine/stages"
	"github.com/loreweaver-ai/loreweaver/engine/vector"
	"github.com/loreweaver-ai/loreweaver/pkg/broker"
	"github.com/loreweaver-ai/loreweaver/pkg/metrics"
	"github.com/loreweaver-ai/loreweaver/pkg/resilience"
	"github.com/loreweaver-ai/loreweaver/pkg/store"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

// Config holds all environment-based configuration, mirroring cmd/api's
// shape so the two processes can share an env file in local dev.
type Config struct {
	NatsURL        string
	Neo4jURL       string
	Neo4jUser      string
	Neo4jPass      string
	GatewayURL     string
	GatewayModel   string
	VectorBackend  string
	QdrantURL      string
	Collection     string
	EmbeddingDims  int
	MetricsPort    int
	BreakerFails   int
	BreakerTimeout time.Duration
	LimiterRate    float64
	LimiterBurst   int
}

func loadConfig() Config {
	return Config{
		NatsURL:        envOr("NATS_URL", "nats://localhost:4222"),
		Neo4jURL:       envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),
		GatewayURL:     envOr("GATEWAY_URL", "http://localhost:11434"),
		GatewayModel:   envOr("GATEWAY_MODEL", "llama3"),
		VectorBackend:  envOr("VECTOR_BACKEND", "linear"),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:     envOr("QDRANT_COLLECTION", "loreweaver"),
		EmbeddingDims:  envOrInt("EMBEDDING_DIMS", 768),
		MetricsPort:    envOrInt("WORKER_METRICS_PORT", 9091),
		BreakerFails:   envOrInt("GATEWAY_BREAKER_FAILS", 5),
		BreakerTimeout: envOrDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
		LimiterRate:    envOrFloat("GATEWAY_RATE_LIMIT", 5),
		LimiterBurst:   envOrInt("GATEWAY_RATE_BURST", 10),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return fallback
	}
	return f
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.ServeAsync(cfg.MetricsPort)

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}

	docStore := store.New(neo4jDriver)
	graphStore := graph.New(neo4jDriver)

	vectorIndex, closeVector, err := newVectorIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	if closeVector != nil {
		defer closeVector()
	}

	nb, err := broker.Connect(ctx, cfg.NatsURL, logger)
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	defer nb.Close()

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.LimiterRate, Burst: cfg.LimiterBurst})
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.BreakerFails,
		Timeout:       cfg.BreakerTimeout,
		HalfOpenMax:   1,
	})
	gatewayClient := gateway.NewResilient(gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayModel), limiter, breaker)

	deps := &stages.Deps{
		Store:   docStore,
		Publish: nb,
		Vector:  vectorIndex,
		Graph:   graphStore,
		Gateway: gatewayClient,
		Logger:  logger,
	}

	hub := events.New()
	orch := orchestrator.New(nb, deps, hub, logger)

	logger.Info("worker starting", "nats_url", cfg.NatsURL, "vector_backend", cfg.VectorBackend)

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		<-errCh
	}
	return nil
}

// newVectorIndex builds the configured vector.Index backend, matching
// cmd/api's selection so both processes agree on where embeddings live.
func newVectorIndex(ctx context.Context, cfg Config) (vector.Index, func(), error) {
	if cfg.VectorBackend == "qdrant" {
		idx, err := vector.NewQdrantIndex(ctx, cfg.QdrantURL, cfg.Collection, cfg.EmbeddingDims)
		if err != nil {
			return nil, nil, err
		}
		return idx, func() { idx.Close() }, nil
	}
	return vector.NewLinearIndex(), nil, nil
}
