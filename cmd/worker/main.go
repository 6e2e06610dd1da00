package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"planloom.app/agent/common/id"
	"planloom.app/agent/common/llm"
	"planloom.app/agent/common/logger"
	"planloom.app/agent/core/config"
	"planloom.app/agent/core/db"
	"planloom.app/agent/internal/agent"
	"planloom.app/agent/internal/governor"
	"planloom.app/agent/internal/kv"
	"planloom.app/agent/internal/queue"
	"planloom.app/agent/internal/store"
	"planloom.app/agent/internal/stream"
	"planloom.app/agent/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	slog.InfoContext(ctx, "agent worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	// Worker uses a different snowflake node than the server so run and
	// message ids never collide across processes.
	if err := id.Init(cfg.NodeID + 1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:      cfg.Queue.Stream,
		Group:       cfg.Queue.Group,
		Consumer:    cfg.Queue.Consumer,
		DLQStream:   cfg.Queue.DLQStream,
		BatchSize:   cfg.Queue.BatchSize,
		Block:       cfg.Queue.Block,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	provider, err := llm.NewStreamClient(providerConfig(cfg.AI))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create llm client", "error", err)
		os.Exit(1)
	}

	redactor, err := agent.NewRedactor(cfg.AI.Redaction)
	if err != nil {
		slog.ErrorContext(ctx, "invalid redaction config", "error", err)
		os.Exit(1)
	}

	kvStore := kv.NewRedisStore(redisClient)
	stores := store.New(database)

	gov := governor.New(kvStore, stores.Runs, cfg.AI)
	streams := stream.NewCoordinator(kvStore, stream.NewRedisPublisher(redisClient))
	builder := agent.NewContextBuilder(stores.Threads, stores.Messages, stores.Tasks, stores.Files, redactor, cfg.AI)
	orchestrator := agent.NewOrchestrator(stores, builder, gov, streams, provider, cfg.AI)

	w := worker.New(consumer, orchestrator, worker.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	slog.InfoContext(ctx, "worker initialized and running",
		"provider", provider.Provider(),
		"model", provider.Model())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	w.Stop()

	if err := <-errCh; err != nil {
		slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

// providerConfig selects the key and base URL for the configured provider.
func providerConfig(ai config.AIConfig) llm.Config {
	cfg := llm.Config{
		Provider: ai.Provider,
		Model:    ai.Model,
	}
	switch ai.Provider {
	case llm.ProviderAnthropic:
		cfg.APIKey = ai.AnthropicKey
		cfg.BaseURL = ai.AnthropicBaseURL
	default:
		cfg.APIKey = ai.OpenAIKey
		cfg.BaseURL = ai.OpenAIBaseURL
	}
	return cfg
}

const banner = `
 █████╗  ██████╗ ███████╗███╗   ██╗████████╗    ██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
██╔══██╗██╔════╝ ██╔════╝████╗  ██║╚══██╔══╝    ██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
███████║██║  ███╗█████╗  ██╔██╗ ██║   ██║       ██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██╔══██║██║   ██║██╔══╝  ██║╚██╗██║   ██║       ██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
██║  ██║╚██████╔╝███████╗██║ ╚████║   ██║       ╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
╚═╝  ╚═╝ ╚═════╝ ╚══════╝╚═╝  ╚═══╝   ╚═╝        ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
