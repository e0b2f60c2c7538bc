// Command companiond runs the conversation memory engine: the turn pipeline
// for interactive use, the idle-session finalizer and the memory GC jobs,
// plus the metrics and health endpoints.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/allyhealth/companion/internal/scheduler"
	"github.com/allyhealth/companion/internal/tracing"
	"github.com/allyhealth/companion/pkg/chat"
	"github.com/allyhealth/companion/pkg/config"
	"github.com/allyhealth/companion/pkg/embeddings"
	"github.com/allyhealth/companion/pkg/memory"
	"github.com/allyhealth/companion/pkg/observability"
	"github.com/allyhealth/companion/pkg/profile"
	"github.com/allyhealth/companion/pkg/session"
	vsmem "github.com/allyhealth/companion/pkg/vectorstore/memory"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/companiond.yaml"), "Configuration file")
	chatUser   = flag.String("chat", "", "Run an interactive chat loop as the given user instead of the worker")
)

func main() {
	flag.Parse()

	log.Printf("Starting companiond v%s", Version)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if err := tracing.Init(cfg.TraceMode); err != nil {
		log.Fatalf("Tracing init error: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Fatalf("Redis connection error: %v", err)
	}

	coord := session.NewCoordinatorFromClient(client, session.Config{
		Prefix:         cfg.Redis.Prefix,
		IdleThreshold:  cfg.Session.IdleThreshold,
		DedupTTL:       cfg.Session.DedupTTL,
		AudioBufferTTL: cfg.Session.AudioBufferTTL,
		AudioLockTTL:   cfg.Session.AudioLockTTL,
		AudioResultTTL: cfg.Session.AudioResultTTL,
	})
	profiles := profile.NewRepository(client, cfg.Redis.Prefix)

	index, err := vsmem.New(vsmem.Config{EmbeddingDimensions: cfg.Memory.EmbeddingDimensions})
	if err != nil {
		log.Fatalf("Vector store error: %v", err)
	}
	memories, err := memory.NewStore(index, memory.Config{EmbeddingDimensions: cfg.Memory.EmbeddingDimensions})
	if err != nil {
		log.Fatalf("Memory store error: %v", err)
	}

	embedder, err := embeddings.NewOpenAI(embeddings.OpenAIConfig{
		APIKey: cfg.OpenAIKey,
		Model:  cfg.EmbeddingModel,
	})
	if err != nil {
		log.Fatalf("Embeddings error: %v", err)
	}

	llm := chat.NewLLM(openai.NewClient(cfg.OpenAIKey), cfg.ChatModel)

	pipeline := chat.NewPipeline(coord, memories, profiles, embedder, llm, llm, chat.PipelineConfig{
		SummaryChunkSize: cfg.Session.SummaryChunkSize,
		ContextRounds:    cfg.Session.ContextRounds,
		Retrieval: memory.RetrieveOptions{
			TopKGroups:          cfg.Memory.TopKGroups,
			SimilarityThreshold: cfg.Memory.SimilarityThreshold,
			RecencyHalfLifeDays: cfg.Memory.RecencyHalfLifeDays,
			IncludeRawQA:        cfg.Memory.IncludeRawQA,
		},
	})
	finalizer := chat.NewFinalizer(coord, memories, profiles, embedder, llm, llm, llm)

	if *chatUser != "" {
		runChatLoop(pipeline, *chatUser)
		return
	}

	sched := scheduler.New(coord, finalizer, memories, scheduler.Config{
		FinalizeSpec:    cfg.Scheduler.FinalizeSpec,
		GCSpec:          cfg.Scheduler.GCSpec,
		FinalizeWorkers: cfg.Scheduler.FinalizeWorkers,
		GCHardDelete:    cfg.Memory.GCHardDelete,
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("Scheduler error: %v", err)
	}

	observability.InitMetrics()
	checker := observability.NewHealthChecker()
	checker.RegisterCheck(&observability.HealthCheck{
		Name:     "redis",
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})

	obsServer := observability.NewServer(cfg.MetricsPort, checker)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Metrics server listening on :%d", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down companiond...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(ctx); err != nil {
		log.Printf("Scheduler shutdown error: %v", err)
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
	_ = embedder.Close()
	_ = client.Close()

	log.Println("Companiond stopped")
}

// loadConfig reads the config file, falling back to built-in defaults when
// the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

// runChatLoop reads turns from stdin and prints replies. A local harness for
// exercising the pipeline without a transport in front of it.
func runChatLoop(pipeline *chat.Pipeline, user string) {
	fmt.Printf("Chatting as %s (ctrl-d to quit)\n", user)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		reply, err := pipeline.HandleText(context.Background(), user, input, "")
		if errors.Is(err, chat.ErrDuplicate) {
			fmt.Println("(duplicate request, skipped)")
			continue
		}
		if err != nil {
			log.Printf("Turn error: %v", err)
			continue
		}
		fmt.Println(reply)
	}
	fmt.Println()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
