package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/streamgate/internal/ai"
	"github.com/suPer8Hu/streamgate/internal/config"
	"github.com/suPer8Hu/streamgate/internal/db"
	"github.com/suPer8Hu/streamgate/internal/httpapi"
	"github.com/suPer8Hu/streamgate/internal/httpapi/handlers"
	"github.com/suPer8Hu/streamgate/internal/logging"
	"github.com/suPer8Hu/streamgate/internal/store/rabbitmq"
	"github.com/suPer8Hu/streamgate/internal/usage"
)

const logMaxFiles = 7

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Server] .env not loaded: %v", err)
	}
	cfg := config.Load()

	logOut, logCloser, err := logging.Setup(cfg.LogFile, cfg.LogMaxSize, logMaxFiles)
	if err != nil {
		log.Fatalf("log setup: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := buildRegistry(ctx, cfg)

	catalog, err := config.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		log.Fatalf("model catalog: %v", err)
	}

	// usage sinks
	var (
		hooks   usage.Multi
		store   *usage.Store
		counter *usage.Counter
	)
	if cfg.HasSink("db") {
		store = usage.NewStore(db.Connect(cfg.DBDSN))
		if err := store.Migrate(); err != nil {
			log.Fatalf("usage migrate: %v", err)
		}
		hooks = append(hooks, store)
	}
	if cfg.HasSink("redis") {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Printf("[Server] redis ping failed addr=%s err=%v", cfg.RedisAddr, err)
		}
		cancel()
		counter = usage.NewCounter(rdb)
		hooks = append(hooks, counter)
	}
	if cfg.HasSink("queue") {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		hooks = append(hooks, usage.NewQueueSink(pub))
	}

	var dispatcher *usage.Dispatcher
	if len(hooks) > 0 {
		dispatcher = usage.NewDispatcher(hooks, cfg.UsageTimeout)
	}

	h := handlers.NewHandler(cfg, reg, catalog, dispatcher)
	h.Store = store
	h.Counter = counter

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(h, logOut),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening addr=%s providers=%d models=%d sinks=%v",
			cfg.Addr, len(reg.Providers()), len(catalog.Models), cfg.UsageSinks)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Server] shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("[Server] shutdown err=%v", err)
	}
	if err := dispatcher.Wait(sctx); err != nil {
		log.Printf("[Server] usage drain err=%v", err)
	}
}

func buildRegistry(ctx context.Context, cfg config.Config) *ai.Registry {
	opts := ai.StreamOptions{
		IdleTimeout:    cfg.IdleTimeout,
		BridgeCapacity: cfg.BridgeCapacity,
		ErrorBodyLimit: cfg.ErrorBodyLimit,
	}

	bedrock, err := ai.NewBedrockAdapter(ctx, ai.BedrockConfig{
		Region:       cfg.AWSRegion,
		AccessKey:    cfg.AWSAccessKey,
		SecretKey:    cfg.AWSSecretKey,
		SessionToken: cfg.AWSSessionToken,
		Model:        cfg.BedrockModel,
		Options:      opts,
	})
	if err != nil {
		log.Fatalf("bedrock client: %v", err)
	}

	reg := ai.NewRegistry(
		ai.NewAzureOpenAIAdapter(ai.AzureOpenAIConfig{
			Endpoint:   cfg.AzureEndpoint,
			APIKey:     cfg.AzureAPIKey,
			Deployment: cfg.AzureDeployment,
			APIVersion: cfg.AzureAPIVersion,
			Options:    opts,
		}),
		ai.NewOpenRouterAdapter(ai.OpenRouterConfig{
			BaseURL: cfg.OpenRouterBaseURL,
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.OpenRouterModel,
			SiteURL: cfg.OpenRouterSiteURL,
			AppName: cfg.OpenRouterAppName,
			Options: opts,
		}),
		ai.NewOllamaAdapter(cfg.OllamaBaseURL, cfg.OllamaModel, opts),
		bedrock,
		ai.NewGeminiAdapter(ai.GeminiConfig{
			APIKey:   cfg.GeminiAPIKey,
			Project:  cfg.VertexProject,
			Location: cfg.VertexLocation,
			Model:    cfg.GeminiModel,
			Options:  opts,
		}),
		ai.NewLoopbackAdapter(ai.LoopbackConfig{
			File:      cfg.LoopbackFile,
			ChunkSize: cfg.LoopbackChunkSize,
			Delay:     cfg.LoopbackDelay,
			Options:   opts,
		}),
	)

	for _, p := range reg.Providers() {
		log.Printf("[Server] provider name=%s transport=%s configured=%t", p.Name, p.Transport, p.Configured)
	}
	return reg
}
