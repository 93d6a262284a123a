package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/verdantops/conduit/internal/api"
	"github.com/verdantops/conduit/internal/config"
	"github.com/verdantops/conduit/internal/cost"
	"github.com/verdantops/conduit/internal/database"
	"github.com/verdantops/conduit/internal/pricing"
	"github.com/verdantops/conduit/internal/provider"
	"github.com/verdantops/conduit/internal/queue"
	"github.com/verdantops/conduit/internal/semcache"
	"github.com/verdantops/conduit/internal/worker"
	"github.com/verdantops/conduit/pkg/kv"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Conduit - AI Request Queue & Cost Optimizer")
	fmt.Println("==============================================")

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Redis backs the queue, the semantic cache, and live cost counters.
	// Unlike the cost archive it is not optional.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := kv.NewRedisStore(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	cancel()
	if err != nil {
		log.Fatalf("Redis unavailable at %s: %v", cfg.RedisAddr(), err)
	}
	defer store.Close()
	log.Println("Redis connected.")

	// The Postgres cost archive is optional. Without it the engine still
	// queues, caches, and tracks live spend; summaries and recommendations
	// degrade.
	var db *database.DB
	if cfg.DBHost != "" {
		db, err = database.New(cfg.DSN())
		if err != nil {
			log.Printf("[WARN] Database unavailable (%v). Running without cost archive.", err)
			db = nil
		} else {
			defer db.Close()
			migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = db.Migrate(migrateCtx)
			migrateCancel()
			if err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			log.Printf("Database connected (%s) and migrations applied.", cfg.RedactedDSN())
		}
	} else {
		log.Println("[WARN] POSTGRES_HOST not set. Running without cost archive.")
	}

	table := pricing.Default()
	costs := cost.New(store, db, table, cost.DefaultOptions())

	queueOpts := queue.DefaultOptions()
	queueOpts.MaxDepth = cfg.QueueMaxDepth
	q := queue.New(store, queueOpts)

	// The semantic cache needs an embedding provider; without an OpenAI key
	// every request goes straight to the queue.
	var cache *semcache.Cache
	if cfg.OpenAIKey != "" {
		cacheOpts := semcache.DefaultOptions()
		cacheOpts.DefaultTTL = time.Duration(cfg.SemanticCacheTTL) * time.Hour
		cache = semcache.New(store, provider.NewOpenAIEmbedder(cfg.OpenAIKey), cacheOpts)
		log.Println("Semantic cache enabled.")
	} else {
		log.Println("[WARN] OPENAI_API_KEY not set. Semantic cache disabled.")
	}

	client := provider.NewHTTPClient(provider.Keys{
		OpenAI:    cfg.OpenAIKey,
		Anthropic: cfg.AnthropicKey,
		Gemini:    cfg.GeminiKey,
		DeepSeek:  cfg.DeepSeekKey,
	})

	// Workers drain the queue; one extra goroutine sweeps stale claims and
	// expired records.
	w := worker.New(q, cache, costs, client, table, worker.DefaultOptions())
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	for i := 0; i < cfg.WorkerCount; i++ {
		go func(id int) {
			if err := w.Run(workerCtx); err != nil && err != context.Canceled {
				log.Printf("[ERROR] worker %d stopped: %v", id, err)
			}
		}(i)
	}
	go func() {
		if err := w.RunSweeper(workerCtx); err != nil && err != context.Canceled {
			log.Printf("[ERROR] sweeper stopped: %v", err)
		}
	}()
	log.Printf("Started %d workers.", cfg.WorkerCount)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	api.RegisterRoutes(r, api.NewHandlers(q, cache, costs, table, db), store, cfg.AdminAPIKey)
	if cfg.AdminAPIKey == "" {
		log.Println("[WARN] CONDUIT_ADMIN_API_KEY not set. Management API is disabled (fail-secure).")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Conduit is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop accepting HTTP first, then let workers finish in-flight requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	stopWorkers()
	log.Println("Server exited.")
}
