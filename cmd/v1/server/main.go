package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/chatflow/server/internal/v1/broadcast"
	"github.com/chatflow/server/internal/v1/config"
	"github.com/chatflow/server/internal/v1/consumer"
	"github.com/chatflow/server/internal/v1/health"
	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/presence"
	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/ratelimit"
	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/store"
	"github.com/chatflow/server/internal/v1/tracing"
	"github.com/chatflow/server/internal/v1/transport"
	"github.com/chatflow/server/internal/v1/writer"
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx := context.Background()

	// --- Tracing (Optional) ---
	if cfg.OTelEnabled {
		tp, err := tracing.InitTracer(ctx, "chatflow-server", cfg.OTelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OTelCollector)
		}
	}

	// --- External Queue ---
	sqsClient, err := queue.NewClient(ctx, cfg.AWSRegion, cfg.SQSEndpoint)
	if err != nil {
		slog.Error("Failed to create SQS client", "error", err)
		os.Exit(1)
	}
	queueService := queue.NewService(sqsClient, cfg.QueuePrefix, cfg.FIFOEnabled, cfg.QueueURLRetry)

	var producer queue.Producer
	var batcher *queue.Batcher
	if cfg.ProducerBatchEnabled {
		batcher = queue.NewBatcher(queueService, cfg.ProducerBatchMaxSize, 100, cfg.ProducerBatchFlush, nil)
		producer = batcher
		slog.Info("✅ Producer micro-batching enabled",
			"max_size", cfg.ProducerBatchMaxSize, "flush", cfg.ProducerBatchFlush)
	} else {
		producer = queue.NewSingleSender(queueService)
	}

	// --- Persistence (Optional) ---
	var db *store.MySQL
	var persistence store.Persistence
	if cfg.DBDSN != "" {
		db, err = store.Open(cfg.DBDSN)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		persistence = db
		slog.Info("✅ Database connected")
	} else {
		slog.Warn("DB_DSN not set, persistence disabled")
	}

	dlq := queue.NewDeadLetter(sqsClient, cfg.DLQQueueName, cfg.DLQEnabled && persistence != nil)
	batchWriter := store.NewBatchWriter(persistence, dlq, cfg.BatchWriterSize, cfg.BatchWriterBufferCapacity, cfg.BatchWriterFlush, nil)
	batchWriter.Start()

	// --- Presence (Optional) ---
	var presenceService *presence.Service
	if cfg.RedisEnabled {
		presenceService, err = presence.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, presence disabled", "error", err)
			presenceService = nil
		}
	} else {
		slog.Info("Running without Redis presence")
	}

	// --- Rate Limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWsIP, presenceService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Sessions, Registry, Broadcast ---
	reg := registry.New()
	writers := writer.NewManager(cfg.WriterThreads, cfg.WriterThreads*4, func(s *writer.Session) {
		reg.Remove(s)
		if presenceService != nil {
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = presenceService.Leave(leaveCtx, s.RoomID, s.ID)
		}
	})
	broadcaster := broadcast.New(reg, writers, cfg.BroadcastExcludeSender)

	hub := transport.NewHub(reg, writers, producer, presenceService, rateLimiter,
		cfg.ServerID, cfg.Rooms, cfg.AllowedOrigins, cfg.SessionWriteQueueCapacity)

	// --- Consumer ---
	var pool *consumer.Pool
	if cfg.ConsumerEnabled {
		rooms := consumer.AssignedRooms(cfg.ServerID, cfg.NodeList, cfg.Rooms)
		// Without persistence the writer rejects everything; messages are then
		// deleted right after broadcast instead of cycling through redelivery.
		var sink consumer.Sink
		if persistence != nil {
			sink = batchWriter
		}
		pool = consumer.NewPool(queueService, broadcaster, sink, rooms, consumer.PoolConfig{
			Threads:           cfg.ConsumerThreads,
			MaxMessages:       cfg.ConsumerMaxMessages,
			WaitTimeSeconds:   int(cfg.ConsumerWaitTime.Seconds()),
			VisibilityTimeout: int(cfg.ConsumerVisibilityTimeout.Seconds()),
		})
		pool.Start()
	} else {
		slog.Warn("Consumer disabled, this node is ingress-only")
	}

	// --- HTTP Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTelEnabled {
		router.Use(otelgin.Middleware("chatflow-server"))
	}

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/chat/:roomId", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(pingerOrNil(db), presenceService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	stats := &health.Stats{
		ServerID:    cfg.ServerID,
		NodeList:    cfg.NodeList,
		Rooms:       cfg.Rooms,
		Hub:         hub,
		Writers:     writers,
		Registry:    reg,
		Queue:       queueService,
		Batcher:     batcher,
		DLQ:         dlq,
		BatchWriter: batchWriter,
		Pool:        pool,
		Broadcaster: broadcaster,
	}
	router.GET("/stats", stats.Handler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port, "server_id", cfg.ServerID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown order: stop accepting, close sessions, stop the consumer, then
	// drain producers and the batch writer so in-flight messages land.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	hub.Shutdown(shutdownCtx)
	writers.Stop()

	if pool != nil {
		pool.Stop()
	}
	producer.Stop()

	if err := batchWriter.Stop(shutdownCtx); err != nil {
		slog.Error("Batch writer drain timed out", "error", err)
	}

	if db != nil {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}
	if presenceService != nil {
		if err := presenceService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}

	slog.Info("Server exiting")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pingerOrNil avoids a typed-nil interface when the database is disabled.
func pingerOrNil(db *store.MySQL) health.Pinger {
	if db == nil {
		return nil
	}
	return db
}
