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

	"fieldtrack-api/api"
	"fieldtrack-api/api/middleware"
	"fieldtrack-api/db"
	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/notify"
	"fieldtrack-api/pkg/ratelimit"
	embeddednats "fieldtrack-api/pkg/services/embedded-nats"
	"fieldtrack-api/pkg/services/workers"
	"fieldtrack-api/pkg/shared"

	"github.com/joho/godotenv"
)

var (
	dbService *db.Service
	nats      *embeddednats.EmbeddedNATS
)

func initDB(cfg *config.Config) error {
	var err error

	dbConfig := db.DefaultConfig()
	dbConfig.DBPath = cfg.DBPath
	dbConfig.AutoInitialize = true

	dbService, err = db.New(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize database service: %w", err)
	}

	// Verify schema is properly initialized
	if err := dbService.VerifySchema(); err != nil {
		log.Printf("Schema verification failed: %v", err)
		log.Println("Attempting to initialize schema...")
		if err := dbService.InitializeSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Println("Database service initialized successfully")
	return nil
}

func initNATS(cfg *config.Config) error {
	var err error

	natsConfig := embeddednats.DefaultConfig()
	natsConfig.DataDir = cfg.NATSDataDir
	natsConfig.Port = cfg.NATSPort

	nats, err = embeddednats.New(natsConfig)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := nats.Start(); err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	if err := nats.CreateFieldtrackStreams(); err != nil {
		return fmt.Errorf("failed to create streams: %w", err)
	}

	// Create durable consumers
	consumers := []struct {
		stream   string
		consumer string
		filter   string
	}{
		{shared.StreamTelemetry, shared.ConsumerTelemetryProcessor, shared.SubjectTelemetryAll},
		{shared.StreamAlerts, shared.ConsumerAlertProcessor, shared.SubjectAlertsAll},
		{shared.StreamEvents, shared.ConsumerEventProcessor, shared.SubjectEventsAll},
	}

	for _, c := range consumers {
		if err := nats.CreateDurableConsumer(c.stream, c.consumer, c.filter); err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", c.consumer, err)
		}
	}

	log.Println("NATS JetStream initialized successfully")
	return nil
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	} else {
		log.Println("Loaded configuration from .env file")
	}

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initDB(cfg); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer dbService.Close()

	if err := initNATS(cfg); err != nil {
		log.Fatal("Failed to initialize NATS:", err)
	}

	bc := broadcast.NewNATS(nats, "fieldtrack-api")

	// Rate-limit windows live in Redis when configured so several API
	// processes share one budget; otherwise in process memory.
	var rlStore ratelimit.Store
	if cfg.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer redisStore.Close()
		rlStore = redisStore
		log.Println("Rate limiting backed by Redis")
	} else {
		rlStore = ratelimit.NewMemoryStore()
		log.Println("Rate limiting backed by process memory")
	}

	handlers := api.NewHandlers(dbService.GetDB(), cfg, bc, notify.LogNotifier{}, rlStore)
	_, _, alertService := handlers.Services()

	workerManager, err := workers.NewManager(nats, dbService.GetDB(), cfg, alertService)
	if err != nil {
		log.Fatal("Failed to create worker manager:", err)
	}
	if err := workerManager.Start(); err != nil {
		log.Fatal("Failed to start workers:", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, nats)

	handler := middleware.CORS(middleware.RequestLogger(mux))

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting FieldTrack API server on port %s", cfg.HTTPPort)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	if workerManager != nil {
		if err := workerManager.Stop(); err != nil {
			log.Printf("Failed to stop workers: %v", err)
		}
	}

	if nats != nil {
		if err := nats.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown NATS: %v", err)
		}
	}

	log.Println("Server shutdown complete")
}
