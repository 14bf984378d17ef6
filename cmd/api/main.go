package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentable/keepsake/internal/api"
	"github.com/momentable/keepsake/internal/config"
	"github.com/momentable/keepsake/internal/db"
	"github.com/momentable/keepsake/internal/queue"
	"github.com/momentable/keepsake/internal/scheduler"
	"github.com/momentable/keepsake/internal/services"
	"github.com/momentable/keepsake/internal/storage"
	"github.com/momentable/keepsake/internal/worker"
)

func main() {
	log.Println("Starting Keepsake API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL, cfg.OrderQueueCapacity)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor, err := storage.New(cfg.AWSRegion, cfg.S3Bucket)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Initialized S3 storage (bucket: %s)", cfg.S3Bucket)

	// Shared services
	notifySvc := services.NewNotifyService(cfg.SolapiAPIKey, cfg.SolapiAPISecret, cfg.SolapiSender, cfg.SlackWebhookURL)
	paymentSvc := services.NewPaymentService(cfg.PortOneAPISecret)

	// Create API handler
	handler := api.NewHandler(database, q, stor, paymentSvc, notifySvc)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("Admin API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — admin API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker and scheduler if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Clip generation provider — Runway preferred, Veo as legacy fallback
		var generator services.ClipGenerator
		if cfg.RunwayAPIKey != "" {
			generator = services.NewRunwayService(cfg.RunwayAPIKey, cfg.RunwayBaseURL)
			log.Println("Clip provider: Runway (gen3a_turbo)")
		} else {
			generator = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
			log.Printf("Clip provider: Veo (legacy, model: %s)", cfg.VeoModel)
		}

		ffmpegSvc := services.NewFFmpegService(stor, cfg.WorkDir, cfg.BGMDir, cfg.FontPath)

		w := worker.New(database, q, stor, generator, ffmpegSvc, notifySvc, cfg.MaxConcurrentClips)
		sched := scheduler.New(database, q, notifySvc, cfg.WorkDir)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentOrders)
		go sched.Start(workerCtx)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker and scheduler
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
