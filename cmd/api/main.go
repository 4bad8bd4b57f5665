package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/voxbook/internal/api"
	"github.com/bobarin/voxbook/internal/config"
	"github.com/bobarin/voxbook/internal/db"
	"github.com/bobarin/voxbook/internal/orchestrator"
	"github.com/bobarin/voxbook/internal/persist"
	"github.com/bobarin/voxbook/internal/queue"
	"github.com/bobarin/voxbook/internal/services"
	"github.com/bobarin/voxbook/internal/storage"
	"github.com/bobarin/voxbook/internal/transport"
	"github.com/bobarin/voxbook/internal/validation"
	"github.com/bobarin/voxbook/internal/worker"
)

const interruptedReason = "interrupted by server restart"

func main() {
	log.Println("Starting Voxbook API...")

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

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if cfg.DBAutoMigrate {
		if err := database.Migrate(startupCtx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Println("Database schema applied")
	}

	// Nothing is in flight at startup; rows left generating by a previous run are failed.
	if n, err := database.ResetInterruptedDialogues(startupCtx, interruptedReason); err != nil {
		log.Printf("Warning: could not reset interrupted dialogues: %v", err)
	} else if n > 0 {
		log.Printf("Reset %d dialogues left generating", n)
	}
	if n, err := database.FailUnfinishedJobs(startupCtx, interruptedReason); err != nil {
		log.Printf("Warning: could not fail unfinished jobs: %v", err)
	} else if n > 0 {
		log.Printf("Failed %d unfinished jobs", n)
	}
	startupCancel()

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	// Connect to Redis queue when the transport or the worker needs it
	var q *queue.Queue
	if cfg.Transport == config.TransportRedis || cfg.WorkerEnabled {
		q, err = queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()
		log.Println("Connected to Redis queue")
	}

	var synth orchestrator.Transport
	switch cfg.Transport {
	case config.TransportHTTP:
		opts := []transport.Option{transport.WithAPIKey(cfg.SynthesisAPIKey)}
		if cfg.SynthesisRPS > 0 {
			opts = append(opts, transport.WithRateLimit(cfg.SynthesisRPS, cfg.SynthesisBurst))
		}
		synth = transport.NewHTTPTransport(cfg.SynthesisURL, cfg.TransportTimeout, opts...)
		log.Printf("Synthesis transport: HTTP (%s)", cfg.SynthesisURL)
	default:
		synth = queue.NewTransport(q, cfg.TransportTimeout)
		log.Printf("Synthesis transport: Redis (%s)", queue.QueueSynthesis)
	}

	// Create orchestrator and write its cache changes through to the database
	validator := validation.New()
	orch := orchestrator.New(orchestrator.Deps{
		Transport: synth,
		Chapters:  database,
		Dialogues: database,
		Exports:   database,
		Artifacts: stor,
		Recorder:  database,
		Validator: validator,
	},
		orchestrator.WithConcurrency(cfg.BatchConcurrency),
		orchestrator.WithTimeout(cfg.TransportTimeout),
		orchestrator.WithJobRetention(cfg.JobRetention),
	)

	persistCtx, persistCancel := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		persist.New(database, orch.Dialogues(), orch.Exports()).Run(persistCtx)
		close(persistDone)
	}()

	// TTS engines the worker can synthesize with; the API lists them
	registry := services.NewTTSRegistry(cfg.TTSNarrator)
	registry.Register(services.MockTTSService{})
	if cfg.ElevenLabsKey != "" {
		registry.Register(services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID))
		log.Printf("TTS provider: ElevenLabs (default voice: %s)", cfg.ElevenLabsVoiceID)
	}
	if cfg.OpenAIKey != "" {
		registry.Register(services.NewOpenAISpeechService(cfg.OpenAIKey))
		log.Println("TTS provider: OpenAI speech")
	}
	log.Printf("TTS narrator engine: %s", cfg.TTSNarrator)

	// Create API handler
	handler := api.NewHandler(orch, database, stor, registry, validator)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background synthesis...")

		ffmpegSvc := services.NewFFmpegService(cfg.AudioTempDir)
		w := worker.New(q, database, stor, registry, ffmpegSvc)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
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

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Flush pending writes before the database closes
	persistCancel()
	<-persistDone

	log.Println("Server exited")
}
