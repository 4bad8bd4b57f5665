package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportRedis = "redis"
	TransportHTTP  = "http"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL   string
	DBAutoMigrate bool // apply schema.sql on startup

	// Redis
	RedisURL string

	// Synthesis transport
	Transport        string // "redis" or "http"
	SynthesisURL     string // base URL of the synthesis service when Transport is http
	SynthesisAPIKey  string
	TransportTimeout time.Duration
	SynthesisRPS     float64 // 0 = unlimited
	SynthesisBurst   int

	// Orchestrator
	BatchConcurrency int
	JobRetention     time.Duration

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// TTS providers (the mock narrator is always registered)
	TTSNarrator       string // engine used when a voice names none
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	OpenAIKey         string

	// Worker
	WorkerEnabled     bool
	MaxConcurrentJobs int
	AudioTempDir      string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DBAutoMigrate:         getEnvBool("DB_AUTO_MIGRATE", false),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		Transport:             strings.ToLower(getEnv("TRANSPORT", TransportRedis)),
		SynthesisURL:          getEnv("SYNTHESIS_URL", ""),
		SynthesisAPIKey:       getEnv("SYNTHESIS_API_KEY", ""),
		TransportTimeout:      time.Duration(getEnvInt("TRANSPORT_TIMEOUT_SECONDS", 120)) * time.Second,
		SynthesisRPS:          getEnvFloat("SYNTHESIS_RPS", 0),
		SynthesisBurst:        getEnvInt("SYNTHESIS_BURST", 1),
		BatchConcurrency:      getEnvInt("BATCH_CONCURRENCY", 4),
		JobRetention:          time.Duration(getEnvInt("JOB_RETENTION_MINUTES", 60)) * time.Minute,
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "audiobooks"),
		TTSNarrator:           getEnv("TTS_NARRATOR", "mock"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 5),
		AudioTempDir:          getEnv("AUDIO_TEMP_DIR", os.TempDir()+"/voxbook"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	switch cfg.Transport {
	case TransportRedis:
	case TransportHTTP:
		if cfg.SynthesisURL == "" {
			return nil, fmt.Errorf("SYNTHESIS_URL is required when TRANSPORT=http")
		}
	default:
		return nil, fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportRedis, TransportHTTP, cfg.Transport)
	}

	if cfg.BatchConcurrency < 1 {
		return nil, fmt.Errorf("BATCH_CONCURRENCY must be at least 1")
	}
	if cfg.TransportTimeout <= 0 {
		return nil, fmt.Errorf("TRANSPORT_TIMEOUT_SECONDS must be positive")
	}

	if cfg.TTSNarrator == "elevenlabs" && cfg.ElevenLabsKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_NARRATOR=elevenlabs")
	}
	if cfg.TTSNarrator == "openai" && cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required when TTS_NARRATOR=openai")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
