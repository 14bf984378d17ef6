package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating admin requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	BaseURL            string // Public base URL of this service (used in customer-facing links)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// S3 object storage
	AWSRegion string
	S3Bucket  string

	// Runway (preferred image-to-video provider)
	RunwayAPIKey  string
	RunwayBaseURL string // Empty = production endpoint

	// Veo (legacy image-to-video provider — used when Runway key is not set)
	VeoEnabled bool   // Feature flag: when true and Runway is unconfigured, clips are generated via Veo
	VeoModel   string // Veo model identifier (default: veo-3.1-generate-preview)
	GeminiKey  string // Gemini API key (Veo uses the same key)

	// Solapi SMS (customer notifications)
	SolapiAPIKey    string
	SolapiAPISecret string
	SolapiSender    string

	// Slack (operator alerts)
	SlackWebhookURL string

	// PortOne (payment verification)
	PortOneAPISecret string

	// Worker
	MaxConcurrentOrders int // Order lane width — how many orders render at once
	MaxConcurrentClips  int // Clip lane width — concurrent generation calls across all orders
	OrderQueueCapacity  int // Redis queue depth before new orders are rejected

	// Assembly
	WorkDir  string // Root for per-order ffmpeg working directories
	BGMDir   string // Bundled background music tracks
	FontPath string // Bundled intro title font (empty = system fonts)
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		BaseURL:            getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		AWSRegion:          getEnv("AWS_REGION", "ap-northeast-2"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		RunwayAPIKey:       getEnv("RUNWAY_API_KEY", ""),
		RunwayBaseURL:      getEnv("RUNWAY_BASE_URL", ""),
		VeoEnabled:         getEnvBool("VEO_ENABLED", false),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		SolapiAPIKey:       getEnv("SOLAPI_API_KEY", ""),
		SolapiAPISecret:    getEnv("SOLAPI_API_SECRET", ""),
		SolapiSender:       getEnv("SOLAPI_SENDER", ""),
		SlackWebhookURL:    getEnv("SLACK_WEBHOOK_URL", ""),
		PortOneAPISecret:   getEnv("PORTONE_API_SECRET", ""),
		MaxConcurrentOrders: getEnvInt("MAX_CONCURRENT_ORDERS", 1),
		MaxConcurrentClips:  getEnvInt("MAX_CONCURRENT_CLIPS", 4),
		OrderQueueCapacity:  getEnvInt("ORDER_QUEUE_CAPACITY", 20),
		WorkDir:             getEnv("WORK_DIR", "/tmp/keepsake"),
		BGMDir:              getEnv("BGM_DIR", "assets/bgm"),
		FontPath:            getEnv("FONT_PATH", "assets/fonts/NanumGothicBold.ttf"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}

	// At least one generation provider must be configured
	if cfg.RunwayAPIKey == "" && !(cfg.VeoEnabled && cfg.GeminiKey != "") {
		return nil, fmt.Errorf("either RUNWAY_API_KEY or VEO_ENABLED with GEMINI_API_KEY is required for clip generation")
	}

	if cfg.MaxConcurrentOrders < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_ORDERS must be at least 1")
	}

	if cfg.MaxConcurrentClips < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CLIPS must be at least 1")
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
