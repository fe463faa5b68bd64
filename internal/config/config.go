package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Speech recognition backend (WebSocket streaming).
	RecognizerURL string
	RecognizerKey string

	// Speech synthesis backends.
	DeepgramKey     string
	DeepgramModel   string
	ElevenLabsKey   string
	ElevenLabsVoice string

	// LLM backend (OpenAI-compatible chat completions).
	LLMBaseURL string
	LLMKey     string
	LLMModel   string

	// Catalog source: either a local YAML file or a read-only HTTP API.
	CatalogFile string
	CatalogURL  string

	// Audio cache storage (Supabase storage API).
	StorageURL    string
	StorageKey    string
	StorageBucket string

	// Webhook signature secret for /hooks endpoints.
	WebhookSecret string

	// Dialogue behaviour.
	DefaultLanguage string
	ResponseTimeout time.Duration
	MaxStepRetries  int
	IntentThreshold float64

	FFmpegPath string
}

// Load reads environment variables and returns Config with sane defaults.
func Load(log *zap.Logger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", zap.Error(err))
	}

	cfg := Config{
		HTTPAddress:     getenv("HTTP_ADDRESS", ":8080"),
		RecognizerURL:   getenv("RECOGNIZER_URL", "wss://streaming.assemblyai.com/v3/ws"),
		RecognizerKey:   os.Getenv("RECOGNIZER_API_KEY"),
		DeepgramKey:     os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:   getenv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:   os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoice: os.Getenv("ELEVENLABS_VOICE_ID"),
		LLMBaseURL:      getenv("LLM_BASE_URL", "https://api.cerebras.ai/v1"),
		LLMKey:          os.Getenv("LLM_API_KEY"),
		LLMModel:        getenv("LLM_MODEL_ID", "gpt-oss-120b"),
		CatalogFile:     os.Getenv("CATALOG_FILE"),
		CatalogURL:      os.Getenv("CATALOG_URL"),
		StorageURL:      os.Getenv("SUPABASE_URL"),
		StorageKey:      os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		StorageBucket:   getenv("SUPABASE_BUCKET", "aiva-audio"),
		WebhookSecret:   os.Getenv("WEBHOOK_AUTH_TOKEN"),
		DefaultLanguage: getenv("DEFAULT_LANGUAGE", "en"),
		ResponseTimeout: getdur("RESPONSE_TIMEOUT", 15*time.Second),
		MaxStepRetries:  getint("MAX_STEP_RETRIES", 3),
		IntentThreshold: getfloat("INTENT_CONFIDENCE_THRESHOLD", 0.6),
		FFmpegPath:      getenv("FFMPEG_PATH", "ffmpeg"),
	}

	if cfg.RecognizerKey == "" {
		log.Warn("RECOGNIZER_API_KEY not set - speech recognition will not work")
	}
	if cfg.LLMKey == "" {
		log.Warn("LLM_API_KEY not set - classification degrades to keyword matching")
	}
	if cfg.DeepgramKey == "" && cfg.ElevenLabsKey == "" {
		log.Warn("no synthesis API key set - prompts without cached audio will be silent")
	}

	log.Info("config loaded",
		zap.String("http_address", cfg.HTTPAddress),
		zap.String("default_language", cfg.DefaultLanguage))
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
