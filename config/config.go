// Package config loads the service's configuration from environment
// variables, following the teacher's getEnv/getEnvAsInt helper pattern
// with defaults baked in.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/arung-agamani/mediabot/internal/governor"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	// Transport
	TelegramBotToken    string
	TelegramBotUsername string

	// Storage / filesystem layout
	SQLitePath    string
	DownloadsRoot string
	CookieDir     string

	// Governor capacities (spec.md §4.F)
	DownloadSlots      int
	ConversionSlots    int
	OptimizationSlots  int
	TranscriptionSlots int

	// External oracle services (spec.md §6)
	STTEndpoint string
	STTToken    string
	LLMEndpoint string
	LLMToken    string
	LLMPrompt   string
	ProxyURL    string
	UseProxy    bool

	// Feature flags
	CleanupAfterUpload bool
	EnableRESTAPI      bool

	// Voice-batch aggregator (spec.md §4.I)
	VoiceBatchDebounce time.Duration
	VoiceBatchMaxSize  int

	// REST façade (spec.md §6 "HTTP REST surface")
	RESTAddr          string
	JWTSecret         string
	AdminUsername     string
	AdminPassword     string
	SessionCookieName string
	SessionTTL        time.Duration
}

// Load reads Config from the environment, applying defaults sane enough
// to run against a local ffmpeg/yt-dlp install with the REST façade off.
func Load() *Config {
	return &Config{
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotUsername: getEnv("TELEGRAM_BOT_USERNAME", ""),

		SQLitePath:    getEnv("SQLITE_PATH", "./data/mediabot.db"),
		DownloadsRoot: getEnv("DOWNLOADS_ROOT", "./downloads"),
		CookieDir:     getEnv("COOKIE_DIR", "./cookies"),

		DownloadSlots:      getEnvAsInt("DOWNLOAD_SLOTS", governor.DefaultDownloadCapacity),
		ConversionSlots:    getEnvAsInt("CONVERSION_SLOTS", governor.DefaultConversionCapacity),
		OptimizationSlots:  getEnvAsInt("OPTIMIZATION_SLOTS", governor.DefaultOptimizationCapacity),
		TranscriptionSlots: getEnvAsInt("TRANSCRIPTION_SLOTS", governor.DefaultTranscriptionCapacity),

		STTEndpoint: getEnv("STT_ENDPOINT", ""),
		STTToken:    getEnv("STT_TOKEN", ""),
		LLMEndpoint: getEnv("LLM_ENDPOINT", ""),
		LLMToken:    getEnv("LLM_TOKEN", ""),
		LLMPrompt:   getEnv("LLM_PROMPT", ""),
		ProxyURL:    getEnv("PROXY_URL", ""),
		UseProxy:    getEnvAsBool("USE_PROXY", false),

		CleanupAfterUpload: getEnvAsBool("CLEANUP_AFTER_UPLOAD", true),
		EnableRESTAPI:      getEnvAsBool("ENABLE_REST_API", false),

		VoiceBatchDebounce: getEnvAsMillis("VOICE_BATCH_DEBOUNCE_MS", 500),
		VoiceBatchMaxSize:  getEnvAsInt("VOICE_BATCH_MAX_SIZE", 50),

		RESTAddr:          getEnv("REST_ADDR", ":8080"),
		JWTSecret:         getEnv("JWT_SECRET", "change-me-in-production-please"),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", "change-me"),
		SessionCookieName: getEnv("SESSION_COOKIE_NAME", "mediabot_session"),
		SessionTTL:        getEnvAsMinutes("SESSION_TTL_MINUTES", 24*60),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

func getEnvAsMillis(name string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultMillis)) * time.Millisecond
}

func getEnvAsMinutes(name string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultMinutes)) * time.Minute
}
