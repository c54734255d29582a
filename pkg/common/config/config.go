package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	APIToken       string
	APIRateLimit   float64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	// Kafka
	KafkaBrokers       []string
	KafkaGroupID       string
	EventsChangedTopic string
	EventsDLQTopic     string

	// City
	CityTimezone    string
	DefaultCurrency string
	BoundariesFile  string
	SourcesFile     string
	CategoriesFile  string

	// Import runs
	RunDeadline          time.Duration
	StaleJobAfter        time.Duration
	MaxConcurrentSources int
	MaxPages             int
	FetchWindow          time.Duration
	UnhealthyAfter       int
	SecondaryGrace       time.Duration
	HTTPTimeout          time.Duration
	AdapterRPS           float64

	// Dedup
	DedupTitleThreshold float64
	DedupTimeTolerance  time.Duration
	DedupLockTTL        time.Duration

	// Geocoder
	GeocoderBaseURL   string
	GeocoderUserAgent string
	GeocoderRPS       float64
	GeocodeCacheTTL   time.Duration

	// Classifier (LLM)
	LLMAPIKey            string
	LLMBaseURL           string
	LLMModelName         string
	ClassifierTimeout    time.Duration
	ClassifierMaxWorkers int

	// Notifications
	FavoriteSimilarityThreshold float64
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 15*time.Minute),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 64*1024)),
		APIToken:       getEnv("API_TOKEN", ""),
		APIRateLimit:   getFloatEnv("API_RATE_LIMIT", 5),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "citypulse"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "citypulse"),
		PostgresDB:       getEnv("POSTGRES_DB", "citypulse"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisEnabled:  getBoolEnv("REDIS_ENABLED", true),

		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "citypulse-enrichment"),
		EventsChangedTopic: getEnv("EVENTS_CHANGED_TOPIC", "catalog.events.changed"),
		EventsDLQTopic:     getEnv("EVENTS_DLQ_TOPIC", ""),

		CityTimezone:    getEnv("CITY_TIMEZONE", "Europe/Paris"),
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "EUR"),
		BoundariesFile:  getEnv("BOUNDARIES_FILE", "data/neighborhoods.geojson"),
		SourcesFile:     getEnv("SOURCES_FILE", ""),
		CategoriesFile:  getEnv("CATEGORIES_FILE", ""),

		RunDeadline:          getDuration("RUN_DEADLINE", 10*time.Minute),
		StaleJobAfter:        getDuration("STALE_JOB_AFTER", 2*time.Hour),
		MaxConcurrentSources: getIntEnv("MAX_CONCURRENT_SOURCES", 4),
		MaxPages:             getIntEnv("MAX_PAGES", 5),
		FetchWindow:          getDuration("FETCH_WINDOW", 60*24*time.Hour),
		UnhealthyAfter:       getIntEnv("UNHEALTHY_AFTER", 3),
		SecondaryGrace:       getDuration("SECONDARY_SEEN_GRACE", 24*time.Hour),
		HTTPTimeout:          getDuration("HTTP_TIMEOUT", 20*time.Second),
		AdapterRPS:           getFloatEnv("ADAPTER_RPS", 2),

		DedupTitleThreshold: getFloatEnv("DEDUP_TITLE_THRESHOLD", 0.88),
		DedupTimeTolerance:  getDuration("DEDUP_TIME_TOLERANCE", 2*time.Hour),
		DedupLockTTL:        getDuration("DEDUP_LOCK_TTL", 30*time.Second),

		GeocoderBaseURL:   getEnv("GEOCODER_BASE_URL", "https://nominatim.openstreetmap.org"),
		GeocoderUserAgent: getEnv("GEOCODER_USER_AGENT", "citypulse-importer/1.0"),
		GeocoderRPS:       getFloatEnv("GEOCODER_RPS", 1),
		GeocodeCacheTTL:   getDuration("GEOCODE_CACHE_TTL", 30*24*time.Hour),

		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		LLMBaseURL:           getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModelName:         getEnv("LLM_MODEL_NAME", "gpt-4o-mini"),
		ClassifierTimeout:    getDuration("CLASSIFIER_TIMEOUT", 15*time.Second),
		ClassifierMaxWorkers: getIntEnv("CLASSIFIER_MAX_WORKERS", 4),

		FavoriteSimilarityThreshold: getFloatEnv("FAVORITE_SIMILARITY_THRESHOLD", 0.25),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
