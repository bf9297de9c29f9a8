package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the service. It is loaded
// once at startup and passed explicitly to every component; nothing reads
// the environment at call sites.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DatabaseDSN selects the job record store. A postgres:// DSN uses the
	// pgx driver; anything else is treated as a SQLite file path.
	DatabaseDSN string

	StorageRoot  string
	IncomingDir  string
	ProcessedDir string
	FailedDir    string

	MaxConcurrentJobs  int
	MaxRetries         int
	RetryInitialDelay  time.Duration
	RetryBackoffFactor float64
	ConvertTimeout     time.Duration

	PollingInterval time.Duration
	EnableScheduler bool

	JournalPageSize int
	MaxUploadBytes  int64

	RateLimitCapacity int
	RateLimitRefill   float64

	MirrorS3Bucket    string
	MirrorS3Region    string
	MirrorS3Endpoint  string
	MirrorS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DatabaseDSN: getEnv("DATABASE_DSN", "fns.db"),

		StorageRoot:  getEnv("STORAGE_ROOT", "./storage"),
		IncomingDir:  getEnv("INCOMING_DIR", "incoming"),
		ProcessedDir: getEnv("PROCESSED_DIR", "processed"),
		FailedDir:    getEnv("FAILED_DIR", "failed_conversions"),

		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 4),
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		RetryInitialDelay:  getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
		RetryBackoffFactor: getEnvFloat("RETRY_BACKOFF_FACTOR", 2.0),
		ConvertTimeout:     getEnvDuration("CONVERT_TIMEOUT", 2*time.Minute),

		PollingInterval: getEnvDuration("POLLING_INTERVAL", 5*time.Minute),
		EnableScheduler: getEnvBool("ENABLE_SCHEDULER", true),

		JournalPageSize: getEnvInt("JOURNAL_PAGE_SIZE", 200),
		MaxUploadBytes:  getEnvInt64("MAX_UPLOAD_BYTES", 25*1024*1024),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		MirrorS3Bucket:    getEnv("MIRROR_S3_BUCKET", ""),
		MirrorS3Region:    getEnv("MIRROR_S3_REGION", "us-east-1"),
		MirrorS3Endpoint:  getEnv("MIRROR_S3_ENDPOINT", ""),
		MirrorS3PathStyle: getEnvBool("MIRROR_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "yes", "on", "TRUE", "True":
			return true
		case "0", "false", "no", "off", "FALSE", "False":
			return false
		}
	}
	return def
}
