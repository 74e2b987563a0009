package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by CONDUCTOR_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("CONDUCTOR_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// StoreBackend returns "postgres" or "memory". Defaults to postgres when
// DATABASE_URL is set, memory otherwise.
func StoreBackend() string {
	b := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	if b != "" {
		return b
	}
	if DatabaseURL() != "" {
		return "postgres"
	}
	return "memory"
}

func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// RateLimitRPS returns the per-IP requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for per-IP rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	return positiveInt("RATE_LIMIT_BURST", 20)
}

// SubmitRatePerMinute is the job submission quota per caller.
func SubmitRatePerMinute() int {
	return positiveInt("SUBMIT_RATE_PER_MIN", 60)
}

func SubmitBurst() int {
	return positiveInt("SUBMIT_BURST", 10)
}

// WebhookSecret signs agent requests. Empty disables verification.
func WebhookSecret() string {
	return os.Getenv("WEBHOOK_SECRET")
}

// OperatorToken authorizes manual sweep triggers. Empty disables them.
func OperatorToken() string {
	return os.Getenv("OPERATOR_TOKEN")
}

func SweepInterval() time.Duration {
	return duration("SWEEP_INTERVAL", time.Minute)
}

func CleanupInterval() time.Duration {
	return duration("CLEANUP_INTERVAL", time.Hour)
}

// ArtifactBackend returns "signed" (default) or "minio".
func ArtifactBackend() string {
	b := strings.ToLower(strings.TrimSpace(os.Getenv("ARTIFACT_BACKEND")))
	if b == "" {
		return "signed"
	}
	return b
}

func ArtifactBaseURL() string {
	u := os.Getenv("ARTIFACT_BASE_URL")
	if u == "" {
		return fmt.Sprintf("http://localhost:%d/files", ServerPort())
	}
	return u
}

// ArtifactSigningSecret falls back to the webhook secret.
func ArtifactSigningSecret() string {
	if s := os.Getenv("ARTIFACT_SIGNING_SECRET"); s != "" {
		return s
	}
	return WebhookSecret()
}

func MinioEndpoint() string  { return os.Getenv("MINIO_ENDPOINT") }
func MinioAccessKey() string { return os.Getenv("MINIO_ACCESS_KEY") }
func MinioSecretKey() string { return os.Getenv("MINIO_SECRET_KEY") }
func MinioBucket() string    { return os.Getenv("MINIO_BUCKET") }
func MinioRegion() string    { return os.Getenv("MINIO_REGION") }

func MinioUseSSL() bool {
	v, err := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	return err == nil && v
}

// OTelExporter returns none, stdout or otlphttp. Defaults to none.
func OTelExporter() string {
	e := os.Getenv("OTEL_EXPORTER")
	if e == "" {
		return "none"
	}
	return e
}

func OTelEndpoint() string {
	return os.Getenv("OTEL_ENDPOINT")
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
