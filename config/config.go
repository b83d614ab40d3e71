package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configs
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string

	// Gateway credentials
	StripeSecretKey       string
	StripeWebhookSecret   string
	PaystackSecretKey     string
	FlutterwaveSecretKey  string
	FlutterwaveWebhookKey string

	// Payment lifecycle
	PaymentExpiry  time.Duration
	GatewayTimeout time.Duration

	// Delivery
	FilesDir          string
	DownloadTokenTTL  time.Duration
	MaxDownloads      int
	DownloadStallTime time.Duration

	// Notifications
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	BaseURL      string

	// Infrastructure
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
	JWTSecret    string

	CorsAllowedOrigins []string
}

// Load initializes configuration from environment variables and .env file
func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: mustGetEnv("DATABASE_URL"),

		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		PaystackSecretKey:     getEnv("PAYSTACK_SECRET_KEY", ""),
		FlutterwaveSecretKey:  getEnv("FLUTTERWAVE_SECRET_KEY", ""),
		FlutterwaveWebhookKey: getEnv("FLUTTERWAVE_WEBHOOK_KEY", ""),

		PaymentExpiry:  getDurationEnv("PAYMENT_EXPIRY", 30*time.Minute),
		GatewayTimeout: getDurationEnv("GATEWAY_TIMEOUT", 15*time.Second),

		FilesDir:          getEnv("FILES_DIR", "./files"),
		DownloadTokenTTL:  getDurationEnv("DOWNLOAD_TOKEN_TTL", 7*24*time.Hour),
		MaxDownloads:      getIntEnv("MAX_DOWNLOADS", 3),
		DownloadStallTime: getDurationEnv("DOWNLOAD_STALL_TIME", 15*time.Minute),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "orders@quillshelf.com"),
		FromName:     getEnv("FROM_NAME", "Quillshelf"),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),

		RedisAddr:  getEnv("REDIS_ADDR", ""),
		KafkaTopic: getEnv("KAFKA_TOPIC", "bookpay.notifications"),
		JWTSecret:  getEnv("JWT_SECRET", ""),
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		config.KafkaBrokers = strings.Split(brokers, ",")
	}

	// Parse CORS allowed origins
	corsOrigins := getEnv("CORS_ALLOWED_ORIGINS", "")
	if corsOrigins != "" {
		config.CorsAllowedOrigins = strings.Split(corsOrigins, ",")
	} else {
		config.CorsAllowedOrigins = []string{"*"}
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// mustGetEnv gets an environment variable or panics if it's not set
func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("Required environment variable not set: %s", key)
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("Invalid integer for %s: %q", key, value)
	}
	return n
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("Invalid duration for %s: %q", key, value)
	}
	return d
}
