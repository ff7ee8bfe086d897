package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ServerPort string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string

	StoreDriver string // postgres | memory
	ChangeFeed  string // memory | postgres | redis

	RedisAddr     string
	RedisPassword string

	AWSRegion         string
	SQSExpiryQueueURL string
	IoTEndpoint       string

	JWTSecret string
	LogLevel  string

	BookingExpiryWindow time.Duration
	StudentDailyRate    float64
	GuestHourlyRate     float64
	GuestFreeWindow     time.Duration
	ConflictRetries     int

	SweepInterval   time.Duration
	HubQueryTimeout time.Duration
	HubPollInterval time.Duration
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "parking"),
		DBPassword: getEnv("DB_PASSWORD", "parking"),
		DBName:     getEnv("DB_NAME", "campus_parking"),
		DBSslMode:  getEnv("DB_SSLMODE", "disable"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		ChangeFeed:  getEnv("CHANGE_FEED", "postgres"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		SQSExpiryQueueURL: getEnv("SQS_EXPIRY_QUEUE_URL", ""),
		IoTEndpoint:       getEnv("IOT_ENDPOINT", ""),

		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		BookingExpiryWindow: getDuration("BOOKING_EXPIRY_WINDOW", 5*time.Minute),
		StudentDailyRate:    getFloat("STUDENT_DAILY_RATE", 200),
		GuestHourlyRate:     getFloat("GUEST_HOURLY_RATE", 50),
		GuestFreeWindow:     time.Duration(getInt("GUEST_FREE_MINUTES", 30)) * time.Minute,
		ConflictRetries:     getInt("CONFLICT_RETRIES", 3),

		SweepInterval:   getDuration("SWEEP_INTERVAL", time.Minute),
		HubQueryTimeout: getDuration("HUB_QUERY_TIMEOUT", 5*time.Second),
		HubPollInterval: getDuration("HUB_POLL_INTERVAL", 10*time.Second),
	}
}

// DSN is the libpq connection string for the configured database.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSslMode)
}

func getEnv(key string, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Debug().Str("key", key).Str("default", fallback).Msg("environment variable not set, using default")
	return fallback
}

func getInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Warn().Str("key", key).Str("value", raw).Int("default", fallback).Msg("invalid integer, using default")
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		log.Warn().Str("key", key).Str("value", raw).Float64("default", fallback).Msg("invalid number, using default")
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Dur("default", fallback).Msg("invalid duration, using default")
		return fallback
	}
	return v
}
