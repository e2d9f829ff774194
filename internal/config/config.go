package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects everything the server reads from the environment. Load a
// .env first (godotenv in main) so local development works without exports.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	// 32-byte keys, base64 or raw; validated by the crypto layer.
	EncryptionKey string
	BlindIndexKey string

	UpstreamBaseURL      string
	UpstreamImageBaseURL string
	UpstreamTimeout      time.Duration
	UpstreamMaxAttempts  int
	UpstreamBaseDelay    time.Duration
	UpstreamMaxDelay     time.Duration

	SyncInterval    time.Duration
	SyncWorkers     int
	SyncOnStartup   bool
	ImageMaxBytes   int64
	ShortContentLen int
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// FromEnv builds a Config with sane defaults for everything except secrets.
func FromEnv() Config {
	return Config{
		Port:          getenv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		BlindIndexKey: os.Getenv("BLIND_INDEX_KEY"),

		UpstreamBaseURL:      getenv("UPSTREAM_BASE_URL", "https://nideriji.cn"),
		UpstreamImageBaseURL: getenv("UPSTREAM_IMAGE_BASE_URL", "https://f.nideriji.cn"),
		UpstreamTimeout:      time.Duration(getenvInt("UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second,
		UpstreamMaxAttempts:  getenvInt("UPSTREAM_MAX_ATTEMPTS", 4),
		UpstreamBaseDelay:    time.Duration(getenvInt("UPSTREAM_BASE_DELAY_MS", 500)) * time.Millisecond,
		UpstreamMaxDelay:     time.Duration(getenvInt("UPSTREAM_MAX_DELAY_MS", 5000)) * time.Millisecond,

		SyncInterval:    time.Duration(getenvInt("SYNC_INTERVAL_MINUTES", 20)) * time.Minute,
		SyncWorkers:     getenvInt("SYNC_WORKERS", 4),
		SyncOnStartup:   getenvBool("SYNC_ON_STARTUP", false),
		ImageMaxBytes:   int64(getenvInt("IMAGE_MAX_BYTES", 10*1024*1024)),
		ShortContentLen: getenvInt("SHORT_CONTENT_LEN", 100),
	}
}
