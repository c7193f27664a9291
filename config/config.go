// Package config loads runtime settings from defaults, an optional .env file
// and the process environment.
package config

import (
	"chatroom-server/core"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type (
	StorageConfig struct {
		Type           string
		DataSourceName string
		PostgresURL    string
	}

	MembershipConfig struct {
		Type          string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		RedisPrefix   string
	}

	FilesConfig struct {
		Type      string
		LocalPath string
		MediaURL  string
		S3Bucket  string
		S3URL     string
	}

	AuthConfig struct {
		Mode      string
		JWTSecret string
		Header    string
	}

	// Config holds every setting of the chat server.
	Config struct {
		ListenAddr      string
		LogLevel        string
		AllowedOrigins  []string
		MaxMessageSize  int64
		HistoryLimit    int
		SendBuffer      int
		ShutdownTimeout time.Duration

		Storage    StorageConfig
		Membership MembershipConfig
		Files      FilesConfig
		Auth       AuthConfig
	}
)

func Default() Config {
	return Config{
		ListenAddr:      ":3002",
		LogLevel:        "info",
		MaxMessageSize:  64 * 1024,
		HistoryLimit:    core.DefaultHistoryLimit,
		SendBuffer:      256,
		ShutdownTimeout: 30 * time.Second,
		Storage: StorageConfig{
			Type:           "memory",
			DataSourceName: "chat.db",
		},
		Membership: MembershipConfig{
			RedisAddr:   "localhost:6379",
			RedisPrefix: "chat:",
		},
		Files: FilesConfig{
			Type:      "filesystem",
			LocalPath: "./media",
			MediaURL:  "/media/",
		},
		Auth: AuthConfig{
			Mode:   "jwt",
			Header: "X-Forwarded-User",
		},
	}
}

// Load reads a .env file when present and then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}
	return FromEnv()
}

// FromEnv overlays environment variables on the defaults. Malformed or
// non-positive numbers keep the default.
func FromEnv() Config {
	cfg := Default()

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if size := os.Getenv("MAX_MESSAGE_SIZE"); size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil && parsed > 0 {
			cfg.MaxMessageSize = parsed
		}
	}
	setInt(&cfg.HistoryLimit, "HISTORY_LIMIT")
	setInt(&cfg.SendBuffer, "SEND_BUFFER")
	if seconds := parseInt(os.Getenv("SHUTDOWN_TIMEOUT"), 0); seconds > 0 {
		cfg.ShutdownTimeout = time.Duration(seconds) * time.Second
	}

	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.DataSourceName, "DATA_SOURCE_NAME")
	setString(&cfg.Storage.PostgresURL, "POSTGRES_URL")

	setString(&cfg.Membership.Type, "MEMBERSHIP_STORE")
	setString(&cfg.Membership.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Membership.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.Membership.RedisPrefix, "REDIS_PREFIX")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if parsed, err := strconv.Atoi(db); err == nil && parsed >= 0 {
			cfg.Membership.RedisDB = parsed
		}
	}

	setString(&cfg.Files.Type, "FILE_STORE")
	setString(&cfg.Files.LocalPath, "LOCAL_STORAGE_PATH")
	setString(&cfg.Files.MediaURL, "MEDIA_URL")
	setString(&cfg.Files.S3Bucket, "S3_BUCKET_NAME")
	setString(&cfg.Files.S3URL, "S3_PUBLIC_URL")

	setString(&cfg.Auth.Mode, "AUTH_MODE")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.Header, "AUTH_HEADER")

	return cfg
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	*dst = parseInt(os.Getenv(key), *dst)
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
