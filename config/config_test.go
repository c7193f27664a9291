package config

import (
	"chatroom-server/core"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":3002" {
		t.Errorf("ListenAddr = %q, want :3002", cfg.ListenAddr)
	}
	if cfg.HistoryLimit != core.DefaultHistoryLimit {
		t.Errorf("HistoryLimit = %d, want %d", cfg.HistoryLimit, core.DefaultHistoryLimit)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Auth.Mode != "jwt" {
		t.Errorf("Auth.Mode = %q, want jwt", cfg.Auth.Mode)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000, https://chat.example.com ,")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("HISTORY_LIMIT", "25")
	t.Setenv("SHUTDOWN_TIMEOUT", "5")
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("DATA_SOURCE_NAME", "/tmp/chat.db")
	t.Setenv("MEMBERSHIP_STORE", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("FILE_STORE", "s3")
	t.Setenv("S3_BUCKET_NAME", "uploads")
	t.Setenv("AUTH_MODE", "header")

	cfg := FromEnv()

	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://chat.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.HistoryLimit != 25 {
		t.Errorf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.DataSourceName != "/tmp/chat.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Membership.Type != "redis" || cfg.Membership.RedisDB != 3 {
		t.Errorf("Membership = %+v", cfg.Membership)
	}
	if cfg.Files.Type != "s3" || cfg.Files.S3Bucket != "uploads" {
		t.Errorf("Files = %+v", cfg.Files)
	}
	if cfg.Auth.Mode != "header" {
		t.Errorf("Auth.Mode = %q", cfg.Auth.Mode)
	}
}

func TestFromEnv_InvalidNumbersKeepDefaults(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "negative history", key: "HISTORY_LIMIT", value: "-1"},
		{name: "garbage history", key: "HISTORY_LIMIT", value: "ten"},
		{name: "zero send buffer", key: "SEND_BUFFER", value: "0"},
		{name: "garbage message size", key: "MAX_MESSAGE_SIZE", value: "big"},
	}

	want := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := FromEnv()
			if cfg.HistoryLimit != want.HistoryLimit || cfg.SendBuffer != want.SendBuffer || cfg.MaxMessageSize != want.MaxMessageSize {
				t.Errorf("FromEnv() with %s=%q = %+v, want defaults", tt.key, tt.value, cfg)
			}
		})
	}
}
