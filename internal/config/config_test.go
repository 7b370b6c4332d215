package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "CHAT_STORE", "CHAT_REDIS_TTL", "REDIS_DB", "CHAT_SEND_BUFFER",
		"CHAT_WRITE_TIMEOUT", "CHAT_READ_TIMEOUT", "CHAT_PING_INTERVAL", "CHAT_ALLOWED_ORIGINS",
		"EVENTS_BACKEND", "EVENTS_TOPIC", "EVENTS_REDIS_ADDR", "REDIS_ADDR", "STAFF_TOKEN",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.Store.Driver)
	}
	if cfg.Realtime.SendBuffer != 64 || cfg.Realtime.ReadTimeout != 60*time.Second || cfg.Realtime.PingInterval != 54*time.Second {
		t.Fatalf("unexpected realtime defaults: %+v", cfg.Realtime)
	}
	if cfg.Realtime.MaxMessageSize != 32<<10 {
		t.Fatalf("expected 32KiB message limit, got %d", cfg.Realtime.MaxMessageSize)
	}
	if cfg.Events.Backend != "gochannel" || cfg.Events.Topic != "chat.escalations" {
		t.Fatalf("unexpected events defaults: %+v", cfg.Events)
	}
	if cfg.Events.RedisAddr != cfg.Redis.Addr {
		t.Fatalf("events redis addr should default to REDIS_ADDR, got %q", cfg.Events.RedisAddr)
	}
	if len(cfg.Realtime.AllowedOrigins) != 0 {
		t.Fatalf("expected no allowed origins, got %v", cfg.Realtime.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("CHAT_STORE", "SQLite")
	t.Setenv("CHAT_SQLITE_PATH", "/tmp/chat.db")
	t.Setenv("CHAT_REDIS_TTL", "72h")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CHAT_SEND_BUFFER", "0")
	t.Setenv("CHAT_READ_TIMEOUT", "30")
	t.Setenv("CHAT_PING_INTERVAL", "20s")
	t.Setenv("CHAT_MAX_MESSAGE_BYTES", "4096")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "https://hospital.example, ,https://portal.example")
	t.Setenv("EVENTS_BACKEND", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/tmp/chat.db" || cfg.Store.RedisTTL != 72*time.Hour {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.Redis.DB)
	}
	if cfg.Realtime.SendBuffer != 1 {
		t.Fatalf("send buffer should be clamped to 1, got %d", cfg.Realtime.SendBuffer)
	}
	if cfg.Realtime.ReadTimeout != 30*time.Second || cfg.Realtime.PingInterval != 20*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Realtime)
	}
	if cfg.Realtime.MaxMessageSize != 4096 {
		t.Fatalf("expected message limit 4096, got %d", cfg.Realtime.MaxMessageSize)
	}
	if got := cfg.Realtime.AllowedOrigins; len(got) != 2 || got[1] != "https://portal.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if cfg.Events.Backend != "none" {
		t.Fatalf("unexpected events backend %q", cfg.Events.Backend)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":               "80 80",
		"CHAT_STORE":         "postgres",
		"REDIS_DB":           "-1",
		"CHAT_SEND_BUFFER":   "lots",
		"CHAT_WRITE_TIMEOUT": "soon",
		"EVENTS_BACKEND":     "kafka",
		"CHAT_PING_INTERVAL": "90s",

		"CHAT_MAX_MESSAGE_BYTES": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}
