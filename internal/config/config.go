package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Redis    RedisConfig
	Chat     ChatConfig
	Realtime RealtimeConfig
	Staff    StaffConfig
	Events   EventsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	rt, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	events, err := loadEventsConfig(redis)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Store: store,
		Redis: redis,
		Chat: ChatConfig{
			Greeting: strings.TrimSpace(os.Getenv("CHAT_GREETING")),
		},
		Realtime: rt,
		Staff: StaffConfig{
			Token: strings.TrimSpace(os.Getenv("STAFF_TOKEN")),
		},
		Events: events,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, errors.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 控制 zerolog 输出。
type LogConfig struct {
	Level  string
	Format string // json | console
}

// StoreConfig 选择会话存储驱动。
type StoreConfig struct {
	Driver     string
	SQLitePath string
	RedisTTL   time.Duration
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("CHAT_STORE", "memory"))
	switch driver {
	case "memory", "sqlite", "redis":
	default:
		return StoreConfig{}, errors.Errorf("invalid CHAT_STORE value %q: want memory, sqlite or redis", driver)
	}

	ttl, err := parseDurationEnv("CHAT_REDIS_TTL", 0)
	if err != nil {
		return StoreConfig{}, err
	}

	return StoreConfig{
		Driver:     driver,
		SQLitePath: getEnvOrDefault("CHAT_SQLITE_PATH", "data/chat.db"),
		RedisTTL:   ttl,
	}, nil
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func loadRedisConfig() (RedisConfig, error) {
	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return RedisConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return RedisConfig{}, errors.Errorf("invalid REDIS_DB value %d", *override)
		}
		db = *override
	}

	return RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// ChatConfig 配置自动应答。
type ChatConfig struct {
	Greeting string
}

// RealtimeConfig 配置 websocket 连接。
type RealtimeConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	buffer := 64
	if override, err := parseOptionalIntEnv("CHAT_SEND_BUFFER"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil {
		if *override < 1 {
			buffer = 1
		} else {
			buffer = *override
		}
	}

	writeTimeout, err := parseDurationEnv("CHAT_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	readTimeout, err := parseDurationEnv("CHAT_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	ping, err := parseDurationEnv("CHAT_PING_INTERVAL", 54*time.Second)
	if err != nil {
		return RealtimeConfig{}, err
	}
	maxMessage := int64(32 << 10)
	if override, err := parseOptionalIntEnv("CHAT_MAX_MESSAGE_BYTES"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return RealtimeConfig{}, errors.Errorf("CHAT_MAX_MESSAGE_BYTES must be positive, got %d", *override)
		}
		maxMessage = int64(*override)
	}
	// ping 必须早于读超时，否则空闲连接会被误判断开
	if readTimeout > 0 && ping >= readTimeout {
		return RealtimeConfig{}, errors.Errorf("CHAT_PING_INTERVAL (%s) must be shorter than CHAT_READ_TIMEOUT (%s)", ping, readTimeout)
	}

	return RealtimeConfig{
		SendBuffer:     buffer,
		WriteTimeout:   writeTimeout,
		ReadTimeout:    readTimeout,
		PingInterval:   ping,
		MaxMessageSize: maxMessage,
		AllowedOrigins: splitList(os.Getenv("CHAT_ALLOWED_ORIGINS")),
	}, nil
}

// StaffConfig 描述客服端鉴权。Token 为空时不校验。
type StaffConfig struct {
	Token string
}

// EventsConfig 选择生命周期事件总线。
type EventsConfig struct {
	Backend   string
	Topic     string
	RedisAddr string
}

func loadEventsConfig(redis RedisConfig) (EventsConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("EVENTS_BACKEND", "gochannel"))
	switch backend {
	case "none", "gochannel", "redis":
	default:
		return EventsConfig{}, errors.Errorf("invalid EVENTS_BACKEND value %q: want none, gochannel or redis", backend)
	}

	return EventsConfig{
		Backend:   backend,
		Topic:     getEnvOrDefault("EVENTS_TOPIC", "chat.escalations"),
		RedisAddr: getEnvOrDefault("EVENTS_REDIS_ADDR", redis.Addr),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s value %q", key, value)
	}
	return &val, nil
}

// parseDurationEnv 接受 "30s" 这类写法，也接受纯数字（按秒计）。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, errors.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s value %q", key, raw)
	}
	if val < 0 {
		return 0, errors.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
