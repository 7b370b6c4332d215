package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/config"
	"github.com/zhouzirui/medlink/backend/internal/events"
	"github.com/zhouzirui/medlink/backend/internal/handler"
	"github.com/zhouzirui/medlink/backend/internal/identity"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/assistant"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
	"github.com/zhouzirui/medlink/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg.Log)

	var redisClient redis.UniversalClient
	if cfg.Store.Driver == string(store.DriverRedis) || cfg.Events.Backend == string(events.BackendRedis) {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	sessions, err := openStore(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open session store")
	}
	defer sessions.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("session store ready")

	bus, err := openBus(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Events.Backend).Msg("failed to open event bus")
	}
	defer bus.Close()

	hub := realtime.NewHub(realtime.Options{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		ReadTimeout:    cfg.Realtime.ReadTimeout,
		PingInterval:   cfg.Realtime.PingInterval,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
	})

	opts := []escalation.Option{}
	if bus != nil {
		opts = append(opts, escalation.WithPublisher(bus))
		go func() {
			if err := events.RunAuditLog(ctx, bus); err != nil {
				log.Error().Err(err).Msg("audit log stopped")
			}
		}()
		log.Info().Str("backend", cfg.Events.Backend).Str("topic", bus.Topic()).Msg("event bus ready")
	} else {
		log.Info().Msg("事件总线已关闭，跳过生命周期事件发布")
	}

	router := escalation.NewRouter(sessions, assistant.New(assistant.Config{Greeting: cfg.Chat.Greeting}), hub, opts...)
	if err := router.Rebuild(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to rebuild escalation registry")
	}

	if cfg.Staff.Token == "" {
		log.Warn().Msg("STAFF_TOKEN 未配置，客服接口只校验 staffId")
	}

	httpHandler := handler.NewRouter(handler.Deps{
		Router:         router,
		Hub:            hub,
		Identities:     identity.NewHeaderResolver(cfg.Staff.Token),
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})

	startServer(ctx, cfg.Server, httpHandler, hub)
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(cfg.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openStore(cfg *config.Config, client redis.UniversalClient) (store.Store, error) {
	driver := store.Driver(cfg.Store.Driver)
	opts := []store.Option{}
	switch driver {
	case store.DriverSQLite:
		if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, pkgerrors.Wrap(err, "create sqlite directory")
			}
		}
		opts = append(opts, store.WithSQLitePath(cfg.Store.SQLitePath))
	case store.DriverRedis:
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, pkgerrors.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
		}
		opts = append(opts, store.WithRedisClient(client), store.WithRedisTTL(cfg.Store.RedisTTL))
	}
	return store.New(driver, opts...)
}

func openBus(cfg *config.Config, client redis.UniversalClient) (*events.Bus, error) {
	busCfg := events.Config{
		Backend: events.Backend(cfg.Events.Backend),
		Topic:   cfg.Events.Topic,
	}
	if busCfg.Backend == events.BackendRedis {
		if cfg.Events.RedisAddr != cfg.Redis.Addr {
			client = redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr, Password: cfg.Redis.Password})
		}
		busCfg.RedisClient = client
	}
	return events.NewBus(busCfg)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, hub *realtime.Hub) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// websocket 连接已被 hijack，Shutdown 不会等待它们
	srv.RegisterOnShutdown(hub.CloseAll)

	log.Info().Str("addr", addr).Msg("MedLink chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
