package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-group-chat/internal"
	"github.com/koopa0/system-design/14-group-chat/internal/auth"
	"github.com/koopa0/system-design/14-group-chat/internal/auth/migrations"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（YAML）")
		addr       = flag.String("addr", "", "聊天服務監聽位址，覆蓋配置檔")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	log, closer, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 憑證後端
	store, release, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release.Close()

	srv := internal.NewServer(cfg.ServerConfig(), store, log.With("component", "server"))

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	// 運維用 HTTP（健康檢查、統計、WebSocket）
	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		gateway := internal.NewWebSocketGateway(srv, log.With("component", "websocket"))
		handler := internal.NewHandler(srv, gateway, log.With("component", "http"))
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			log.Info("http server started", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", "error", err)
				stop()
			}
		}()
	}

	serveErr := srv.Serve(ctx, ln)

	log.Info("shutdown signal received, stopping")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
		}
	}

	log.Info("server stopped")
	return serveErr
}

// newAuthenticator 依配置建立憑證後端，回傳的 io.Closer 釋放連線池
func newAuthenticator(ctx context.Context, cfg *internal.Config, log *slog.Logger) (internal.Authenticator, io.Closer, error) {
	authLog := log.With("component", "auth", "backend", cfg.Auth.Backend)

	switch cfg.Auth.Backend {
	case "postgres":
		dsn := cfg.PostgresURL()

		// 執行資料庫遷移
		m, err := migrations.New(dsn, authLog)
		if err != nil {
			return nil, nil, err
		}
		if err := m.Up(); err != nil {
			_ = m.Close()
			return nil, nil, err
		}
		if err := m.Close(); err != nil {
			authLog.Warn("close migrator failed", "error", err)
		}

		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		authLog.Info("credential store ready")
		return auth.NewPostgresStore(pool, cfg.Auth.BcryptCost, authLog), closerFunc(func() error {
			pool.Close()
			return nil
		}), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		authLog.Info("credential store ready", "addr", cfg.Redis.Addr)
		return auth.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Auth.BcryptCost, authLog), client, nil

	default:
		store, err := auth.NewMemoryStore(cfg.Auth.BcryptCost, cfg.Auth.SeedUsers, authLog)
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
