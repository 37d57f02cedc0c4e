package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/chatsync/internal/auth"
	"github.com/christopherjohns/chatsync/internal/config"
	"github.com/christopherjohns/chatsync/internal/logging"
	"github.com/christopherjohns/chatsync/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHATSYNC_CONFIG"), "path to chatsync.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	if cfg.Server.JWTSecret == "" {
		logger.Error("server.jwt_secret (or CHATSYNC_JWT_SECRET) is required")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithRegistry(reg),
		server.WithAccounts(cfg.Server.Accounts),
		server.WithLoginLimit(cfg.Server.LoginLimit, cfg.Server.LoginWindow),
		server.WithRelayConfig(cfg.Relay),
		server.WithDebugRoutes(cfg.Server.DebugRoutes),
	}
	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close() //nolint:errcheck // exiting
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Error("connect to redis", "addr", cfg.Server.RedisAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis", "addr", cfg.Server.RedisAddr)
		opts = append(opts, server.WithRedis(rdb))
	}
	if len(cfg.Server.Accounts) == 0 {
		logger.Warn("no accounts configured; POST /auth/login will reject everyone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server.ListenAddr, auth.NewJWTService(cfg.Server.JWTSecret, cfg.Server.TokenTTL), opts...)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
