package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codepair/gateway/api"
	"github.com/codepair/gateway/auth"
	"github.com/codepair/gateway/internal/bus"
	"github.com/codepair/gateway/internal/config"
	"github.com/codepair/gateway/internal/redisdb"
	"github.com/codepair/gateway/internal/registry"
	"github.com/codepair/gateway/internal/room"
	"github.com/codepair/gateway/internal/slogging"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := slogging.Get()
	defer func() {
		_ = logger.Close()
	}()

	rdb, err := redisdb.New(redisdb.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		_ = rdb.Close()
	}()

	// One identity for the server and its bus: origin suppression on
	// delivered envelopes depends on them matching.
	instanceID := uuid.New().String()

	server := api.NewServer(api.ServerOptions{
		InstanceID: instanceID,
		Registry:   registry.New(rdb, cfg.Room.ReconnectGrace),
		Bus:        bus.New(rdb, instanceID),
		Rooms:      room.NewManager(),
		Socket: api.SocketConfig{
			ReadLimitBytes: cfg.WebSocket.ReadLimitBytes,
			PongTimeout:    cfg.WebSocket.PongTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			SendBufferSize: cfg.WebSocket.SendBufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
		},
		ReconnectGrace: cfg.Room.ReconnectGrace,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}

	authClient := auth.NewClient(auth.Config{
		ServiceURL: cfg.Auth.ServiceURL,
		Timeout:    cfg.Auth.Timeout,
	})

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(slogging.LoggerMiddleware(), gin.Recovery())
	server.RegisterHandlers(r, authClient)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := cfg.Server.Interface + ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening on %s (instance %s)", addr, server.InstanceID())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error: %v", err)
	}
	return nil
}
