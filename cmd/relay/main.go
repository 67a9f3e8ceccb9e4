package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duocall/internal/middleware"
	"duocall/internal/relay"
	"duocall/pkg/config"
	"duocall/pkg/logger"
	"duocall/pkg/tracing"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/duocall/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	server := relay.NewServer(log)
	server.SetAllowedOrigin(cfg.Relay.AllowedOrigin)
	server.SetPingInterval(cfg.Relay.PingInterval)
	server.SetPongTimeout(cfg.Relay.PongTimeout)

	if cfg.Monitoring.PrometheusEnabled {
		server.SetMetrics(relay.NewMetrics())
	}

	var presence *relay.Presence
	if cfg.Redis.Enabled {
		presence = relay.NewPresence(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, log)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := presence.Ping(ctx); err != nil {
			log.Warnw("redis unreachable, presence disabled", "error", err)
			presence = nil
		} else {
			server.SetPresence(presence)
			log.Info("redis presence enabled")
		}
		cancel()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Relay.AllowedOrigin))

	router.GET("/ws", gin.WrapF(server.HandleWS))
	router.GET("/health", gin.WrapF(server.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		if presence != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := presence.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not_ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
			"uptime": time.Since(startTime).String(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signal relay", "address", cfg.Relay.Address, "public_url", cfg.Relay.PublicURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if presence != nil {
		if err := presence.Close(); err != nil {
			log.Errorw("error closing presence", "error", err)
		}
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("signal relay stopped")
}
