package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/axiestudio/voicebridge/internal/api/router"
	appconfig "github.com/axiestudio/voicebridge/internal/config"
	"github.com/axiestudio/voicebridge/internal/http/handlers"
	"github.com/axiestudio/voicebridge/internal/identity"
	"github.com/axiestudio/voicebridge/internal/observability/metrics"
	"github.com/axiestudio/voicebridge/internal/permission"
	"github.com/axiestudio/voicebridge/internal/session"
	"github.com/axiestudio/voicebridge/internal/tools"
	"github.com/axiestudio/voicebridge/internal/webhook"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicebridge gateway",
		"env", cfg.Env,
		"port", cfg.Port,
		"agent_configured", cfg.HasAgentID(),
	)

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	callMetrics := metrics.NewCallMetrics(reg)

	store := identity.NewStore(rdb, logger).WithTTL(cfg.IdentityTTL)

	platform := permission.NewDevicePlatform(cfg.CaptureDevicePath, logger)
	gate := permission.NewGate(platform, logger)
	defer gate.Close()
	gate.OnChange(func(state permission.State) {
		logger.Info("microphone permission changed", "state", state)
	})

	// the controller is assigned below; the reporter only reads it per
	// event, after wiring is complete
	var controller *session.Controller
	reporter, err := webhook.New(webhook.Config{
		URL:       cfg.WebhookURL,
		Timeout:   cfg.WebhookTimeout,
		Logger:    logger,
		UserAgent: "voicebridge/1.0",
		SessionID: func() string {
			if controller == nil {
				return webhook.UnknownSession
			}
			return controller.SessionID()
		},
	})
	if err != nil {
		logger.Error("webhook reporter init failed", "error", err)
		os.Exit(1)
	}

	surface := tools.NewSurface(store, reporter, logger).
		WithMetrics(callMetrics).
		WithCallStart(func() time.Time {
			if controller == nil {
				return time.Time{}
			}
			return controller.CallStart()
		})

	toolHandlers := make(map[string]session.ToolHandler, 4)
	for name, handler := range surface.Registry() {
		toolHandlers[name] = session.ToolHandler(handler)
	}

	dialer := session.NewWebSocketDialer(cfg.SessionEndpoint, logger)
	controller = session.NewController(session.Config{
		AgentID:            cfg.AgentID,
		ConnectionType:     cfg.ConnectionType,
		ConnectTimeout:     cfg.ConnectTimeout,
		MaxAttempts:        cfg.MaxRetryAttempts,
		ConnectBackoffBase: cfg.ConnectBackoffBase,
		ConnectBackoffMax:  cfg.ConnectBackoffMax,
		ErrorBackoffBase:   cfg.ErrorBackoffBase,
		ErrorBackoffMax:    cfg.ErrorBackoffMax,
	}, dialer, gate, store, toolHandlers, logger).WithMetrics(callMetrics)

	callHandler := handlers.NewCallHandler(controller, store, reporter, gate, logger)

	r := router.New(&router.Config{
		Logger:         logger,
		CallHandler:    callHandler,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// hang up any live call before the listener goes away
	if err := controller.Stop(ctx); err != nil {
		logger.Warn("session stop during shutdown failed", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
