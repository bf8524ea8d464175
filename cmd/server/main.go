package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whiteboard-geeks/mailerautomation/internal/application/service"
	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/breaker"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	redisconn "github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/persistence/redis"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/queue"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	"github.com/whiteboard-geeks/mailerautomation/internal/interfaces/http/handlers"
	"github.com/whiteboard-geeks/mailerautomation/internal/interfaces/http/router"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

const shutdownGracePeriod = 15 * time.Second

func main() {
	ctx := context.Background()

	// Logger for startup, before the real config is loaded.
	startupLogger, _ := monitoring.NewZapLogger(&config.LogConfig{Level: "info"})

	cfg, err := config.LoadConfig(startupLogger)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	tracerShutdown, err := monitoring.InitTracer(&cfg.Tracing, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize tracer", err)
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	redisConn, err := redisconn.NewConnection(&cfg.Redis, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "failed to connect to redis", err)
	}

	// Admission components, wired explicitly. Every piece takes its
	// dependencies through its constructor so tests can swap any of them.
	limiter, err := ratelimit.NewLimiter(redisConn.Client, &cfg.RateLimit, appLogger, metrics)
	if err != nil {
		appLogger.Fatal(ctx, "failed to create rate limiter", err)
	}

	endpointLimiter, err := ratelimit.NewEndpointLimiter(limiter, redisConn.Client, &cfg.RateLimit, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "failed to create endpoint limiter", err)
	}

	brk, err := breaker.NewBreaker(redisConn.Client, &cfg.Breaker, appLogger, metrics)
	if err != nil {
		appLogger.Fatal(ctx, "failed to create circuit breaker", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	admissionSvc, err := service.NewAdmissionService(brk, endpointLimiter, httpClient, appLogger, metrics)
	if err != nil {
		appLogger.Fatal(ctx, "failed to create admission service", err)
	}

	requestQueue, err := queue.NewQueue(
		redisConn.Client, &cfg.Queue, limiter, admissionSvc.HandleQueuedRequest, appLogger, metrics,
	)
	if err != nil {
		appLogger.Fatal(ctx, "failed to create request queue", err)
	}
	requestQueue.Start(ctx)

	admissionHandler := handlers.NewAdmissionHandler(requestQueue, limiter, brk, appLogger)
	healthHandler := handlers.NewHealthHandler(redisConn, appLogger)

	srv := router.NewRouter(cfg, appLogger, metrics, admissionHandler, healthHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info(ctx, "shutdown signal received", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			appLogger.Error(ctx, "http server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "http server shutdown failed", err)
	}

	// Stop workers after the HTTP server so no new work arrives while
	// in-flight requests drain.
	requestQueue.Stop()

	if err := tracerShutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "tracer shutdown failed", err)
	}
	if err := redisConn.Close(); err != nil {
		appLogger.Error(shutdownCtx, "redis close failed", err)
	}

	appLogger.Info(ctx, "server stopped")
}
