// Package router assembles the gin engine and owns the HTTP server
// lifecycle.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/monitoring"
	"github.com/whiteboard-geeks/mailerautomation/internal/interfaces/http/handlers"
	"github.com/whiteboard-geeks/mailerautomation/internal/interfaces/http/middleware"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// Router is the HTTP entry surface.
type Router struct {
	engine           *gin.Engine
	config           *config.Config
	logger           logger.Logger
	metrics          *monitoring.Metrics
	admissionHandler *handlers.AdmissionHandler
	healthHandler    *handlers.HealthHandler
	server           *http.Server
}

// NewRouter creates the router with its handlers.
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	metrics *monitoring.Metrics,
	admissionHandler *handlers.AdmissionHandler,
	healthHandler *handlers.HealthHandler,
) *Router {
	gin.SetMode(gin.ReleaseMode)

	return &Router{
		engine:           gin.New(),
		config:           cfg,
		logger:           log,
		metrics:          metrics,
		admissionHandler: admissionHandler,
		healthHandler:    healthHandler,
	}
}

// SetupRoutes installs middleware and routes.
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.Observability(otel.Tracer("http"), r.metrics))
	r.engine.Use(middleware.RequestLogger(r.logger))

	r.engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.engine.GET("/health/live", r.healthHandler.LivenessCheck)
	r.engine.GET("/health/ready", r.healthHandler.ReadinessCheck)

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.config.Monitoring.PprofEnabled {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	{
		requests := v1.Group("/requests")
		{
			requests.POST("", r.admissionHandler.EnqueueRequest)
			requests.GET("/:id", r.admissionHandler.GetResult)
		}

		v1.GET("/queue/status", r.admissionHandler.QueueStatus)

		ratelimits := v1.Group("/ratelimit")
		{
			// Bucket keys contain slashes, so the key is a catch-all segment.
			ratelimits.GET("/buckets/*key", r.admissionHandler.BucketStatus)
			ratelimits.DELETE("/buckets/*key", r.admissionHandler.ResetBucket)
		}

		breakers := v1.Group("/breakers")
		{
			breakers.GET("/:name/metrics", r.admissionHandler.BreakerMetrics)
			breakers.DELETE("/:name", r.admissionHandler.ResetBreaker)
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, apperrors.ToErrorResponse(
			apperrors.ErrNotFound("the requested resource was not found")))
	})
}

// Start builds the server and serves until Stop or a listener error.
func (r *Router) Start() error {
	r.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", r.config.Server.Host, r.config.Server.Port)
	r.server = &http.Server{
		Addr:           addr,
		Handler:        r.engine,
		ReadTimeout:    time.Duration(r.config.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(r.config.Server.WriteTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	r.logger.Info(context.Background(), "starting http server", logger.String("address", addr))

	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info(ctx, "stopping http server")
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
