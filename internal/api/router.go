package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/storyforge/internal/middleware"
	"github.com/NikhilSetiya/storyforge/internal/provider"
	"github.com/NikhilSetiya/storyforge/pkg/config"
	"github.com/NikhilSetiya/storyforge/pkg/health"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/metrics"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
	"github.com/NikhilSetiya/storyforge/pkg/tracing"
)

// ServiceName is reported by the status endpoint
const ServiceName = "storyforge"

// maxStoryRequestBytes bounds the story creation body
const maxStoryRequestBytes = 64 << 10

// Dependencies are the collaborators the router serves
type Dependencies struct {
	Config     *config.Config
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Tracing    *tracing.TracingService
	Health     *health.Service
	Controller *ratelimit.Controller
	Generator  provider.Completer
	Retriers   []*resilience.Retrier
	Stories    *StoryLog
	Version    string
	// Now is the admission clock; nil uses time.Now
	Now func() time.Time
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	if deps.Health == nil {
		deps.Health = health.NewService(logger, nil)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.WithError(err).Warn("Ignoring invalid trusted proxies")
	}

	// Correlation runs first so panics and 429 rejections carry the id.
	// Admission never reads it, so decisions do not depend on this order.
	router.Use(middleware.CorrelationMiddleware())
	var panics middleware.PanicObserver
	if deps.Metrics != nil {
		panics = deps.Metrics
	}
	router.Use(middleware.RecoveryMiddleware(logger, panics))
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())

	admit := func(class string) gin.HandlerFunc {
		return AdmissionMiddleware(deps.Controller, class, cfg.RateLimit.ClientKeyHeader, deps.Now, logger)
	}

	router.GET("/health", admit(ratelimit.ClassHealth), deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	if deps.Metrics != nil && cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	stories := NewStoryHandler(deps.Generator, deps.Stories, logger)
	status := NewStatusHandler(ServiceName, deps.Version, deps.Retriers, deps.Controller, cfg.RateLimit.ClientKeyHeader)
	if deps.Now != nil {
		status.now = deps.Now
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", admit(ratelimit.ClassDefault), status.GetStatus)

		storyRoutes := v1.Group("/stories")
		{
			storyRoutes.POST("", RequestSizeMiddleware(maxStoryRequestBytes), admit(ratelimit.ClassStoryGeneration), stories.CreateStory)
			storyRoutes.GET("", admit(ratelimit.ClassList), stories.ListStories)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		ErrorResponse(c, http.StatusNotFound, "NOT_FOUND", "Endpoint not found", nil)
	})

	return router
}
