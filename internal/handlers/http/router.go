package http

import (
	"net/http"

	"callcore/internal/core/ports"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/middleware"
	"callcore/internal/infrastructure/monitoring"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RouterDeps are the collaborators served by the control API. Gatherer may
// be nil to serve the default registry; a nil Archiver leaves out the
// archive route.
type RouterDeps struct {
	Calls    ports.CallController
	History  ports.CallHistoryRepository
	Auth     services.AuthService
	Health   *monitoring.HealthChecker
	Archiver HistoryArchiver
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// NewRouter builds the control API. Health and metrics are public; every
// /v1 route requires a control token.
func NewRouter(cfg RouterConfig, deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(deps.Logger.Desugar())),
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg.RequestsPerSecond, cfg.Burst),
		middleware.ErrorHandlerMiddleware(deps.Logger),
	)

	router.GET("/health", func(c *gin.Context) {
		status := deps.Health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/v1", middleware.AuthMiddleware(deps.Auth))
	NewCallHandler(deps.Calls, deps.History).SetupRoutes(api)
	NewAuthHandler(deps.Auth).SetupRoutes(api)
	if deps.Archiver != nil {
		NewArchiveHandler(deps.Archiver).SetupRoutes(api)
	}

	return router
}
