package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/service"
)

// RouterConfig carries the ambient collaborators of the router. All fields
// are optional.
type RouterConfig struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Heartbeat time.Duration
}

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger), Metrics(cfg.Metrics))

	handlers := NewAuthHandlers(authService)
	stream := NewStreamHandler(authService, cfg.Heartbeat)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/sessions", handlers.StartSession)
		auth.GET("/sessions/:id", handlers.GetSession)
		auth.GET("/sessions/:id/events", handlers.SessionEvents)
		auth.GET("/sessions/:id/stream", stream.Stream)

		auth.POST("/wallet/challenge", handlers.Challenge)
		auth.POST("/wallet/verify", handlers.VerifyWallet)

		auth.POST("/signin", handlers.SignIn)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
		api.GET("/authorize", handlers.Authorize)
	}

	return router
}
