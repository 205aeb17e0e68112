package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"gavel.io/gavel/internal/api/handlers"
	"gavel.io/gavel/internal/api/middleware"
	"gavel.io/gavel/internal/config"
	"gavel.io/gavel/internal/pkg/logger"
)

// defaultDevOrigins are allowed when no origins are configured.
var defaultDevOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))

	health := router.Group("/health")
	health.GET("/live", server.GetLiveness)
	health.GET("/ready", server.GetReadiness)

	// zap.AtomicLevel serves GET and PUT {"level":"debug"}
	levelHandler := gin.WrapH(logger.HTTPHandler())
	router.GET("/log/level", levelHandler)
	router.PUT("/log/level", levelHandler)

	ops := router.Group("/api/v1")
	ops.GET("/workers", server.GetWorkerMetrics)
	ops.GET("/dead-letters", server.ListDeadLetters)
	ops.GET("/auctions/:id", server.GetAuction)

	return router
}

// buildCORSConfig allows the configured dashboard origins. A wildcard is only
// honored with the unsafe flag, and then credentials are never allowed.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		c.AllowAllOrigins = true
		return c
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultDevOrigins...)
	}
	c.AllowOrigins = origins
	c.AllowCredentials = cfg.Server.AllowCredentials
	return c
}
