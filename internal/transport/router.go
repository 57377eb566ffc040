package transport

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/middleware"
)

// NewRouter builds the gin engine that serves the loopback client transport
// (§6): the daemon control surface, the Identity handle surface and the
// SessionHandle surface, all mounted under /v1. Only loopback connections
// are accepted (§1 "out of scope: remote replication" rules out exposing
// this surface to other hosts), enforced per request by loopbackOnly(). The
// listener itself binds whatever ListenAddr is configured (":8000", all
// interfaces, by default) and does not restrict peers.
func NewRouter(d *daemon.Daemon) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(loopbackOnly())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.TimeoutWithDuration(30 * time.Second))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.GzipWithExclusions(middleware.DefaultCompression, []string{"/v1/identity/events", "/v1/session/events"}))
	router.Use(middleware.JSONSizeLimiter())

	limiter := middleware.NewRateLimiter(50, 100)
	router.Use(limiter.Middleware())

	v1 := router.Group("/v1")

	NewDaemonHandler(d).RegisterRoutes(v1)
	NewIdentityHandler(d).RegisterRoutes(v1)
	NewSessionHandler(d).RegisterRoutes(v1)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return router
}
