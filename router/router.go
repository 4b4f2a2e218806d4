package router

import (
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/enVId-tech/craftd/router/middleware"
)

// Configure sets up the routing infrastructure for this daemon instance. All
// collaborators are passed in so tests can mount the router against
// constructed fakes.
func Configure(deps *middleware.Deps) *gin.Engine {
	gin.SetMode("release")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AttachRequestID(), middleware.CaptureErrors())
	router.Use(middleware.AttachDeps(deps))
	router.Use(gin.LoggerWithFormatter(func(params gin.LogFormatterParams) string {
		log.WithFields(log.Fields{
			"client_ip":  params.ClientIP,
			"status":     params.StatusCode,
			"latency":    params.Latency,
			"request_id": params.Keys["request_id"],
		}).Debugf("%s %s", params.MethodColor()+params.Method+params.ResetColor(), params.Path)
		return ""
	}))

	router.OPTIONS("/api/system", func(c *gin.Context) {
		c.Status(204)
	})

	// All routes are protected: every request to this daemon comes from the
	// control panel or an operator token.
	protected := router.Group("", middleware.RequireAuthorization())
	{
		protected.GET("/api/system", getSystemInformation)
		protected.POST("/api/scheduled/update", postScheduledUpdate)

		protected.GET("/api/servers", getAllServers)
		protected.POST("/api/servers", postCreateServer)
		protected.GET("/api/servers/:server", getServer)
		protected.DELETE("/api/servers/:server", deleteServer)
		protected.POST("/api/servers/:server/power", postServerPower)

		protected.POST("/api/servers/bulk", postBulkOperation)
		protected.DELETE("/api/servers/bulk/:operation", deleteBulkOperation)

		protected.GET("/api/ports", getPortUsage)
		protected.GET("/api/ports/:port", getPortAvailability)
		protected.POST("/api/ports/reserve", postReservePorts)

		protected.GET("/api/proxies", getProxies)
		protected.GET("/api/proxies/statistics", getProxyStatistics)
		protected.GET("/api/proxies/health", getProxyHealth)
		protected.POST("/api/proxies/scan", postProxyScan)
		protected.POST("/api/servers/:server/proxies", postDeployProxies)
		protected.GET("/api/servers/:server/proxies", getServerBinding)
		protected.POST("/api/servers/:server/proxies/compatibility", postProxyCompatibility)
	}

	return router
}
