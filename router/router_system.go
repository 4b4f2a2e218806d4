package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/router/middleware"
	"github.com/enVId-tech/craftd/system"
)

// Returns information about this daemon instance and its runtime.
func getSystemInformation(c *gin.Context) {
	c.JSON(http.StatusOK, system.GetSystemInformation())
}

// Entry point for the external scheduler. Runs the same discovery and health
// passes the internal cron does, so deployments without the built-in scheduler
// can drive them from an outside cron over the API.
func postScheduledUpdate(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	env := config.Get().Fleet.Environment

	scan, err := deps.Registry.ScanAndRegister(c.Request.Context(), env)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	health, err := deps.Monitor.CheckAll(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan": scan, "health": health})
}
