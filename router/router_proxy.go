package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enVId-tech/craftd/proxy"
	"github.com/enVId-tech/craftd/router/middleware"
)

func getProxies(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	filter := proxy.Filter{
		Environment: c.Query("environment"),
		EnabledOnly: c.Query("enabled") == "true",
	}
	if raw := c.Query("type"); raw != "" {
		t, err := proxy.ParseType(raw)
		if err != nil {
			middleware.CaptureAndAbort(c, err)
			return
		}
		filter.Type = t
	}
	proxies, err := deps.Registry.List(c.Request.Context(), filter)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, proxies)
}

func getProxyStatistics(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	stats, err := deps.Registry.Statistics(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func getProxyHealth(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	report, err := deps.Monitor.CheckAll(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Triggers a discovery scan against the container orchestrator.
func postProxyScan(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	res, err := deps.Registry.ScanAndRegister(c.Request.Context(), environmentParam(c))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Deploys a server to a set of proxies. Partial success is a 207 with the
// per-proxy breakdown.
func postDeployProxies(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var req proxy.DeployRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}
	req.ServerID = c.Param("server")

	s, err := deps.Orchestrator.FindByID(c.Request.Context(), req.ServerID)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	res, err := deps.Deployer.Deploy(c.Request.Context(), s, req)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

func getServerBinding(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	b, err := deps.Deployer.Binding(c.Request.Context(), c.Param("server"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	if b == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "This server is not deployed to any proxies."})
		return
	}
	c.JSON(http.StatusOK, b)
}

// Evaluates which proxy types a server can pair with, without changing any
// configuration.
func postProxyCompatibility(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var data struct {
		Types []string `json:"types"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}
	s, err := deps.Orchestrator.FindByID(c.Request.Context(), c.Param("server"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, proxy.TestCompatibility(s, data.Types))
}
