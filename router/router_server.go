package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enVId-tech/craftd/provision"
	"github.com/enVId-tech/craftd/router/middleware"
	"github.com/enVId-tech/craftd/system"
)

// ownerIdentity resolves the acting user for a request. The daemon trusts
// the panel's header because every request already carries the shared token.
func ownerIdentity(c *gin.Context) string {
	return system.FirstNotEmpty(c.GetHeader("X-Craftd-Owner"), "system")
}

// Returns all server records known to this daemon.
func getAllServers(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	servers, err := deps.Orchestrator.Servers(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

func getServer(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	s, err := deps.Orchestrator.FindByID(c.Request.Context(), c.Param("server"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// Runs the full provisioning workflow and returns the allocated identity.
func postCreateServer(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var req provision.CreateRequest
	if err := c.BindJSON(&req); err != nil {
		return
	}
	res, err := deps.Orchestrator.CreateServer(c.Request.Context(), ownerIdentity(c), req)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	middleware.ExtractLogger(c).WithField("server", res.ServerID).Info("provisioned new server instance")
	c.JSON(http.StatusCreated, res)
}

// Decommissions a server. The response is multi-status: a 200 means every
// step completed, a 207 carries the per-step breakdown of what was left
// behind.
func deleteServer(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	opts := provision.DeleteOptions{
		ArchiveFiles: c.Query("archive") == "true",
	}
	res, err := deps.Orchestrator.DeleteServer(c.Request.Context(), c.Param("server"), opts)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	status := http.StatusOK
	if res.Failed() || len(res.Warnings) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

func postServerPower(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var data struct {
		Action string `json:"action"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("server")
	var err error
	switch data.Action {
	case "start":
		err = deps.Orchestrator.StartServer(ctx, id)
	case "stop":
		err = deps.Orchestrator.StopServer(ctx, id)
	case "restart":
		err = deps.Orchestrator.RestartServer(ctx, id)
	default:
		middleware.CaptureAndAbort(c, provision.NewValidationError("%q is not a valid power action", data.Action))
		return
	}
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Fans one action out over a set of servers, reporting per-item outcomes.
func postBulkOperation(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var data struct {
		Action    string   `json:"action"`
		ServerIDs []string `json:"server_ids"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if len(data.ServerIDs) == 0 {
		middleware.CaptureAndAbort(c, provision.NewValidationError("at least one server id is required"))
		return
	}
	res, err := deps.Orchestrator.RunBulk(c.Request.Context(), deps.Bulk, provision.BulkAction(data.Action), data.ServerIDs)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Marks an in-flight bulk operation for cancellation at its next checkpoint.
func deleteBulkOperation(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	if !deps.Bulk.Cancel(c.Param("operation")) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "No such operation is currently running."})
		return
	}
	c.Status(http.StatusAccepted)
}
