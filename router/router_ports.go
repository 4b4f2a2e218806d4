package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/enVId-tech/craftd/allocator"
	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/provision"
	"github.com/enVId-tech/craftd/router/middleware"
)

func environmentParam(c *gin.Context) string {
	if env := c.Query("environment"); env != "" {
		return env
	}
	return config.Get().Fleet.Environment
}

// Lists every reservation row for an environment.
func getPortUsage(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	usage, err := deps.Allocator.Usage(c.Request.Context(), environmentParam(c))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environment": environmentParam(c), "reservations": usage})
}

func getPortAvailability(c *gin.Context) {
	deps := middleware.ExtractDeps(c)
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		middleware.CaptureAndAbort(c, provision.NewValidationError("port must be numeric"))
		return
	}
	avail, err := deps.Allocator.IsAvailable(c.Request.Context(), port, ownerIdentity(c), environmentParam(c))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// Stores admin port reservations; the whole set applies or none of it does.
func postReservePorts(c *gin.Context) {
	deps := middleware.ExtractDeps(c)

	var data struct {
		Target      string                  `json:"target"`
		Environment string                  `json:"environment"`
		Ports       []allocator.Reservation `json:"ports"`
	}
	if err := c.BindJSON(&data); err != nil {
		return
	}
	if data.Environment == "" {
		data.Environment = config.Get().Fleet.Environment
	}
	if err := deps.Allocator.ReserveForUser(c.Request.Context(), ownerIdentity(c), data.Target, data.Ports, data.Environment); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
