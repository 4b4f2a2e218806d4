package middleware

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/enVId-tech/craftd/allocator"
	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/provision"
	"github.com/enVId-tech/craftd/proxy"
)

// AttachRequestID attaches a unique ID to the incoming HTTP request so that
// any errors that are generated or returned to the client will include this
// reference allowing for an easier time identifying the specific request that
// failed for the user.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Deps is the set of collaborators the route handlers need. It is built once
// at startup and attached to each request context.
type Deps struct {
	Orchestrator *provision.Orchestrator
	Allocator    *allocator.PortAllocator
	Registry     *proxy.Registry
	Deployer     *proxy.Deployer
	Monitor      *proxy.Monitor
	Bulk         *provision.BulkRegistry
}

// AttachDeps attaches the shared collaborators to the request context so
// handlers can access them without package-level state.
func AttachDeps(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("deps", deps)
		c.Next()
	}
}

// CaptureAndAbort aborts the request and attaches the provided error to the
// gin context, so it can be reported properly. If the error is missing a
// stacktrace at the time it is called the stack will be attached.
func CaptureAndAbort(c *gin.Context, err error) {
	c.Abort()
	c.Error(errors.WithStackDepthIf(err, 1))
}

// CaptureErrors is a custom handler function allowing for errors bubbled up
// by c.Error() to be returned in a standardized format with tracking UUIDs on
// them for easier log searching.
func CaptureErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		err := c.Errors.Last()
		if err == nil || err.Err == nil {
			return
		}

		if err.Error() == io.EOF.Error() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "The data passed in the request was not in a parsable format. Please try again."})
			return
		}

		status := statusForError(err.Err)
		requestID := c.Writer.Header().Get("X-Request-Id")
		if status == http.StatusInternalServerError {
			ExtractLogger(c).WithField("error", err.Err).Error("error while handling HTTP request")
			c.AbortWithStatusJSON(status, gin.H{
				"error":      "An unexpected error was encountered while processing this request.",
				"request_id": requestID,
			})
			return
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Err.Error(), "request_id": requestID})
	}
}

// statusForError maps the domain error taxonomy onto response codes. Anything
// unrecognized is a 500 with the detail kept out of the response body.
func statusForError(err error) int {
	switch {
	case provision.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case provision.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrPortsExhausted):
		return http.StatusConflict
	case errors.Is(err, provision.ErrOrchestratorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrProxyNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrUnsupportedType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RequireAuthorization authenticates requests against the daemon token.
func RequireAuthorization() gin.HandlerFunc {
	return func(c *gin.Context) {
		// We don't put this value outside this function since the daemon's
		// authentication token can be changed on the fly and the config.Get()
		// call returns a copy, so if it is rotated this value will never
		// properly get updated.
		token := config.Get().AuthenticationToken
		auth := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(auth) != 2 || auth[0] != "Bearer" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The required authorization heads were not present in the request."})
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth[1]), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "You are not authorized to access this endpoint."})
			return
		}
		c.Next()
	}
}

// ExtractLogger pulls the logger out of the request context and returns it.
// By default this will include the request ID set by AttachRequestID.
func ExtractLogger(c *gin.Context) *log.Entry {
	v, ok := c.Get("logger")
	if !ok {
		panic("middleware/middleware: cannot extract logger: not present in request context")
	}
	return v.(*log.Entry)
}

// ExtractDeps returns the collaborator set attached to the request context.
func ExtractDeps(c *gin.Context) *Deps {
	if v, ok := c.Get("deps"); ok {
		return v.(*Deps)
	}
	panic("middleware/middleware: cannot extract deps: not present in request context")
}
