package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

var (
	errInvalidCompileRequest = errors.New("request body must be a JSON compile request")
	errCompileFailed         = errors.New("compile failed")
	errNoStore               = errors.New("activity store not configured")
)

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// Every handler error goes through here
func (a *API) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidCompileRequest):
		errorResponse(c, http.StatusBadRequest, errInvalidCompileRequest.Error())
	case errors.Is(err, errCompileFailed):
		a.log.WithError(err).Error("Compile proxy failed")
		errorResponse(c, http.StatusInternalServerError, "Failed to compile code")
	case errors.Is(err, errNoStore):
		errorResponse(c, http.StatusNotFound, "Activity history is not enabled")
	case errors.Is(err, ws.ErrHubClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		a.log.WithError(err).Warn("Room state unavailable")
		errorResponse(c, http.StatusServiceUnavailable, "Service unavailable")
	default:
		a.log.WithError(err).Error("Unhandled internal server error")
		errorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
