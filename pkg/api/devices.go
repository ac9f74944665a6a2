package api

import (
	"context"
	"net/http"

	"acs/pkg/models"

	"github.com/gin-gonic/gin"
)

// Waker sends connection requests to devices.
type Waker interface {
	Request(ctx context.Context, req models.ConnReqRequest) models.ConnReqReply
}

// RegisterDeviceSessionRoutes creates the wake and live-session routes.
func RegisterDeviceSessionRoutes(g *gin.RouterGroup, waker Waker, sessions Sessions) {
	g.POST("/connection-requests", connReqHandler(waker))
	g.GET("/sessions", sessionsHandler(sessions))
}

// connReqHandler asks a device to open a session. The reply carries the
// claim outcome; delivery to the device happens asynchronously.
func connReqHandler(waker Waker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ConnReqRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusOK, waker.Request(c.Request.Context(), req))
	}
}

// sessionsHandler lists the sessions live in this process
func sessionsHandler(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sessions.Snapshot())
	}
}
