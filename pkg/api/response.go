package api

import (
	"errors"
	"net/http"

	"acs/pkg/database"
	"acs/pkg/deviceop"
	"acs/pkg/persistence"

	"github.com/gin-gonic/gin"
)

// respondError sends a structured JSON error response
func respondError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error": gin.H{
			"message": message,
			"status":  code,
		},
	})
	c.Abort()
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deviceop.ErrInvalidOperation), errors.Is(err, persistence.ErrInvalidDevice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
